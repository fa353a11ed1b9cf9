// Package sqlite implements gateway.Gateway on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/gateway"
)

// Store implements gateway.Gateway using SQLite in WAL mode.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates and initializes a SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("%w: sqlite db path is empty", tutoring.ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent turns.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: dbPath, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		subject       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'active',
		message_count INTEGER NOT NULL DEFAULT 0 CHECK (message_count >= 0),
		created_at    INTEGER NOT NULL,
		last_active   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender      TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT 'text',
		content     TEXT NOT NULL DEFAULT '',
		image_url   TEXT NOT NULL DEFAULT '',
		token_usage INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS owner_stats (
		owner_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		value    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, field)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, last_active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession implements gateway.Gateway.
func (s *Store) CreateSession(ctx context.Context, sess *tutoring.Session) error {
	if sess.ID == "" {
		sess.ID = tutoring.NewSessionID()
	}
	now := s.now()
	if sess.Status == "" {
		sess.Status = tutoring.StatusActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActive.IsZero() {
		sess.LastActive = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, subject, status, message_count, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Subject, string(sess.Status), sess.MessageCount,
		sess.CreatedAt.UnixNano(), sess.LastActive.UnixNano(),
	)
	return gateway.Persistence("create session", err)
}

// GetSession implements gateway.Gateway.
func (s *Store) GetSession(ctx context.Context, id string) (*tutoring.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, subject, status, message_count, created_at, last_active
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.NotFound("get session", id)
	}
	if err != nil {
		return nil, gateway.Persistence("get session", err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*tutoring.Session, error) {
	var (
		sess                tutoring.Session
		status              string
		created, lastActive int64
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Subject, &status, &sess.MessageCount, &created, &lastActive); err != nil {
		return nil, err
	}
	sess.Status = tutoring.SessionStatus(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.LastActive = time.Unix(0, lastActive).UTC()
	return &sess, nil
}

// ListRecentMessages implements gateway.Gateway.
func (s *Store) ListRecentMessages(ctx context.Context, sessionID string, order gateway.Order, limit int) ([]tutoring.Message, error) {
	dir := "ASC"
	if order == gateway.Descending {
		dir = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, type, content, image_url, token_usage, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at `+dir+`, id `+dir+`
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, gateway.Persistence("list messages", err)
	}
	defer rows.Close()

	var out []tutoring.Message
	for rows.Next() {
		var (
			m           tutoring.Message
			sender, typ string
			created     int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &typ, &m.Content, &m.ImageURL, &m.TokenUsage, &created); err != nil {
			return nil, gateway.Persistence("scan message", err)
		}
		m.Sender = tutoring.Sender(sender)
		m.Type = tutoring.MessageType(typ)
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, gateway.Persistence("list messages", rows.Err())
}

// InsertMessage implements gateway.Gateway.
// The insert and the message_count increment share one transaction.
func (s *Store) InsertMessage(ctx context.Context, msg *tutoring.Message) error {
	if msg.ID == "" {
		msg.ID = tutoring.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Type == "" {
		msg.Type = tutoring.MessageText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gateway.Persistence("insert message", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_active = MAX(last_active, ?)
		 WHERE id = ?`, msg.CreatedAt.UnixNano(), msg.SessionID)
	if err != nil {
		return gateway.Persistence("insert message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.NotFound("insert message", msg.SessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, type, content, image_url, token_usage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Sender), string(msg.Type), msg.Content, msg.ImageURL,
		msg.TokenUsage, msg.CreatedAt.UnixNano(),
	); err != nil {
		return gateway.Persistence("insert message", err)
	}
	return gateway.Persistence("insert message", tx.Commit())
}

// UpdateSessionFields implements gateway.Gateway.
func (s *Store) UpdateSessionFields(ctx context.Context, id string, fields tutoring.SessionFields) error {
	var (
		sets []string
		args []any
	)
	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.Subject != nil {
		sets = append(sets, "subject = ?")
		args = append(args, *fields.Subject)
	}
	if fields.LastActive != nil {
		sets = append(sets, "last_active = ?")
		args = append(args, fields.LastActive.UnixNano())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return gateway.Persistence("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.NotFound("update session", id)
	}
	return nil
}

// IncrementAggregateStat implements gateway.Gateway.
func (s *Store) IncrementAggregateStat(ctx context.Context, ownerID, field string, delta int64) error {
	if !tutoring.ValidStatField(field) {
		return gateway.Persistence("increment stat", fmt.Errorf("unknown stat field %q", field))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owner_stats (owner_id, field, value) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id, field) DO UPDATE SET value = value + excluded.value`,
		ownerID, field, delta)
	return gateway.Persistence("increment stat", err)
}

// EnsureOwnerStats implements gateway.Gateway.
func (s *Store) EnsureOwnerStats(ctx context.Context, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gateway.Persistence("ensure stats", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, field := range tutoring.StatFields {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO owner_stats (owner_id, field, value) VALUES (?, ?, 0)`,
			ownerID, field); err != nil {
			return gateway.Persistence("ensure stats", err)
		}
	}
	return gateway.Persistence("ensure stats", tx.Commit())
}

// ListIdleSessions implements gateway.Gateway.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]tutoring.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, subject, status, message_count, created_at, last_active
		 FROM sessions WHERE status = ? AND last_active < ?
		 ORDER BY last_active ASC LIMIT ?`,
		string(tutoring.StatusActive), cutoff.UnixNano(), limit)
	if err != nil {
		return nil, gateway.Persistence("list idle sessions", err)
	}
	defer rows.Close()

	var out []tutoring.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, gateway.Persistence("scan session", err)
		}
		out = append(out, *sess)
	}
	return out, gateway.Persistence("list idle sessions", rows.Err())
}

// Stats returns an owner's aggregate stats.
func (s *Store) Stats(ctx context.Context, ownerID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM owner_stats WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, gateway.Persistence("read stats", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			field string
			value int64
		)
		if err := rows.Scan(&field, &value); err != nil {
			return nil, gateway.Persistence("scan stats", err)
		}
		out[field] = value
	}
	return out, gateway.Persistence("read stats", rows.Err())
}

// Compile-time check that Store implements gateway.Gateway
var _ gateway.Gateway = (*Store)(nil)
