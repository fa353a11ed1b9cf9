// Package supabase implements gateway.Gateway on Supabase (PostgREST).
// The required tables and functions are in Schema.
package supabase

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/gateway"
)

// Schema is the SQL that provisions the tables and functions used by Client.
//
//go:embed schema.sql
var Schema string

const (
	sessionsTable = "tutoring_sessions"
	messagesTable = "tutoring_messages"

	rpcAppendMessage = "append_session_message"
	rpcEnsureStats   = "ensure_owner_stats"
	rpcIncrementStat = "increment_owner_stat"
)

// Config holds Supabase connection configuration
type Config struct {
	URL      string
	APIKey   string
	CacheTTL time.Duration // Default: 5 minutes
}

// Client implements gateway.Gateway using Supabase
type Client struct {
	client   *supabase.Client
	owners   *ownerCache
	cacheTTL time.Duration
}

// ownerCache remembers owners whose stats record is known to exist.
type ownerCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: supabase URL is required", tutoring.ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: supabase API key is required", tutoring.ErrInvalidConfig)
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:   client,
		cacheTTL: cfg.CacheTTL,
		owners:   &ownerCache{entries: make(map[string]time.Time)},
	}, nil
}

// CreateSession implements gateway.Gateway.
func (c *Client) CreateSession(ctx context.Context, s *tutoring.Session) error {
	if err := ctx.Err(); err != nil {
		return gateway.Persistence("create session", err)
	}
	if s.ID == "" {
		s.ID = tutoring.NewSessionID()
	}
	now := time.Now().UTC()
	if s.Status == "" {
		s.Status = tutoring.StatusActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActive.IsZero() {
		s.LastActive = now
	}

	_, _, err := c.client.From(sessionsTable).
		Insert(s, false, "", "minimal", "").
		Execute()
	if err != nil {
		return gateway.Persistence("create session", err)
	}
	return nil
}

// GetSession implements gateway.Gateway.
func (c *Client) GetSession(ctx context.Context, id string) (*tutoring.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, gateway.Persistence("get session", err)
	}

	var sessions []tutoring.Session
	_, err := c.client.From(sessionsTable).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&sessions)
	if err != nil {
		return nil, gateway.Persistence("get session", err)
	}
	if len(sessions) == 0 {
		return nil, gateway.NotFound("get session", id)
	}
	return &sessions[0], nil
}

// ListRecentMessages implements gateway.Gateway.
func (c *Client) ListRecentMessages(ctx context.Context, sessionID string, order gateway.Order, limit int) ([]tutoring.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, gateway.Persistence("list messages", err)
	}

	q := c.client.From(messagesTable).
		Select("*", "", false).
		Eq("session_id", sessionID).
		Order("created_at", &postgrest.OrderOpts{Ascending: order != gateway.Descending})
	if limit > 0 {
		q = q.Limit(limit, "")
	}

	var messages []tutoring.Message
	if _, err := q.ExecuteTo(&messages); err != nil {
		return nil, gateway.Persistence("list messages", err)
	}
	return messages, nil
}

// InsertMessage implements gateway.Gateway.
// append_session_message runs the insert and the counter update in one transaction.
func (c *Client) InsertMessage(ctx context.Context, msg *tutoring.Message) error {
	if err := ctx.Err(); err != nil {
		return gateway.Persistence("insert message", err)
	}
	if msg.ID == "" {
		msg.ID = tutoring.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = tutoring.MessageText
	}

	resp := c.client.Rpc(rpcAppendMessage, "", map[string]any{
		"p_id":          msg.ID,
		"p_session_id":  msg.SessionID,
		"p_sender":      msg.Sender,
		"p_type":        msg.Type,
		"p_content":     msg.Content,
		"p_image_url":   msg.ImageURL,
		"p_token_usage": msg.TokenUsage,
		"p_created_at":  msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err := rpcError(resp); err != nil {
		if isNoDataFound(err) {
			return gateway.NotFound("insert message", msg.SessionID)
		}
		return gateway.Persistence("insert message", err)
	}
	return nil
}

// UpdateSessionFields implements gateway.Gateway.
func (c *Client) UpdateSessionFields(ctx context.Context, id string, fields tutoring.SessionFields) error {
	if err := ctx.Err(); err != nil {
		return gateway.Persistence("update session", err)
	}

	update := make(map[string]any, 3)
	if fields.Status != nil {
		update["status"] = *fields.Status
	}
	if fields.Subject != nil {
		update["subject"] = *fields.Subject
	}
	if fields.LastActive != nil {
		update["last_active"] = fields.LastActive.UTC().Format(time.RFC3339Nano)
	}
	if len(update) == 0 {
		return nil
	}

	body, _, err := c.client.From(sessionsTable).
		Update(update, "representation", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return gateway.Persistence("update session", err)
	}

	var updated []tutoring.Session
	if err := json.Unmarshal(body, &updated); err != nil {
		return gateway.Persistence("update session", err)
	}
	if len(updated) == 0 {
		return gateway.NotFound("update session", id)
	}
	return nil
}

// IncrementAggregateStat implements gateway.Gateway.
func (c *Client) IncrementAggregateStat(ctx context.Context, ownerID, field string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return gateway.Persistence("increment stat", err)
	}
	if !tutoring.ValidStatField(field) {
		return gateway.Persistence("increment stat", fmt.Errorf("unknown stat field %q", field))
	}

	resp := c.client.Rpc(rpcIncrementStat, "", map[string]any{
		"p_owner_id": ownerID,
		"p_field":    field,
		"p_delta":    delta,
	})
	return gateway.Persistence("increment stat", rpcError(resp))
}

// EnsureOwnerStats implements gateway.Gateway.
func (c *Client) EnsureOwnerStats(ctx context.Context, ownerID string) error {
	if c.ownerKnown(ownerID) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return gateway.Persistence("ensure stats", err)
	}

	resp := c.client.Rpc(rpcEnsureStats, "", map[string]any{"p_owner_id": ownerID})
	if err := rpcError(resp); err != nil {
		return gateway.Persistence("ensure stats", err)
	}

	c.rememberOwner(ownerID)
	return nil
}

// ListIdleSessions implements gateway.Gateway.
func (c *Client) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]tutoring.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, gateway.Persistence("list idle sessions", err)
	}

	q := c.client.From(sessionsTable).
		Select("*", "", false).
		Eq("status", string(tutoring.StatusActive)).
		Lt("last_active", cutoff.UTC().Format(time.RFC3339Nano)).
		Order("last_active", &postgrest.OrderOpts{Ascending: true})
	if limit > 0 {
		q = q.Limit(limit, "")
	}

	var sessions []tutoring.Session
	if _, err := q.ExecuteTo(&sessions); err != nil {
		return nil, gateway.Persistence("list idle sessions", err)
	}
	return sessions, nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

func (c *Client) ownerKnown(ownerID string) bool {
	c.owners.mu.RLock()
	defer c.owners.mu.RUnlock()

	expiresAt, ok := c.owners.entries[ownerID]
	return ok && time.Now().Before(expiresAt)
}

func (c *Client) rememberOwner(ownerID string) {
	c.owners.mu.Lock()
	defer c.owners.mu.Unlock()

	c.owners.entries[ownerID] = time.Now().Add(c.cacheTTL)
}

// rpcErrorBody is the PostgREST error envelope.
type rpcErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// RPCError is a failure reported by a PostgREST function call.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// rpcError interprets the raw string returned by Rpc, which carries either
// the function result or an error envelope.
func rpcError(resp string) error {
	resp = strings.TrimSpace(resp)
	if resp == "" || resp == "null" {
		return nil
	}
	if !json.Valid([]byte(resp)) {
		return &RPCError{Message: resp}
	}
	if resp[0] != '{' {
		return nil
	}

	var body rpcErrorBody
	if err := json.Unmarshal([]byte(resp), &body); err != nil {
		return &RPCError{Message: resp}
	}
	if body.Message == "" {
		return nil
	}
	return &RPCError{Code: body.Code, Message: body.Message}
}

// isNoDataFound reports the P0002 raised by append_session_message for unknown sessions.
func isNoDataFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == "P0002"
}

// Compile-time check that Client implements gateway.Gateway
var _ gateway.Gateway = (*Client)(nil)
