package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creastat/tutoring"
)

// Memory implements Gateway in process memory. It is used for development
// and tests; all operations are atomic under one mutex.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*tutoring.Session
	messages map[string][]tutoring.Message
	stats    map[string]map[string]int64
	now      func() time.Time
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*tutoring.Session),
		messages: make(map[string][]tutoring.Message),
		stats:    make(map[string]map[string]int64),
		now:      time.Now,
	}
}

// SetClock replaces time.Now for timestamps the gateway fills in.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// CreateSession implements Gateway.
func (m *Memory) CreateSession(ctx context.Context, s *tutoring.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = tutoring.NewSessionID()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return Persistence("create session", fmt.Errorf("session %s already exists", s.ID))
	}
	now := m.now()
	if s.Status == "" {
		s.Status = tutoring.StatusActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActive.IsZero() {
		s.LastActive = now
	}
	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

// GetSession implements Gateway.
func (m *Memory) GetSession(ctx context.Context, id string) (*tutoring.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, NotFound("get session", id)
	}
	out := *s
	return &out, nil
}

// ListRecentMessages implements Gateway.
func (m *Memory) ListRecentMessages(ctx context.Context, sessionID string, order Order, limit int) ([]tutoring.Message, error) {
	m.mu.RLock()
	msgs := append([]tutoring.Message(nil), m.messages[sessionID]...)
	m.mu.RUnlock()

	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	if order == Descending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// InsertMessage implements Gateway.
func (m *Memory) InsertMessage(ctx context.Context, msg *tutoring.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return NotFound("insert message", msg.SessionID)
	}
	if msg.ID == "" {
		msg.ID = tutoring.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	s.MessageCount++
	if msg.CreatedAt.After(s.LastActive) {
		s.LastActive = msg.CreatedAt
	}
	return nil
}

// UpdateSessionFields implements Gateway.
func (m *Memory) UpdateSessionFields(ctx context.Context, id string, fields tutoring.SessionFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return NotFound("update session", id)
	}
	if fields.Status != nil {
		s.Status = *fields.Status
	}
	if fields.Subject != nil {
		s.Subject = *fields.Subject
	}
	if fields.LastActive != nil {
		s.LastActive = *fields.LastActive
	}
	return nil
}

// IncrementAggregateStat implements Gateway.
func (m *Memory) IncrementAggregateStat(ctx context.Context, ownerID, field string, delta int64) error {
	if !tutoring.ValidStatField(field) {
		return Persistence("increment stat", fmt.Errorf("unknown stat field %q", field))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[ownerID]
	if !ok {
		stats = make(map[string]int64)
		m.stats[ownerID] = stats
	}
	stats[field] += delta
	return nil
}

// EnsureOwnerStats implements Gateway.
func (m *Memory) EnsureOwnerStats(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stats[ownerID]; !ok {
		m.stats[ownerID] = make(map[string]int64)
	}
	return nil
}

// ListIdleSessions implements Gateway.
func (m *Memory) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]tutoring.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tutoring.Session
	for _, s := range m.sessions {
		if s.Status == tutoring.StatusActive && s.LastActive.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats returns a copy of an owner's aggregate stats and whether the record exists.
func (m *Memory) Stats(ownerID string) (map[string]int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[ownerID]
	if !ok {
		return nil, false
	}
	out := make(map[string]int64, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out, true
}

// Close implements Gateway.
func (m *Memory) Close() error {
	return nil
}

// Compile-time check that Memory implements Gateway
var _ Gateway = (*Memory)(nil)
