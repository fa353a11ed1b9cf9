// Package gateway defines the persistence contract consumed by the turn core
// and ships an in-memory implementation. Durable drivers live in subpackages.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/creastat/tutoring"
)

// Order selects the sort direction of message listings.
type Order string

const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

// Gateway stores sessions, messages and per-owner aggregate stats.
type Gateway interface {
	// CreateSession persists s. An empty ID is filled with a new UUID.
	CreateSession(ctx context.Context, s *tutoring.Session) error

	// GetSession returns the session or an error matching tutoring.ErrNotFound.
	GetSession(ctx context.Context, id string) (*tutoring.Session, error)

	// ListRecentMessages returns up to limit messages of a session ordered by creation time.
	ListRecentMessages(ctx context.Context, sessionID string, order Order, limit int) ([]tutoring.Message, error)

	// InsertMessage stores msg and atomically increments the session's
	// message_count and last_active.
	InsertMessage(ctx context.Context, msg *tutoring.Message) error

	// UpdateSessionFields applies a partial update.
	UpdateSessionFields(ctx context.Context, id string, fields tutoring.SessionFields) error

	// IncrementAggregateStat atomically adds delta to an owner's stat field.
	IncrementAggregateStat(ctx context.Context, ownerID, field string, delta int64) error

	// EnsureOwnerStats creates the owner's aggregate record if it does not exist.
	EnsureOwnerStats(ctx context.Context, ownerID string) error

	// ListIdleSessions returns active sessions whose last_active is before cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]tutoring.Session, error)

	// Close releases any resources.
	Close() error
}

// Persistence wraps a driver error as a PersistenceFailure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return tutoring.E(tutoring.KindPersistence, op, err)
}

// NotFound returns a NotFound error for a session id.
func NotFound(op, id string) error {
	return tutoring.E(tutoring.KindNotFound, op, fmt.Errorf("session %s", id))
}
