// Package recovery rebuilds a session context after a cache miss.
//
// Recover tries the persistence gateway first, then the snapshot side channel,
// and finally synthesizes a minimal context. A per-(session, owner) attempt
// counter bounds how often the stores are hit for a session that keeps failing.
package recovery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/logging"
	"github.com/creastat/tutoring/snapshot"
)

// Defaults for a Coordinator.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 2 * time.Second
	DefaultHistoryLimit = 100
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type attemptKey struct {
	sessionID string
	ownerID   string
}

// Coordinator runs the recovery tiers. Safe for concurrent use.
type Coordinator struct {
	gateway      gateway.Gateway
	snapshots    snapshot.Store
	maxAttempts  int
	baseDelay    time.Duration
	historyLimit int
	sleep        Sleeper

	mu       sync.Mutex
	attempts map[attemptKey]int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts caps the attempt counter.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the per-attempt delay unit.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithHistoryLimit sets how many recent messages tier 1 loads.
func WithHistoryLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithSleeper replaces the context-aware timer used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Coordinator) {
		c.sleep = s
	}
}

// New creates a Coordinator. snapshots may be nil, which disables tier 2.
func New(gw gateway.Gateway, snapshots snapshot.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:      gw,
		snapshots:    snapshots,
		maxAttempts:  DefaultMaxAttempts,
		baseDelay:    DefaultBaseDelay,
		historyLimit: DefaultHistoryLimit,
		sleep:        sleepCtx,
		attempts:     make(map[attemptKey]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recover returns a context for the session. It never fails: when no tier
// succeeds the result has Minimal provenance carrying the cause.
func (c *Coordinator) Recover(ctx context.Context, sessionID, ownerID, subject string) tutoring.SessionContext {
	log := logging.Session(sessionID)
	key := attemptKey{sessionID: sessionID, ownerID: ownerID}

	attempt, ok := c.begin(key)
	if !ok {
		log.Debug().Str("owner_id", ownerID).Int("attempts", attempt).Msg("recovery short-circuited")
		return tutoring.NewMinimalContext(sessionID, ownerID, subject, tutoring.ErrRecoveryExhausted)
	}

	if err := c.sleep(ctx, c.baseDelay*time.Duration(attempt)); err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Msg("recovery wait interrupted")
		return tutoring.NewMinimalContext(sessionID, ownerID, subject, err)
	}

	sc, storeErr := c.fromStore(ctx, sessionID, ownerID, subject)
	if storeErr == nil {
		c.ClearAttempts(sessionID, ownerID)
		return sc
	}
	if !errors.Is(storeErr, tutoring.ErrNotFound) {
		log.Warn().Err(storeErr).Int("attempt", attempt).Msg("store recovery failed")
	}

	if sc, ok := c.fromSnapshot(ctx, sessionID, ownerID); ok {
		c.ClearAttempts(sessionID, ownerID)
		return sc
	}

	log.Info().Int("attempt", attempt).Msg("recovered minimal context")
	return tutoring.NewMinimalContext(sessionID, ownerID, subject, storeErr)
}

// begin increments the counter unless it already reached the cap.
func (c *Coordinator) begin(key attemptKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.attempts[key]
	if n >= c.maxAttempts {
		return n, false
	}
	n++
	c.attempts[key] = n
	return n, true
}

func (c *Coordinator) fromStore(ctx context.Context, sessionID, ownerID, subject string) (tutoring.SessionContext, error) {
	sess, err := c.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return tutoring.SessionContext{}, err
	}
	if ownerID != "" && sess.OwnerID != ownerID {
		return tutoring.SessionContext{}, gateway.NotFound("recover session", sessionID)
	}

	recent, err := c.gateway.ListRecentMessages(ctx, sessionID, gateway.Descending, c.historyLimit)
	if err != nil {
		return tutoring.SessionContext{}, err
	}
	slices.Reverse(recent)
	if recent == nil {
		recent = []tutoring.Message{}
	}

	if sess.Subject != "" {
		subject = sess.Subject
	}
	return tutoring.SessionContext{
		SessionID:  sess.ID,
		OwnerID:    sess.OwnerID,
		Subject:    subject,
		History:    recent,
		Curriculum: tutoring.DefaultCurriculum(subject),
		Provenance: tutoring.RecoveredFromStore{},
	}, nil
}

func (c *Coordinator) fromSnapshot(ctx context.Context, sessionID, ownerID string) (tutoring.SessionContext, bool) {
	if c.snapshots == nil {
		return tutoring.SessionContext{}, false
	}

	snap, err := c.snapshots.Get(ctx, sessionID)
	if err != nil {
		logging.Session(sessionID).Warn().Err(err).Msg("snapshot lookup failed")
		return tutoring.SessionContext{}, false
	}
	if !snap.Valid() || (ownerID != "" && snap.OwnerID != ownerID) {
		return tutoring.SessionContext{}, false
	}
	return snap.Context(), true
}

// Checkpoint stores sc in the snapshot side channel.
func (c *Coordinator) Checkpoint(ctx context.Context, sc tutoring.SessionContext) error {
	if c.snapshots == nil {
		return nil
	}
	return c.snapshots.Save(ctx, snapshot.FromContext(sc))
}

// ClearAttempts resets the counter for a (session, owner) pair.
func (c *Coordinator) ClearAttempts(sessionID, ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, attemptKey{sessionID: sessionID, ownerID: ownerID})
}

// Attempts returns the current counter for a (session, owner) pair.
func (c *Coordinator) Attempts(sessionID, ownerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[attemptKey{sessionID: sessionID, ownerID: ownerID}]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
