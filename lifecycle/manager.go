// Package lifecycle creates sessions, tracks their activity and archives the
// ones that go idle.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/event"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/logging"
)

// Defaults for a Manager.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepBatch    = 100
	defaultOpTimeout     = 10 * time.Second
)

// Archive reasons carried on session.archived events.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonSweep       = "sweep"
)

// Invalidator drops cached state for a session.
type Invalidator interface {
	Invalidate(sessionID string)
}

type activity struct {
	timer      Timer
	generation uint64
	lastActive time.Time
}

// Manager owns the per-session idle timers. Safe for concurrent use.
type Manager struct {
	gateway       gateway.Gateway
	cache         Invalidator
	publisher     event.Publisher
	clock         Clock
	idleTimeout   time.Duration
	sweepInterval time.Duration
	sweepBatch    int
	opTimeout     time.Duration

	mu      sync.Mutex
	tracked map[string]*activity
	stopped bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithIdleTimeout sets how long a session may stay inactive.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithSweepInterval sets the backstop sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithSweepBatch caps the sessions examined per sweep.
func WithSweepBatch(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p event.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// New creates a Manager.
func New(gw gateway.Gateway, cache Invalidator, opts ...Option) *Manager {
	m := &Manager{
		gateway:       gw,
		cache:         cache,
		publisher:     event.Discard,
		clock:         RealClock,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		sweepBatch:    DefaultSweepBatch,
		opTimeout:     defaultOpTimeout,
		tracked:       make(map[string]*activity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession persists a new active session, makes sure the owner has an
// aggregate stats record and starts idle tracking.
func (m *Manager) CreateSession(ctx context.Context, ownerID, subject string) (string, error) {
	sess, err := m.create(ctx, tutoring.NewSessionID(), ownerID, subject)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// EnsureSession returns the session with id, creating it for ownerID when
// the store has no record of it.
func (m *Manager) EnsureSession(ctx context.Context, id, ownerID, subject string) (*tutoring.Session, bool, error) {
	sess, err := m.gateway.GetSession(ctx, id)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, tutoring.ErrNotFound) {
		return nil, false, err
	}

	sess, err = m.create(ctx, id, ownerID, subject)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (m *Manager) create(ctx context.Context, id, ownerID, subject string) (*tutoring.Session, error) {
	now := m.clock.Now()
	sess := &tutoring.Session{
		ID:         id,
		OwnerID:    ownerID,
		Subject:    subject,
		Status:     tutoring.StatusActive,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := m.gateway.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.gateway.EnsureOwnerStats(ctx, ownerID); err != nil {
		return nil, err
	}

	log := logging.Session(sess.ID)
	if err := m.gateway.IncrementAggregateStat(ctx, ownerID, tutoring.StatSessions, 1); err != nil {
		log.Warn().Err(err).Msg("session counter not updated")
	}

	m.TrackActivity(sess.ID)
	m.publish(event.SessionCreated, sess, "")
	log.Info().Str("owner_id", ownerID).Str("subject", subject).Msg("session created")
	return sess, nil
}

// TrackActivity cancels the pending idle timer of a session and arms a new one.
func (m *Manager) TrackActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	a, ok := m.tracked[sessionID]
	if !ok {
		a = &activity{}
		m.tracked[sessionID] = a
	} else if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	a.lastActive = m.clock.Now()

	gen := a.generation
	a.timer = m.clock.AfterFunc(m.idleTimeout, func() {
		m.expire(sessionID, gen)
	})
}

// expire archives a session whose timer of generation gen fired. A timer
// superseded by later activity finds a newer generation and does nothing.
func (m *Manager) expire(sessionID string, gen uint64) {
	m.mu.Lock()
	a, ok := m.tracked[sessionID]
	if !ok || a.generation != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.tracked, sessionID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := m.archive(ctx, sessionID, ReasonIdleTimeout); err != nil {
		logging.Session(sessionID).Warn().Err(err).Msg("idle archival failed")
	}
}

// archive moves an active session to archived and drops its cached context.
func (m *Manager) archive(ctx context.Context, sessionID, reason string) error {
	defer m.cache.Invalidate(sessionID)

	sess, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != tutoring.StatusActive {
		return nil
	}

	archived := tutoring.StatusArchived
	if err := m.gateway.UpdateSessionFields(ctx, sessionID, tutoring.SessionFields{Status: &archived}); err != nil {
		return err
	}

	sess.Status = archived
	m.publish(event.SessionArchived, sess, reason)
	logging.Session(sessionID).Info().Str("reason", reason).Msg("session archived")
	return nil
}

// Restore reactivates an archived session.
func (m *Manager) Restore(ctx context.Context, sessionID string) (*tutoring.Session, error) {
	sess, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Status.ValidateTransition(tutoring.StatusActive); err != nil {
		return nil, err
	}

	active := tutoring.StatusActive
	now := m.clock.Now()
	if err := m.gateway.UpdateSessionFields(ctx, sessionID, tutoring.SessionFields{Status: &active, LastActive: &now}); err != nil {
		return nil, err
	}
	m.cache.Invalidate(sessionID)

	sess.Status = active
	sess.LastActive = now
	m.TrackActivity(sessionID)
	m.publish(event.SessionRestored, sess, "")
	logging.Session(sessionID).Info().Msg("session restored")
	return sess, nil
}

// Sweep archives active sessions idle in the store that no live timer covers.
// It returns the number of sessions archived.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	idle, err := m.gateway.ListIdleSessions(ctx, now.Add(-m.idleTimeout), m.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	archived := 0
	var errs []error
	for _, sess := range idle {
		if m.coveredByTimer(sess.ID, now) {
			continue
		}
		if err := m.archive(ctx, sess.ID, ReasonSweep); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", sess.ID, err))
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}

// coveredByTimer reports whether in-memory activity is recent enough to keep
// the session alive. Stale entries are dropped.
func (m *Manager) coveredByTimer(sessionID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.tracked[sessionID]
	if !ok {
		return false
	}
	if now.Sub(a.lastActive) < m.idleTimeout {
		return true
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(m.tracked, sessionID)
	return false
}

// Run sweeps every sweep interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				logging.Warn().Err(err).Msg("lifecycle sweep failed")
			}
			if n > 0 {
				logging.Info().Int("archived", n).Msg("lifecycle sweep archived idle sessions")
			}
		}
	}
}

// Tracked reports whether a session has a live idle timer.
func (m *Manager) Tracked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[sessionID]
	return ok
}

// Stop cancels every idle timer. Later activity is ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for id, a := range m.tracked {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(m.tracked, id)
	}
}

func (m *Manager) publish(t event.EventType, sess *tutoring.Session, reason string) {
	err := m.publisher.Publish(event.New(t, sess.ID, event.SessionData{
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		Status:    string(sess.Status),
		Reason:    reason,
	}))
	if err != nil {
		logging.Session(sess.ID).Warn().Err(err).Str("event", string(t)).Msg("publish failed")
	}
}
