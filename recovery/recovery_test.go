package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/snapshot"
)

// flakyGateway wraps the memory gateway, counting reads and injecting failures.
type flakyGateway struct {
	*gateway.Memory
	fail  atomic.Bool
	reads atomic.Int32
}

func (g *flakyGateway) GetSession(ctx context.Context, id string) (*tutoring.Session, error) {
	g.reads.Add(1)
	if g.fail.Load() {
		return nil, gateway.Persistence("get session", errors.New("connection reset"))
	}
	return g.Memory.GetSession(ctx, id)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestCoordinator(t *testing.T) (*Coordinator, *flakyGateway, snapshot.Store, *recordingSleeper) {
	t.Helper()
	gw := &flakyGateway{Memory: gateway.NewMemory()}
	snaps, err := snapshot.NewStore(snapshot.StoreTypeMemory)
	require.NoError(t, err)
	sleeper := &recordingSleeper{}
	c := New(gw, snaps, WithBaseDelay(2*time.Second), WithSleeper(sleeper.Sleep))
	return c, gw, snaps, sleeper
}

func seedSession(t *testing.T, gw gateway.Gateway, owner string, messages int) string {
	t.Helper()
	ctx := context.Background()
	s := &tutoring.Session{OwnerID: owner, Subject: "biology"}
	require.NoError(t, gw.CreateSession(ctx, s))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < messages; i++ {
		require.NoError(t, gw.InsertMessage(ctx, &tutoring.Message{
			SessionID: s.ID,
			Sender:    tutoring.SenderUser,
			Content:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	return s.ID
}

func TestRecover_FromStore(t *testing.T) {
	c, gw, _, sleeper := newTestCoordinator(t)
	id := seedSession(t, gw, "u1", 4)

	sc := c.Recover(context.Background(), id, "u1", "")

	assert.IsType(t, tutoring.RecoveredFromStore{}, sc.Provenance)
	assert.Equal(t, "biology", sc.Subject)
	require.Len(t, sc.History, 4)
	assert.True(t, sc.History[0].CreatedAt.Before(sc.History[3].CreatedAt))
	assert.Zero(t, c.Attempts(id, "u1"))
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
}

func TestRecover_HistoryLimit(t *testing.T) {
	gw := &flakyGateway{Memory: gateway.NewMemory()}
	id := seedSession(t, gw, "u1", 8)
	c := New(gw, nil, WithBaseDelay(0), WithHistoryLimit(5))

	sc := c.Recover(context.Background(), id, "u1", "")
	require.Len(t, sc.History, 5)

	all, err := gw.ListRecentMessages(context.Background(), id, gateway.Ascending, 0)
	require.NoError(t, err)
	assert.Equal(t, all[3:], sc.History)
}

func TestRecover_StoreFailsNoSnapshot(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t)
	id := seedSession(t, gw, "u1", 1)
	gw.fail.Store(true)

	sc := c.Recover(context.Background(), id, "u1", "maths")

	require.True(t, tutoring.IsMinimal(sc.Provenance))
	assert.Empty(t, sc.History)
	assert.NotNil(t, sc.History)
	assert.Equal(t, "maths", sc.Subject)
	assert.Equal(t, 1, c.Attempts(id, "u1"))

	cause := sc.Provenance.(tutoring.Minimal).Cause
	assert.ErrorIs(t, cause, tutoring.ErrPersistence)
}

func TestRecover_MissingSessionCarriesNotFound(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	sc := c.Recover(context.Background(), "ghost", "u1", "")
	m, ok := sc.Provenance.(tutoring.Minimal)
	require.True(t, ok)
	assert.ErrorIs(t, m.Cause, tutoring.ErrNotFound)
}

func TestRecover_OwnerMismatchIsNotFound(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t)
	id := seedSession(t, gw, "u1", 1)

	sc := c.Recover(context.Background(), id, "intruder", "")
	m, ok := sc.Provenance.(tutoring.Minimal)
	require.True(t, ok)
	assert.ErrorIs(t, m.Cause, tutoring.ErrNotFound)
}

func TestRecover_FromSnapshot(t *testing.T) {
	c, gw, snaps, _ := newTestCoordinator(t)
	gw.fail.Store(true)
	ctx := context.Background()

	sc := tutoring.NewMinimalContext("s1", "u1", "physics", nil)
	sc.History = []tutoring.Message{{ID: "m1", SessionID: "s1", Sender: tutoring.SenderUser, Content: "hi"}}
	require.NoError(t, c.Checkpoint(ctx, sc))

	// Seed one failed attempt so the reset is observable.
	c.begin(attemptKey{sessionID: "s1", ownerID: "u1"})

	got := c.Recover(ctx, "s1", "u1", "")
	assert.IsType(t, tutoring.RecoveredFromSnapshot{}, got.Provenance)
	assert.Equal(t, "physics", got.Subject)
	require.Len(t, got.History, 1)
	assert.Zero(t, c.Attempts("s1", "u1"))

	n, err := snaps.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecover_SnapshotOwnerMustMatch(t *testing.T) {
	c, gw, _, _ := newTestCoordinator(t)
	gw.fail.Store(true)
	ctx := context.Background()

	require.NoError(t, c.Checkpoint(ctx, tutoring.NewMinimalContext("s1", "u1", "physics", nil)))

	got := c.Recover(ctx, "s1", "u2", "")
	assert.True(t, tutoring.IsMinimal(got.Provenance))
}

func TestRecover_ShortCircuitsAfterMaxAttempts(t *testing.T) {
	c, gw, _, sleeper := newTestCoordinator(t)
	id := seedSession(t, gw, "u1", 1)
	gw.fail.Store(true)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		sc := c.Recover(ctx, id, "u1", "")
		require.True(t, tutoring.IsMinimal(sc.Provenance))
	}
	assert.Equal(t, 3, c.Attempts(id, "u1"))
	assert.EqualValues(t, 3, gw.reads.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, sleeper.delays)

	sc := c.Recover(ctx, id, "u1", "")
	m, ok := sc.Provenance.(tutoring.Minimal)
	require.True(t, ok)
	assert.ErrorIs(t, m.Cause, tutoring.ErrRecoveryExhausted)
	assert.EqualValues(t, 3, gw.reads.Load(), "short-circuit must not touch the store")
	assert.Equal(t, 3, c.Attempts(id, "u1"))
	assert.Len(t, sleeper.delays, 3)

	// Still short-circuited once the store is healthy again.
	gw.fail.Store(false)
	c.Recover(ctx, id, "u1", "")
	assert.EqualValues(t, 3, gw.reads.Load())

	c.ClearAttempts(id, "u1")
	sc = c.Recover(ctx, id, "u1", "")
	assert.IsType(t, tutoring.RecoveredFromStore{}, sc.Provenance)
	assert.Zero(t, c.Attempts(id, "u1"))
}

func TestRecover_CanceledWait(t *testing.T) {
	gw := &flakyGateway{Memory: gateway.NewMemory()}
	c := New(gw, nil, WithBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := c.Recover(ctx, "s1", "u1", "")
	m, ok := sc.Provenance.(tutoring.Minimal)
	require.True(t, ok)
	assert.ErrorIs(t, m.Cause, context.Canceled)
	assert.Zero(t, gw.reads.Load())
}

func TestRecover_ConcurrentCounterNeverExceedsMax(t *testing.T) {
	gw := &flakyGateway{Memory: gateway.NewMemory()}
	gw.fail.Store(true)
	c := New(gw, nil, WithBaseDelay(0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Recover(context.Background(), "s1", "u1", "")
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultMaxAttempts, c.Attempts("s1", "u1"))
	assert.EqualValues(t, DefaultMaxAttempts, gw.reads.Load())
}

func TestCheckpoint_NoStore(t *testing.T) {
	c := New(gateway.NewMemory(), nil)
	assert.NoError(t, c.Checkpoint(context.Background(), tutoring.NewMinimalContext("s", "u", "", nil)))
}
