package snapshot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
)

type tick struct {
	mu sync.Mutex
	t  time.Time
}

// next returns a strictly increasing timestamp on every call.
func (k *tick) next() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.t = k.t.Add(time.Second)
	return k.t
}

func newMemory(t *testing.T, opts ...StoreOption) Store {
	t.Helper()
	clk := &tick{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	store, err := NewStore(StoreTypeMemory, append([]StoreOption{WithClock(clk.next)}, opts...)...)
	require.NoError(t, err)
	return store
}

func TestNewStore_Errors(t *testing.T) {
	_, err := NewStore(StoreTypeRedis)
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)

	_, err = NewStore("etcd")
	assert.ErrorIs(t, err, tutoring.ErrInvalidStoreType)

	_, err = NewStore(StoreTypeMemory, WithCapacity(0))
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)
}

func TestMemoryStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t)

	snap := &Snapshot{
		SessionID: "s1",
		OwnerID:   "u1",
		Subject:   "chemistry",
		History:   []tutoring.Message{{ID: "m1", Content: "atoms"}},
	}
	require.NoError(t, store.Save(ctx, snap))
	assert.Equal(t, int64(1), snap.Version)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, "atoms", got.History[0].Content)
	assert.False(t, got.LastUpdated.IsZero())

	require.NoError(t, store.Save(ctx, snap))
	got, _ = store.Get(ctx, "s1")
	assert.Equal(t, int64(2), got.Version)

	missing, err := store.Get(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	store := newMemory(t)
	assert.ErrorIs(t, store.Save(context.Background(), &Snapshot{SessionID: "s1"}), tutoring.ErrInvalidConfig)
	assert.ErrorIs(t, store.Save(context.Background(), &Snapshot{OwnerID: "u1"}), tutoring.ErrInvalidConfig)
	assert.ErrorIs(t, store.Save(context.Background(), nil), tutoring.ErrInvalidConfig)
}

func TestMemoryStore_PrunesOldestBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t)

	for i := 0; i < 12; i++ {
		require.NoError(t, store.Save(ctx, &Snapshot{SessionID: fmt.Sprintf("s%02d", i), OwnerID: "u"}))
	}
	// Touch s02 so it becomes the most recent.
	require.NoError(t, store.Save(ctx, &Snapshot{SessionID: "s02", OwnerID: "u"}))
	require.NoError(t, store.Save(ctx, &Snapshot{SessionID: "s12", OwnerID: "u"}))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, n)

	for _, gone := range []string{"s00", "s01", "s03"} {
		snap, _ := store.Get(ctx, gone)
		assert.Nil(t, snap, gone)
	}
	for _, kept := range []string{"s02", "s04", "s11", "s12"} {
		snap, _ := store.Get(ctx, kept)
		assert.NotNil(t, snap, kept)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t)
	require.NoError(t, store.Save(ctx, &Snapshot{SessionID: "s1", OwnerID: "u1"}))
	require.NoError(t, store.Delete(ctx, "s1"))
	snap, _ := store.Get(ctx, "s1")
	assert.Nil(t, snap)
}

func TestSnapshot_ContextRoundTrip(t *testing.T) {
	sc := tutoring.SessionContext{
		SessionID:  "s1",
		OwnerID:    "u1",
		Subject:    "physics",
		History:    []tutoring.Message{{ID: "m1"}},
		Curriculum: tutoring.DefaultCurriculum("physics"),
		Provenance: tutoring.RecoveredFromStore{},
	}
	snap := FromContext(sc)
	snap.LastUpdated = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, snap.Valid())

	back := snap.Context()
	assert.Equal(t, sc.History, back.History)
	assert.Equal(t, sc.Curriculum, back.Curriculum)
	assert.Equal(t, tutoring.RecoveredFromSnapshot{SnapshotUpdated: snap.LastUpdated}, back.Provenance)
}
