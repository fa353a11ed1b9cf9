package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithTTL(ttl), WithClock(clk.Now)), clk
}

func sampleContext(id string) tutoring.SessionContext {
	return tutoring.SessionContext{
		SessionID: id,
		OwnerID:   "owner-1",
		Subject:   "biology",
		History: []tutoring.Message{
			{ID: "m1", SessionID: id, Sender: tutoring.SenderUser, Content: "What is a cell?"},
		},
		Curriculum: tutoring.DefaultCurriculum("biology"),
		Provenance: tutoring.RecoveredFromStore{},
	}
}

func TestCache_PutThenGet(t *testing.T) {
	c, clk := newTestCache(5 * time.Minute)
	sc := sampleContext("s1")

	c.Put("s1", sc)
	got, ok := c.Get("s1")
	require.True(t, ok)

	assert.Equal(t, sc.SessionID, got.SessionID)
	assert.Equal(t, sc.OwnerID, got.OwnerID)
	assert.Equal(t, sc.History, got.History)
	assert.Equal(t, sc.Curriculum, got.Curriculum)
	assert.Equal(t, sc.Provenance, got.Provenance)
	assert.Equal(t, clk.Now().Add(5*time.Minute), got.ExpiresAt)
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Put("s1", sampleContext("s1"))

	clk.Advance(59 * time.Second)
	_, ok := c.Get("s1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted on read")
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Put("s1", sampleContext("s1"))
	c.Put("s2", sampleContext("s2"))

	c.Invalidate("s1")

	_, ok := c.Get("s1")
	assert.False(t, ok)
	_, ok = c.Get("s2")
	assert.True(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	sc := sampleContext("s1")
	c.Put("s1", sc)

	sc.History[0].Content = "mutated after put"
	got, _ := c.Get("s1")
	assert.Equal(t, "What is a cell?", got.History[0].Content)

	got.History[0].Content = "mutated after get"
	again, _ := c.Get("s1")
	assert.Equal(t, "What is a cell?", again.History[0].Content)
}

func TestCache_Purge(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Put("old", sampleContext("old"))
	clk.Advance(30 * time.Second)
	c.Put("new", sampleContext("new"))
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", w)
			for i := 0; i < 200; i++ {
				sc := sampleContext(id)
				sc.History = append(sc.History, tutoring.Message{ID: fmt.Sprintf("m%d", i)})
				c.Put(id, sc)
				if got, ok := c.Get(id); ok {
					assert.Equal(t, id, got.SessionID)
					assert.Len(t, got.History, 2)
				}
				if i%10 == 0 {
					c.Invalidate(id)
				}
			}
		}(w)
	}
	wg.Wait()
}
