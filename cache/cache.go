// Package cache holds the in-memory session-context cache and the deferred
// write queue that feeds the persistence gateway.
package cache

import (
	"sync"
	"time"

	"github.com/creastat/tutoring"
)

// DefaultTTL is how long a cached context stays readable.
const DefaultTTL = 5 * time.Minute

// Cache is a TTL cache of resolved session contexts, safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	value     tutoring.SessionContext
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached context for sessionID while it is unexpired.
// An expired entry is evicted and reported absent.
func (c *Cache) Get(sessionID string) (tutoring.SessionContext, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[sessionID]
	if ok && now.Before(e.expiresAt) {
		out := e.value.Clone()
		out.ExpiresAt = e.expiresAt
		c.mu.RUnlock()
		return out, true
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if cur, still := c.entries[sessionID]; still && !now.Before(cur.expiresAt) {
			delete(c.entries, sessionID)
		}
		c.mu.Unlock()
	}
	return tutoring.SessionContext{}, false
}

// Put stores a copy of sc with expiry now + TTL.
func (c *Cache) Put(sessionID string, sc tutoring.SessionContext) {
	expiresAt := c.now().Add(c.ttl)
	value := sc.Clone()
	value.ExpiresAt = expiresAt

	c.mu.Lock()
	c.entries[sessionID] = &cacheEntry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Invalidate drops the entry for sessionID.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Purge removes every expired entry and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
