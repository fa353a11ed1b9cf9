package snapshot

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCapacity is the global cap on stored snapshots.
const DefaultCapacity = 10

// StoreOption is a functional option for configuring a snapshot store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for snapshot stores.
type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	keyPrefix   string
	capacity    int
	now         func() time.Time
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// WithKeyPrefix namespaces Redis keys.
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.keyPrefix = prefix
	}
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) StoreOption {
	return func(c *storeConfig) {
		c.capacity = n
	}
}

// WithClock replaces time.Now when stamping LastUpdated.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}
