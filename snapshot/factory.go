package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creastat/tutoring"
)

// StoreType represents the type of snapshot store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// NewStore creates a new Store based on the given type.
// Supports "memory" and "redis" driver types.
// For Redis, requires WithRedisClient option.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{
		capacity:  DefaultCapacity,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.capacity <= 0 {
		return nil, fmt.Errorf("%w: snapshot capacity must be positive", tutoring.ErrInvalidConfig)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(config), nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, fmt.Errorf("%w: redis snapshot store needs a client", tutoring.ErrInvalidConfig)
		}
		ttl := config.redisTTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		return &redisStore{
			client:   config.redisClient,
			ttl:      ttl,
			prefix:   config.keyPrefix,
			capacity: config.capacity,
			now:      config.now,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", tutoring.ErrInvalidStoreType, storeType)
	}
}

func invalidSnapshot(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", tutoring.ErrInvalidConfig)
	}
	return fmt.Errorf("%w: snapshot needs session and owner ids (session=%q owner=%q)",
		tutoring.ErrInvalidConfig, snap.SessionID, snap.OwnerID)
}

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	capacity  int
	now       func() time.Time
}

func newMemoryStore(cfg *storeConfig) *memoryStore {
	return &memoryStore{
		snapshots: make(map[string]*Snapshot),
		capacity:  cfg.capacity,
		now:       cfg.now,
	}
}

// Save implements Store.
func (s *memoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if !snap.Valid() {
		return invalidSnapshot(snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	stored.History = append([]tutoring.Message(nil), snap.History...)
	stored.LastUpdated = s.now()
	stored.Version = 1
	if prev, ok := s.snapshots[snap.SessionID]; ok {
		stored.Version = prev.Version + 1
	}
	s.snapshots[snap.SessionID] = &stored
	snap.LastUpdated = stored.LastUpdated
	snap.Version = stored.Version

	s.pruneLocked()
	return nil
}

// pruneLocked drops the least recently updated snapshots beyond capacity.
func (s *memoryStore) pruneLocked() {
	overflow := len(s.snapshots) - s.capacity
	if overflow <= 0 {
		return
	}
	all := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		all = append(all, snap)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastUpdated.Equal(all[j].LastUpdated) {
			return all[i].SessionID < all[j].SessionID
		}
		return all[i].LastUpdated.Before(all[j].LastUpdated)
	})
	for _, snap := range all[:overflow] {
		delete(s.snapshots, snap.SessionID)
	}
}

// Get implements Store.
func (s *memoryStore) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.snapshots[sessionID]
	if !exists {
		return nil, nil
	}
	out := *snap
	out.History = append([]tutoring.Message(nil), snap.History...)
	return &out, nil
}

// Delete implements Store.
func (s *memoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, sessionID)
	return nil
}

// Len implements Store.
func (s *memoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots), nil
}

// Close implements Store.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = make(map[string]*Snapshot)
	return nil
}
