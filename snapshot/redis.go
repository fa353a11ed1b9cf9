package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for snapshot keys and the recency index.
	defaultKeyPrefix = "tutoring:"
	// Default TTL for snapshot keys (24 hours)
	defaultTTL = 24 * time.Hour
)

// redisStore implements Store using a string key per snapshot and a sorted
// set scored by LastUpdated to enforce the global capacity.
type redisStore struct {
	client   *redis.Client
	ttl      time.Duration
	prefix   string
	capacity int
	now      func() time.Time
}

// Save implements Store.
// Uses WATCH/MULTI/EXEC so concurrent saves of one session never lose a version.
func (s *redisStore) Save(ctx context.Context, snap *Snapshot) error {
	if !snap.Valid() {
		return invalidSnapshot(snap)
	}
	key := s.key(snap.SessionID)
	now := s.now()

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var version int64
		val, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored Snapshot
			if err := json.Unmarshal([]byte(val), &stored); err == nil {
				version = stored.Version
			}
		}

		next := *snap
		next.LastUpdated = now
		next.Version = version + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: snap.SessionID,
			})
			return nil
		})
		if err == nil {
			snap.LastUpdated = next.LastUpdated
			snap.Version = next.Version
		}
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.SessionID, err)
	}

	return s.prune(ctx)
}

// prune removes the least recently updated snapshots beyond capacity.
func (s *redisStore) prune(ctx context.Context) error {
	idx := s.indexKey()
	n, err := s.client.ZCard(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("count snapshots: %w", err)
	}
	overflow := n - int64(s.capacity)
	if overflow <= 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, idx, 0, overflow-1).Result()
	if err != nil {
		return fmt.Errorf("list oldest snapshots: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}

	keys := make([]string, len(oldest))
	members := make([]any, len(oldest))
	for i, id := range oldest {
		keys[i] = s.key(id)
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, idx, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// Get implements Store.
// A key that expired while still indexed is dropped from the index.
func (s *redisStore) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		_ = s.client.ZRem(ctx, s.indexKey(), sessionID).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", sessionID, err)
	}
	return &snap, nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.ZRem(ctx, s.indexKey(), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Len implements Store.
func (s *redisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	return int(n), err
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// key constructs the Redis key for a session snapshot.
func (s *redisStore) key(sessionID string) string {
	return s.prefix + "snapshot:" + sessionID
}

func (s *redisStore) indexKey() string {
	return s.prefix + "snapshots"
}
