package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists per-host reset times for a Gate.
type Store interface {
	// BlockedUntil returns the stored reset time for key, or the zero time.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)

	// Block records that key is blocked until the given time. Implementations
	// never move an existing reset time backwards.
	Block(ctx context.Context, key string, until time.Time) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{until: make(map[string]time.Time)}
}

// BlockedUntil implements Store.
func (s *MemoryStore) BlockedUntil(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.until[key], nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.until[key]) {
		s.until[key] = until
	}
	return nil
}

// maxBlockAttempts bounds optimistic-lock retries in RedisStore.Block.
const maxBlockAttempts = 3

// RedisStore shares reset times between processes through Redis.
// Entries expire on their own once the reset time has passed.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// BlockedUntil implements Store.
func (s *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.redis.Get(ctx, KeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get blocked until: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Block implements Store. Concurrent writers are reconciled with WATCH so the
// latest reset time wins.
func (s *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	redisKey := KeyPrefix + key

	update := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get blocked until: %w", err)
		}
		if err == nil && current >= until.UnixMilli() {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, until.UnixMilli(), ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxBlockAttempts; i++ {
		err := s.redis.Watch(ctx, update, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store blocked until in redis: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store blocked until in redis: %w", redis.TxFailedErr)
}
