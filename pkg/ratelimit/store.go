package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the shared cooldown state.
type Store interface {
	// Get returns the stored state, or nil when none is recorded.
	Get(ctx context.Context) (*CooldownState, error)

	// Set replaces the stored state.
	Set(ctx context.Context, state *CooldownState) error

	// Extend stores state unless the stored cooldown ends later. The
	// comparison and the write are atomic; it reports whether state was
	// written.
	Extend(ctx context.Context, state *CooldownState) (bool, error)
}

// maxWatchRetries bounds optimistic Redis transactions under contention.
const maxWatchRetries = 10

// MemoryStore keeps the cooldown in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *CooldownState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context) (*CooldownState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, nil
	}
	state := *m.state
	return &state, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, state *CooldownState) error {
	if state == nil {
		return fmt.Errorf("cooldown state cannot be nil")
	}
	copied := *state
	m.mu.Lock()
	m.state = &copied
	m.mu.Unlock()
	return nil
}

// Extend implements Store.
func (m *MemoryStore) Extend(_ context.Context, state *CooldownState) (bool, error) {
	if state == nil {
		return false, fmt.Errorf("cooldown state cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil && m.state.Until.After(state.Until) {
		return false, nil
	}
	copied := *state
	m.state = &copied
	return true, nil
}

// RedisStore shares the cooldown between processes through Redis.
// Keys expire together with the cooldown.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context) (*CooldownState, error) {
	untilMillis, err := r.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown until: %w", err)
	}

	reason, err := r.redis.Get(ctx, RedisKeyCooldownReason).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get cooldown reason: %w", err)
	}

	lastUpdateStr, err := r.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &CooldownState{
		Until:  time.UnixMilli(untilMillis),
		Reason: reason,
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// Set implements Store. States that already ended are not written.
func (r *RedisStore) Set(ctx context.Context, state *CooldownState) error {
	if state == nil {
		return fmt.Errorf("cooldown state cannot be nil")
	}

	ttl := state.Remaining()
	if ttl <= 0 {
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := r.redis.TxPipeline()
	queueSet(ctx, pipe, state, lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown state in redis: %w", err)
	}
	return nil
}

// Extend implements Store. The until key is WATCHed so a concurrent writer
// aborts the transaction and the comparison is retried.
func (r *RedisStore) Extend(ctx context.Context, state *CooldownState) (bool, error) {
	if state == nil {
		return false, fmt.Errorf("cooldown state cannot be nil")
	}

	ttl := state.Remaining()
	if ttl <= 0 {
		return false, nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return false, fmt.Errorf("marshal last update: %w", err)
	}

	var written bool
	txf := func(tx *redis.Tx) error {
		written = false

		untilMillis, err := tx.Get(ctx, RedisKeyCooldownUntil).Int64()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("get cooldown until: %w", err)
		}
		if err == nil && untilMillis > state.Until.UnixMilli() {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueSet(ctx, pipe, state, lastUpdateJSON, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		written = true
		return nil
	}

	for range maxWatchRetries {
		err := r.redis.Watch(ctx, txf, RedisKeyCooldownUntil)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("extend cooldown state in redis: %w", err)
		}
		return written, nil
	}
	return false, fmt.Errorf("extend cooldown state in redis: %w", redis.TxFailedErr)
}

func queueSet(ctx context.Context, pipe redis.Pipeliner, state *CooldownState, lastUpdateJSON []byte, ttl time.Duration) {
	pipe.Set(ctx, RedisKeyCooldownUntil, state.Until.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyCooldownReason, state.Reason, ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, ttl)
}
