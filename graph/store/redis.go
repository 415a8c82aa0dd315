package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis.
//
// Layout, under a configurable prefix:
//
//	<prefix>:checkpoint:<id>  JSON-encoded Checkpoint
//	<prefix>:key:<key>        checkpoint id for an idempotency key
//	<prefix>:run:<runID>      sorted set of checkpoint ids scored by step
//
// A positive TTL expires all three kinds of keys.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL expires stored checkpoints after ttl. Zero means never.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisPrefix sets the key prefix. The default is "workflow".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store.
//
//	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "workflow"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) checkpointKey(id string) string { return s.prefix + ":checkpoint:" + id }
func (s *RedisStore) idempotencyKey(key string) string { return s.prefix + ":key:" + key }
func (s *RedisStore) runKey(runID string) string      { return s.prefix + ":run:" + runID }

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id cannot be empty")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.checkpointKey(cp.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrDuplicateKey
	}

	if cp.IdempotencyKey != "" {
		ok, err := s.client.SetNX(ctx, s.idempotencyKey(cp.IdempotencyKey), cp.ID, s.ttl).Result()
		if err != nil || !ok {
			_ = s.client.Del(ctx, s.checkpointKey(cp.ID)).Err()
			if err != nil {
				return fmt.Errorf("redis setnx failed: %w", err)
			}
			return ErrDuplicateKey
		}
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.runKey(cp.RunID), redis.Z{Score: float64(cp.Step), Member: cp.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.runKey(cp.RunID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("redis get failed: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// FindByKey implements Store.
func (s *RedisStore) FindByKey(ctx context.Context, key string) (Checkpoint, error) {
	id, err := s.client.Get(ctx, s.idempotencyKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("redis get failed: %w", err)
	}
	return s.Load(ctx, id)
}

// List implements Store. Ids whose checkpoint expired are skipped.
func (s *RedisStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}

	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.checkpointKey(id))
	pipe.ZRem(ctx, s.runKey(cp.RunID), id)
	if cp.IdempotencyKey != "" {
		pipe.Del(ctx, s.idempotencyKey(cp.IdempotencyKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
