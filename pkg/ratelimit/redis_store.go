package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the shared counter backend. Window counters use a single key
// whose value is increased with an atomic remote INCRBY and expires at the
// window boundary; blocks are separate keys whose TTL is the block remainder.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment implements Store using an atomic remote increment; never
// read-modify-write, so it stays correct under multi-process concurrency.
func (s *RedisStore) Increment(ctx context.Context, key string, cost int, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	pipe := s.client.Pipeline()
	incrCmd := pipe.IncrBy(ctx, key, int64(cost))
	pipe.ExpireAt(ctx, key, resetAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, resetAt, err
	}

	return incrCmd.Val(), resetAt, nil
}

// Block implements Store
func (s *RedisStore) Block(ctx context.Context, key string, d time.Duration) error {
	return s.client.Set(ctx, blockKey(key), 1, d).Err()
}

// BlockedUntil implements Store
func (s *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	ttl, err := s.client.PTTL(ctx, blockKey(key)).Result()
	if err != nil {
		return time.Time{}, err
	}

	// PTTL reports a negative duration when the key does not exist or has
	// no expiry
	if ttl <= 0 {
		return time.Time{}, nil
	}

	return time.Now().Add(ttl), nil
}

// Reset implements Store
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key, blockKey(key)).Err()
}

func blockKey(key string) string {
	return key + ":block"
}
