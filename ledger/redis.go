package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the free-tier counters with Redis so allowances survive
// restarts and are shared across replicas. The window is a key TTL set when
// the counter is first created; INCR keeps the check-and-increment atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. The prefix namespaces the
// counter keys ("lntoll:free" when empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lntoll:free"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	k := fmt.Sprintf("%s:%s", s.prefix, key)
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: redis incr: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return false, fmt.Errorf("ledger: redis expire: %w", err)
		}
	}
	return count <= int64(limit), nil
}
