package watchdog

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CompletedCache remembers recently-finished builds so repeated polling does
// not re-check them against the CI API. Entries expire on their own; the
// record store stays the source of truth.
type CompletedCache interface {
	IsCompleted(ctx context.Context, buildID string) (bool, error)
	MarkCompleted(ctx context.Context, buildID string) error
}

const completedKeyPrefix = "packwright:completed:"

// RedisCache is the shared CompletedCache; the TTL bounds staleness across
// all API instances instead of each process keeping its own map.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) IsCompleted(ctx context.Context, buildID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, completedKeyPrefix+buildID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkCompleted(ctx context.Context, buildID string) error {
	return c.rdb.Set(ctx, completedKeyPrefix+buildID, "1", c.ttl).Err()
}
