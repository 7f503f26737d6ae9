// Package cache provides the small key-value cache used for review-service
// project and tag lookups. Backed by redis when configured, otherwise a
// process-local no-op that always misses.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a get/set store with per-key TTL. Implementations must be safe
// for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// New connects to redis at url. An empty url, a bad url, or an unreachable
// server all degrade to the no-op cache so callers never have to care.
func New(url string, logger *zap.Logger) Cache {
	if url == "" {
		return Noop{}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid redis url, caching disabled", zap.Error(err))
		return Noop{}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, caching disabled", zap.Error(err))
		return Noop{}
	}
	return &Redis{client: client}
}

// Redis caches through a redis server.
type Redis struct {
	client *redis.Client
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return value, true
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	// Best effort. A failed write is just a future miss.
	_ = r.client.Set(ctx, key, value, ttl).Err()
}

// Noop misses every read and discards every write.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (string, bool) { return "", false }

func (Noop) Set(ctx context.Context, key, value string, ttl time.Duration) {}
