package core

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDedupCache is a Redis-backed DedupCache for deployments where several
// analyzer replicas must share one suppression window. It relies on SET NX
// with expiry, so the seen/record step is a single atomic round trip.
type RedisDedupCache struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

// NewRedisDedupCache creates a Redis dedup cache.
func NewRedisDedupCache(addr, password string, db int, prefix string, logger *zap.SugaredLogger) *RedisDedupCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisDedupCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Ping tests the Redis connection.
func (c *RedisDedupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Seen atomically records key with the given TTL and reports whether it was
// already present. Redis errors are returned so the caller can decide whether
// to fail open or closed.
func (c *RedisDedupCache) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
	if err != nil {
		c.logger.Errorw("Redis dedup check failed", "key", key, "error", err)
		return false, err
	}
	return !set, nil
}

// Forget removes key from the cache.
func (c *RedisDedupCache) Forget(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Close closes the Redis connection.
func (c *RedisDedupCache) Close() error {
	return c.client.Close()
}
