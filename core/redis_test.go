package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisTestCache(t *testing.T) (*RedisDedupCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewRedisDedupCache(mr.Addr(), "", 0, "test:dedup:", zap.NewNop().Sugar())
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisDedupCacheSeen(t *testing.T) {
	cache, _ := newRedisTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Ping(ctx))

	seen, err := cache.Seen(ctx, "key", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, "key", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisDedupCacheTTL(t *testing.T) {
	cache, mr := newRedisTestCache(t)
	ctx := context.Background()

	_, err := cache.Seen(ctx, "key", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	seen, err := cache.Seen(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "key expires with its TTL")
}

func TestRedisDedupCacheForget(t *testing.T) {
	cache, _ := newRedisTestCache(t)
	ctx := context.Background()

	_, err := cache.Seen(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NoError(t, cache.Forget(ctx, "key"))

	seen, err := cache.Seen(ctx, "key", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)
}
