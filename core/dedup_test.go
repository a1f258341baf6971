package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*MemoryDedupCache, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryDedupCache(0)
	cache.NowFunc = func() time.Time { return now }
	t.Cleanup(func() { cache.Close() })
	return cache, &now
}

func TestMemoryDedupCacheSeen(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "key-a", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "first observation must not be a repeat")

	seen, err = cache.Seen(ctx, "key-a", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen, "second observation within TTL must be a repeat")

	seen, err = cache.Seen(ctx, "key-b", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "distinct keys are independent")
}

func TestMemoryDedupCacheTTLExpiry(t *testing.T) {
	cache, now := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Seen(ctx, "key", 5*time.Minute)
	require.NoError(t, err)

	*now = now.Add(5*time.Minute - time.Second)
	seen, _ := cache.Seen(ctx, "key", 5*time.Minute)
	assert.True(t, seen, "just inside TTL is still a repeat")

	*now = now.Add(6 * time.Minute)
	seen, _ = cache.Seen(ctx, "key", 5*time.Minute)
	assert.False(t, seen, "after expiry the key reads as new again")
}

func TestMemoryDedupCacheForget(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Seen(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NoError(t, cache.Forget(ctx, "key"))

	seen, _ := cache.Seen(ctx, "key", time.Hour)
	assert.False(t, seen)
}

func TestMemoryDedupCachePurge(t *testing.T) {
	cache, now := newTestCache(t)
	ctx := context.Background()

	_, _ = cache.Seen(ctx, "stale", time.Minute)
	_, _ = cache.Seen(ctx, "fresh", time.Hour)
	assert.Equal(t, 2, cache.Len())

	*now = now.Add(2 * time.Minute)
	cache.purge()
	assert.Equal(t, 1, cache.Len(), "only the expired entry is purged")
}

func TestMemoryDedupCacheConcurrentSeen(t *testing.T) {
	cache := NewMemoryDedupCache(0)
	defer cache.Close()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	misses := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := cache.Seen(ctx, "contested", time.Minute)
			require.NoError(t, err)
			if !seen {
				mu.Lock()
				misses++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, misses, "exactly one caller observes the key as unseen")
}
