package core

import (
	"context"
	"sync"
	"time"
)

// DedupCache answers "have I seen this key recently?". Seen records the key
// with the given TTL and reports whether it was already present and
// unexpired. Implementations must be safe for concurrent use.
type DedupCache interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
	Close() error
}

type dedupEntry struct {
	firstSeen time.Time
	ttl       time.Duration
}

func (e dedupEntry) expired(now time.Time) bool {
	return now.Sub(e.firstSeen) >= e.ttl
}

// MemoryDedupCache is an in-process DedupCache with TTL expiry and periodic
// purging of expired entries.
type MemoryDedupCache struct {
	mu      sync.Mutex
	entries map[string]dedupEntry

	stopPurge chan struct{}
	stopOnce  sync.Once

	// NowFunc is overridable for tests; defaults to time.Now.
	NowFunc func() time.Time
}

// NewMemoryDedupCache creates a memory-backed dedup cache. purgeInterval
// controls how often expired entries are swept out; zero disables the
// background purge (expired entries are still invisible to Seen, they just
// linger until the next hit).
func NewMemoryDedupCache(purgeInterval time.Duration) *MemoryDedupCache {
	c := &MemoryDedupCache{
		entries:   make(map[string]dedupEntry),
		stopPurge: make(chan struct{}),
		NowFunc:   time.Now,
	}
	if purgeInterval > 0 {
		go c.purgeLoop(purgeInterval)
	}
	return c
}

// Seen reports whether key was recorded within its TTL, recording it if not.
// Check and insert happen under one lock, so concurrent callers for the same
// key serialize: exactly one of them observes "not seen".
func (c *MemoryDedupCache) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.NowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.expired(now) {
		return true, nil
	}
	c.entries[key] = dedupEntry{firstSeen: now, ttl: ttl}
	return false, nil
}

// Forget removes key from the cache.
func (c *MemoryDedupCache) Forget(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of entries currently held, expired or not.
func (c *MemoryDedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background purge loop.
func (c *MemoryDedupCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopPurge) })
	return nil
}

func (c *MemoryDedupCache) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPurge:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *MemoryDedupCache) purge() {
	now := c.NowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}
