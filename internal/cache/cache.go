// Package cache provides process-local LRU memoization bounded by entry
// count, total bytes and TTL. Caches never participate in correctness;
// losing an entry only costs a refetch.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config bounds one cache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

// Cache is a TTL-stamped, byte-accounted LRU. The zero value is not
// usable; construct with New.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *lru.Cache[K, *entry[V]]
	cfg      Config
	sizeOf   func(V) int
	curBytes int64
	now      func() time.Time

	hits   int64
	misses int64
}

type entry[V any] struct {
	value   V
	size    int64
	expires time.Time
}

// New creates a cache. sizeOf reports an entry's byte footprint for the
// byte budget; it must be cheap.
func New[K comparable, V any](cfg Config, sizeOf func(V) int) (*Cache[K, V], error) {
	c := &Cache[K, V]{cfg: cfg, sizeOf: sizeOf, now: time.Now}
	inner, err := lru.NewWithEvict[K, *entry[V]](cfg.MaxEntries, func(_ K, e *entry[V]) {
		c.curBytes -= e.size
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the cached value if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.lru.Remove(key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Add stores a value, evicting LRU entries until both the entry and byte
// caps are satisfied.
func (c *Cache[K, V]) Add(key K, value V) {
	size := int64(c.sizeOf(value))
	if c.cfg.MaxBytes > 0 && size > c.cfg.MaxBytes {
		return // larger than the whole budget, not worth caching
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= old.size
	}
	// A non-positive TTL means entries never expire; LRU pressure is the
	// only reclaim path then.
	var expires time.Time
	if c.cfg.TTL > 0 {
		expires = c.now().Add(c.cfg.TTL)
	}
	c.lru.Add(key, &entry[V]{
		value:   value,
		size:    size,
		expires: expires,
	})
	c.curBytes += size

	if c.cfg.MaxBytes > 0 {
		for c.curBytes > c.cfg.MaxBytes && c.lru.Len() > 0 {
			c.lru.RemoveOldest()
		}
	}
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the accounted byte footprint.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Stats returns cumulative hit/miss counts.
func (c *Cache[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
