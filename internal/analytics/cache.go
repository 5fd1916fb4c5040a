package analytics

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"civicpulse.org/internal/complaint"
)

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// Cache is a read-through TTL cache. Concurrent misses for the same key share
// a single load.
type Cache[T any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

// NewCache creates a cache whose entries live for ttl. A non-positive ttl
// disables caching but still de-duplicates concurrent loads.
func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry[T])}
}

// Get returns the cached value for key or loads it.
func (c *Cache[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if c.ttl > 0 {
			c.mu.Lock()
			c.entries[key] = cacheEntry[T]{value: v, expires: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Invalidate drops every cached entry.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[T])
	c.mu.Unlock()
}

func (c *Cache[T]) lookup(key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Publish drops every entry once a complaint changes, so the cache can sit
// next to the live stream as a complaint.Publisher.
func (c *Cache[T]) Publish(context.Context, complaint.Event) { c.Invalidate() }
