package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// lruEntry is the element payload kept in the recency list.
type lruEntry[V any] struct {
	key   string
	value V
}

// LRUCache is a thread-safe, fixed-size in-memory cache with least recently
// used eviction. On a miss it populates itself from the configured fallback
// Fetcher, so it sits naturally at the front of a fetcher chain.
type LRUCache[V any] struct {
	maxSize  int
	fallback Fetcher[V]

	mu      sync.Mutex
	recency *list.List
	entries map[string]*list.Element
}

// NewLRUCache creates an LRU cache holding at most maxSize entries. The
// fallback may be nil, in which case a miss is an error.
func NewLRUCache[V any](maxSize int, fallback Fetcher[V]) (*LRUCache[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("lru cache size must be positive, got %d", maxSize)
	}
	return &LRUCache[V]{
		maxSize:  maxSize,
		fallback: fallback,
		recency:  list.New(),
		entries:  make(map[string]*list.Element),
	}, nil
}

// Fetch returns the cached value for key, consulting the fallback on a miss
// and retaining its answer. The fallback is called outside the lock, so a
// slow source stalls only the requests that need it.
func (c *LRUCache[V]) Fetch(ctx context.Context, key string) (V, error) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.recency.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*lruEntry[V]).value, nil
	}
	c.mu.Unlock()

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key %q not cached and no fallback configured", key)
	}

	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have filled the entry while the fallback ran.
	if elem, ok := c.entries[key]; ok {
		c.recency.MoveToFront(elem)
		return elem.Value.(*lruEntry[V]).value, nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry[V]{key: key, value: value})
	if c.recency.Len() > c.maxSize {
		c.evictOldest()
	}
	return value, nil
}

// Invalidate removes key from this layer only. Lower layers keep their
// copies and will repopulate this one on the next Fetch.
func (c *LRUCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.recency.Remove(elem)
		delete(c.entries, key)
	}
}

// Len reports the current number of cached entries.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

// evictOldest must be called with the lock held.
func (c *LRUCache[V]) evictOldest() {
	oldest := c.recency.Back()
	if oldest == nil {
		return
	}
	entry := c.recency.Remove(oldest).(*lruEntry[V])
	delete(c.entries, entry.key)
}

// Close closes the fallback chain below this layer.
func (c *LRUCache[V]) Close() error {
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
