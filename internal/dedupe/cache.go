// ABOUTME: Thread-safe TTL cache for idempotent request handling.
// ABOUTME: Remembers the result for a key so a retried request gets the original answer.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp, and list element for a cached key.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// call is an in-flight Do for one key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache provides a thread-safe, TTL-based, size-limited map from request
// keys to their results. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction.
type Cache[V any] struct {
	mu       sync.Mutex
	seen     map[string]*cacheEntry[V]
	inflight map[string]*call[V]
	order    *list.List // List of keys in insertion order (oldest at front)
	ttl      time.Duration
	maxSize  int
	done     chan struct{}
	closed   bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:     make(map[string]*cacheEntry[V]),
		inflight: make(map[string]*call[V]),
		order:    list.New(),
		ttl:      ttl,
		maxSize:  maxSize,
		done:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the stored value if key is present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key. If the cache is at capacity, the oldest entry
// is evicted to make room.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Do returns the cached value for key, or runs fn once and caches its result.
// Concurrent callers with the same key wait for the first and share its
// outcome. Errors are returned but never cached. shared reports whether the
// value came from an earlier or concurrent call.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (value V, shared bool, err error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, true, nil
	}
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		return inflight.value, true, inflight.err
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		if cl.err == nil {
			c.putLocked(key, cl.value)
		}
		c.mu.Unlock()
		close(cl.done)
	}()

	cl.value, cl.err = fn()
	return cl.value, false, cl.err
}

// putLocked is the internal put implementation. Must be called with mu held.
func (c *Cache[V]) putLocked(key string, value V) {
	now := time.Now()

	// If key already exists, update value and move to back
	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
