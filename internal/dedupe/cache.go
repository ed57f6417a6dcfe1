// ABOUTME: Thread-safe TTL cache for claiming single-use keys such as request nonces.
// ABOUTME: Fails closed when full instead of evicting keys that are still live.

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned by Claim when the key is already held.
	ErrDuplicate = errors.New("key already claimed")

	// ErrFull is returned by Claim when every slot holds a live key.
	ErrFull = errors.New("cache full")
)

// cacheEntry stores the claim time and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited set of claimed keys.
// Every key lives for the same TTL, so insertion order is also expiry order
// and expired keys are always at the front of the list.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in claim order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired keys.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check returns true if the key has been claimed and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(entry.timestamp) < c.ttl
}

// Claim atomically records key if it is not already live. It returns
// ErrDuplicate for a live key and ErrFull when no slot can be freed without
// dropping a live key.
func (c *Cache) Claim(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.timestamp) < c.ttl {
			return ErrDuplicate
		}
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.pruneLocked(now)
		if len(c.seen) >= c.maxSize {
			return ErrFull
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
	return nil
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// pruneLocked drops expired keys from the front. Must be called with mu held.
func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry != nil && now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// cleanup runs in a background goroutine, periodically removing expired keys.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.pruneLocked(c.now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
