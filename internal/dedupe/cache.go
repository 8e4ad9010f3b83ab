// ABOUTME: TTL cache remembering recently completed command correlation ids.
// ABOUTME: Lets the dispatcher tell a late duplicate ack apart from an unknown one.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the completion time and list element for a cached id.
type entry struct {
	completedAt time.Time
	element     *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of correlation ids
// whose commands already concluded (ack, timeout, or cancellation). A
// duplicate hardware ack arriving after resolution hits this cache and is
// dropped quietly instead of being reported as unknown.
type Cache struct {
	mu      sync.RWMutex
	done    map[string]*entry
	order   *list.List // ids in completion order, oldest at front
	ttl     time.Duration
	maxSize int
	stop    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically removes expired ids.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		done:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Mark records that the command with this correlation id has concluded.
// If the cache is at capacity the oldest id is evicted.
func (c *Cache) Mark(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, exists := c.done[correlationID]; exists {
		e.completedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.done) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(correlationID)
	c.done[correlationID] = &entry{completedAt: now, element: elem}
}

// Seen reports whether the correlation id concluded within the TTL window.
func (c *Cache) Seen(correlationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.done[correlationID]
	if !ok {
		return false
	}
	return time.Since(e.completedAt) < c.ttl
}

// evictOldestLocked removes the oldest id. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.done, id)
}

// cleanupLoop periodically removes expired ids until Close is called.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

// removeExpired drops every id older than the TTL.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.done {
		if now.Sub(e.completedAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.done, id)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.stop)
		c.closed = true
	}
}
