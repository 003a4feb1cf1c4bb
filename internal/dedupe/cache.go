// ABOUTME: Thread-safe TTL cache of idempotency keys and the responses they produced
// ABOUTME: Lets a retried signal or claim replay its first outcome instead of running twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State of a reserved key.
type State int

const (
	// Absent means the key was not seen (or expired) and is now reserved.
	Absent State = iota
	// InFlight means another request holding the key has not finished.
	InFlight
	// Done means the key finished and Response holds what it returned.
	Done
)

// Response is the stored outcome of a finished request.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	resp      Response
}

// Cache is a TTL-based, size-limited map of idempotency keys. A doubly
// linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
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

// Reserve atomically checks key and reserves it when absent. For a Done
// key the stored response is returned.
func (c *Cache) Reserve(key string) (State, Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return Done, entry.resp
		}
		return InFlight, Response{}
	}
	c.markLocked(key)
	return Absent, Response{}
}

// Complete stores the response for a reserved key.
func (c *Cache) Complete(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return
	}
	entry.done = true
	entry.resp = resp
	entry.timestamp = c.now()
	c.order.MoveToBack(entry.element)
}

// Release forgets a reserved key so the client may retry, used when the
// request failed in a way that should not be replayed.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked adds key as in flight. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.done = false
		entry.resp = Response{}
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
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

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
