// ABOUTME: Thread-safe TTL cache for read-through lookups in the pipeline.
// ABOUTME: Size-limited with O(1) oldest-entry eviction via a linked list.

package processor

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a value with its insertion timestamp and list element.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// ttlCache is a thread-safe, TTL-based, size-limited cache. Entries expire
// lazily on read; a doubly-linked list maintains insertion order for O(1)
// eviction when at capacity.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*cacheEntry[V]
	order   *list.List
	ttl     time.Duration
	maxSize int
}

func newTTLCache[V any](ttl time.Duration, maxSize int) *ttlCache[V] {
	return &ttlCache[V]{
		items:   make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the cached value if present and not expired.
func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	entry, ok := c.items[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return zero, false
	}
	return entry.value, true
}

// put stores a value, refreshing the timestamp if the key already exists.
// At capacity the oldest entry is evicted to make room.
func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.items[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.items) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.items, oldest)
		}
	}

	elem := c.order.PushBack(key)
	c.items[key] = &cacheEntry[V]{value: value, timestamp: now, element: elem}
}

// purge drops every entry.
func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheEntry[V])
	c.order.Init()
}

func (c *ttlCache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
