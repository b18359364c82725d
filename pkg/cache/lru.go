// Package cache provides a generic, thread-safe LRU cache used as the hot
// in-memory layer above the durable cache store. Recency order doubles as
// the eviction order for quota pressure.
package cache

import (
	"container/list"
	"sync"
)

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU is a thread-safe least-recently-used cache.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	evictFn EvictCallback[V]

	hits   uint64
	misses uint64
}

// NewLRU creates an LRU cache bounded at maxSize entries. An optional evict
// callback fires for each entry removed by capacity pressure or Delete.
func NewLRU[V any](maxSize int, evictFn EvictCallback[V]) *LRU[V] {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		evictFn: evictFn,
	}
}

// Get retrieves a value by key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(element)
	c.hits++
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value and marks it as recently used. Returns true when a new
// entry was created, false on update.
func (c *LRU[V]) Set(key string, value V) bool {
	var evicted *lruEntry[V]

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		c.mu.Unlock()
		return false
	}

	entry := &lruEntry[V]{key: key, value: value}
	c.items[key] = c.order.PushFront(entry)

	if len(c.items) > c.maxSize {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*lruEntry[V])
			c.order.Remove(back)
			delete(c.items, evicted.key)
		}
	}
	c.mu.Unlock()

	// Callback runs outside the lock to prevent deadlock
	if evicted != nil && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return true
}

// Delete removes an entry by key. Returns true if it existed.
func (c *LRU[V]) Delete(key string) bool {
	var evicted *lruEntry[V]

	c.mu.Lock()
	element, exists := c.items[key]
	if exists {
		evicted = element.Value.(*lruEntry[V])
		c.order.Remove(element)
		delete(c.items, key)
	}
	c.mu.Unlock()

	if evicted != nil && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return exists
}

// OldestKeys returns up to n keys in least-recently-used order. The cache
// store uses this to pick quota-eviction victims.
func (c *LRU[V]) OldestKeys(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, n)
	for element := c.order.Back(); element != nil && len(keys) < n; element = element.Prev() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Len returns the current number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns accumulated hit and miss counts.
func (c *LRU[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Clear removes all entries without invoking the evict callback.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
