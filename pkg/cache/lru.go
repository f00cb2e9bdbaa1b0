// Package cache provides a bounded LRU map whose evictions are reported
// synchronously to a callback. The pool registry closes pools from that
// callback and sessions use it as their local record cache.
package cache

import (
	"container/list"
)

// EvictFunc is called for every entry pushed out by capacity or Purge.
type EvictFunc[K comparable, V any] func(key K, value V)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-capacity least-recently-used map. It is not safe for
// concurrent use; owners serialize access.
type LRU[K comparable, V any] struct {
	capacity  int
	items     map[K]*list.Element
	order     *list.List // front is most recently used
	onEvict   EvictFunc[K, V]
	hits      uint64
	misses    uint64
	evictions uint64
}

// Stats reports cache effectiveness
type Stats struct {
	Len       int    `json:"len"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NewLRU creates a cache holding at most capacity entries. A capacity
// below one disables caching: Put stores nothing.
func NewLRU[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or replaces key as most recently used. When the cache grows
// past capacity the least recently used entry is evicted through the
// callback. Replacing a value does not call the callback.
func (c *LRU[K, V]) Put(key K, value V) {
	if c.capacity < 1 {
		return
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	for c.order.Len() > c.capacity {
		c.evict(c.order.Back())
	}
}

// Remove deletes key without calling the eviction callback.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return el.Value.(*entry[K, V]).value, true
}

// Keys returns keys from least to most recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Oldest returns the least recently used entry.
func (c *LRU[K, V]) Oldest() (K, V, bool) {
	el := c.order.Back()
	if el == nil {
		var k K
		var v V
		return k, v, false
	}
	e := el.Value.(*entry[K, V])
	return e.key, e.value, true
}

// Len returns the number of entries
func (c *LRU[K, V]) Len() int { return c.order.Len() }

// Capacity returns the configured capacity
func (c *LRU[K, V]) Capacity() int { return c.capacity }

// Purge evicts every entry through the callback, oldest first.
func (c *LRU[K, V]) Purge() {
	for c.order.Len() > 0 {
		c.evict(c.order.Back())
	}
}

// Clear drops every entry without calling the callback.
func (c *LRU[K, V]) Clear() {
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

// Stats returns hit, miss and eviction counters
func (c *LRU[K, V]) Stats() Stats {
	return Stats{
		Len:       c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LRU[K, V]) evict(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}
