// Package cache provides a bounded, process-local key/value cache with
// optional per-entry expiry.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 10000

type item[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

// Cache is a least-recently-used cache where each entry may carry a TTL.
// It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	lru *lru.Cache[K, item[V]]
	now func() time.Time
}

// New creates a cache holding at most size entries.
func New[K comparable, V any](size int) (*Cache[K, V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[K, item[V]](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lru: l, now: time.Now}, nil
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	it, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !it.expiresAt.IsZero() && !c.now().Before(it.expiresAt) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value under key. A ttl of zero keeps the entry until it is
// evicted or deleted.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	it := item[V]{value: value}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, it)
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// Has reports whether key is present and not expired.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.now = now
}
