// Package keylock provides a mutex per key. Only callers contending for the
// same key wait for each other.
package keylock

import (
	"context"
	"sync"
)

// MerchantID keys the per-merchant balance lock.
type MerchantID string

// OrderKey keys the per-order idempotency lock.
type OrderKey struct {
	MerchantCode  string
	ClientOrderID string
}

// String renders the key as "merchantCode:clientOrderID".
func (k OrderKey) String() string {
	return k.MerchantCode + ":" + k.ClientOrderID
}

type entry struct {
	ch   chan struct{} // holds one token while locked
	refs int
}

// Map is a set of lazily created mutexes keyed by K. Entries are dropped once
// no goroutine holds or waits for them.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New creates an empty lock map.
func New[K comparable]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock acquires the mutex for key, waiting until it is free or ctx is done.
// The returned function releases it and must be called exactly once.
func (m *Map[K]) Lock(ctx context.Context, key K) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *Map[K]) release(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
