package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a process-local map whose entries expire after a fixed lifetime.
// The mutex only guards memory safety; concurrent writers race with
// last-write-wins semantics.
type TTLMap[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]ttlEntry[V]
}

// NewTTLMap creates a map whose entries live for ttl.
func NewTTLMap[K comparable, V any](ttl time.Duration) *TTLMap[K, V] {
	return &TTLMap[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]ttlEntry[V]),
	}
}

// WithClock replaces the time source, mainly for tests.
func (m *TTLMap[K, V]) WithClock(now func() time.Time) *TTLMap[K, V] {
	m.now = now
	return m
}

// Get returns the live value for key. Expired entries are dropped.
func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the map's default TTL.
func (m *TTLMap[K, V]) Set(key K, value V) {
	m.SetTTL(key, value, m.ttl)
}

// SetTTL stores value under key for ttl.
func (m *TTLMap[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = ttlEntry[V]{value: value, expiresAt: m.now().Add(ttl)}
}

// Delete evicts key.
func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// DeleteFunc evicts every key for which match returns true.
func (m *TTLMap[K, V]) DeleteFunc(match func(K) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if match(k) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (m *TTLMap[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// Len counts entries, expired ones included until they are next touched.
func (m *TTLMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Range calls fn for every live entry.
func (m *TTLMap[K, V]) Range(fn func(K, V) bool) {
	m.mu.Lock()
	now := m.now()
	live := make(map[K]V, len(m.entries))
	for k, e := range m.entries {
		if now.Before(e.expiresAt) {
			live[k] = e.value
		}
	}
	m.mu.Unlock()
	for k, v := range live {
		if !fn(k, v) {
			return
		}
	}
}
