package repository

import (
	"sync"
	"time"
)

// TTLCache is a concurrency-safe map whose entries expire a fixed duration
// after they were first stored. Overwriting a live key keeps its original
// deadline. Expired entries are invisible to Get immediately and are
// physically removed by Sweep, which a background loop runs when a sweep
// interval is configured.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func NewTTLCache[K comparable, V any](ttl, sweepInterval time.Duration) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		ttl:     ttl,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Put stores value under key. A live entry keeps its deadline; a missing or
// expired one gets a fresh one.
func (c *TTLCache[K, V]) Put(key K, value V) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := now.Add(c.ttl)
	if existing, ok := c.entries[key]; ok && now.Before(existing.expiresAt) {
		expiresAt = existing.expiresAt
	}
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Replace overwrites a live entry, keeping its deadline. A missing or
// expired key is left absent and Replace reports false.
func (c *TTLCache[K, V]) Replace(key K, value V) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return false
	}
	entry.value = value
	c.entries[key] = entry
	return true
}

// TakeIf returns the live value for key and deletes it under the same lock
// when remove reports true for it.
func (c *TTLCache[K, V]) TakeIf(key K, remove func(V) bool) (V, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	if remove(entry.value) {
		delete(c.entries, key)
	}
	return entry.value, true
}

// RemoveIfPresent deletes key; removing an absent key is a no-op.
func (c *TTLCache[K, V]) RemoveIfPresent(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes every expired entry and reports how many were dropped.
func (c *TTLCache[K, V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (c *TTLCache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *TTLCache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}
