// Package cache provides a small keyed cache with time-based expiry, used by
// the storage providers to avoid re-reading committed data on hot paths.
//
// A nil *Cache is valid and behaves as an always-miss cache, so providers can
// run with caching disabled without branching at every call site. The store
// must produce identical results either way.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	written  time.Time
	accessed time.Time
}

// Cache is a concurrent key-value cache expiring entries after a fixed time
// since write and a fixed time since last access, whichever comes first.
type Cache[K comparable, V any] struct {
	mu               sync.Mutex
	entries          map[K]entry[V]
	expireAfterWrite time.Duration
	expireAfterRead  time.Duration
	now              func() time.Time
}

// New builds a cache with the given expiry windows.
func New[K comparable, V any](expireAfterWrite, expireAfterAccess time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries:          make(map[K]entry[V]),
		expireAfterWrite: expireAfterWrite,
		expireAfterRead:  expireAfterAccess,
		now:              time.Now,
	}
}

// SetClock overrides the cache's time source. Test hook.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache[K, V]) expired(e entry[V], at time.Time) bool {
	return at.Sub(e.written) >= c.expireAfterWrite || at.Sub(e.accessed) >= c.expireAfterRead
}

// Get returns the cached value for key, refreshing its access time.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	at := c.now()
	if c.expired(e, at) {
		delete(c.entries, key)
		return zero, false
	}
	e.accessed = at
	c.entries[key] = e
	return e.value, true
}

// Put stores a value under key, resetting both expiry clocks.
func (c *Cache[K, V]) Put(key K, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	c.entries[key] = entry[V]{value: value, written: at, accessed: at}
	c.sweepLocked(at)
}

// PutAll stores every entry of values.
func (c *Cache[K, V]) PutAll(values map[K]V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	for key, value := range values {
		c.entries[key] = entry[V]{value: value, written: at, accessed: at}
	}
	c.sweepLocked(at)
}

// Invalidate removes the entry for key, if any.
func (c *Cache[K, V]) Invalidate(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateKeys removes the entries for every listed key.
func (c *Cache[K, V]) InvalidateKeys(keys []K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
}

// InvalidateAll empties the cache.
func (c *Cache[K, V]) InvalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len reports the number of live entries.
func (c *Cache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	n := 0
	for _, e := range c.entries {
		if !c.expired(e, at) {
			n++
		}
	}
	return n
}

// sweepLocked drops expired entries so the map does not grow unbounded under
// write-heavy workloads.
func (c *Cache[K, V]) sweepLocked(at time.Time) {
	for key, e := range c.entries {
		if c.expired(e, at) {
			delete(c.entries, key)
		}
	}
}
