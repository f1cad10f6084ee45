package realtime

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// ttlCache holds ephemeral values that vanish a fixed time after their last write. Reads never
// return expired entries; sweep reclaims them.
type ttlCache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]ttlEntry[V]
}

func newTTLCache[K comparable, V any](ttl time.Duration, now func() time.Time) *ttlCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{ttl: ttl, now: now, entries: make(map[K]ttlEntry[V])}
}

func (c *ttlCache[K, V]) set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)}
}

func (c *ttlCache[K, V]) delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// collect returns the live values whose key satisfies match.
func (c *ttlCache[K, V]) collect(match func(K) bool) []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]V, 0)
	for key, entry := range c.entries {
		if now.Before(entry.expires) && match(key) {
			out = append(out, entry.value)
		}
	}
	return out
}

// sweep drops expired entries and returns their keys.
func (c *ttlCache[K, V]) sweep() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []K
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			expired = append(expired, key)
			delete(c.entries, key)
		}
	}
	return expired
}

func (c *ttlCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
