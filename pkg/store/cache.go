package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ttlCache wraps a size-bounded, thread-safe LRU cache (grounded on
// hashicorp/golang-lru, used the same way across the corpus for
// read-mostly memoization — e.g. gardener, teleport) with a fixed
// per-entry TTL. golang-lru has no native expiry, so entries carry their
// own deadline and are evicted lazily on Get.
type ttlCache struct {
	lru *lru.Cache
	ttl time.Duration
}

type ttlEntry struct {
	value   any
	expires time.Time
}

func newTTLCache(size int, ttl time.Duration) *ttlCache {
	c, err := lru.New(size)
	if err != nil {
		// size is always a positive constant we control; New only fails
		// for size <= 0.
		panic(err)
	}
	return &ttlCache{lru: c, ttl: ttl}
}

func (c *ttlCache) get(key string) (any, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(ttlEntry)
	if time.Now().After(entry.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value any) {
	c.lru.Add(key, ttlEntry{value: value, expires: time.Now().Add(c.ttl)})
}

func (c *ttlCache) invalidate(key string) {
	c.lru.Remove(key)
}

func (c *ttlCache) purge() {
	c.lru.Purge()
}
