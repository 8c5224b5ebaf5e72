package auth

import (
	"sync"
	"time"
)

// Cache memoizes credential validation outcomes. Entries expire on a TTL,
// with rejected credentials kept for a shorter window so a freshly fixed
// key starts working again quickly. When the map reaches maxEntries every
// entry is dropped; the key space is small enough that a full reset beats
// eviction bookkeeping.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	negTTL     time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewCache builds a Cache with the given TTLs and entry cap.
func NewCache(ttl, negativeTTL time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		negTTL:     negativeTTL,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Check reports the memoized outcome for a credential. ok is false when no
// live entry exists.
func (c *Cache) Check(credential string) (valid, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.entries[credential]
	if !found || !e.expiresAt.After(c.now()) {
		return false, false
	}
	return e.valid, true
}

// Record memoizes a definitive validation outcome.
func (c *Cache) Record(credential string, valid bool) {
	ttl := c.ttl
	if !valid {
		ttl = c.negTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[credential] = cacheEntry{valid: valid, expiresAt: c.now().Add(ttl)}
}
