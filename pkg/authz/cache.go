package authz

import (
	"sync"
	"time"
)

type cacheKey struct {
	tenantID string
	actorID  string
	roomID   string
	source   string
}

type cacheEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// decisionCache holds contract-valid authz decisions with a TTL. On reaching
// maxEntries every entry is dropped: the simplest bounded policy, and cheap
// relative to one upstream round trip per key.
type decisionCache struct {
	mu         sync.Mutex
	entries    map[cacheKey]cacheEntry
	maxEntries int
	now        func() time.Time
}

func newDecisionCache(maxEntries int) *decisionCache {
	return &decisionCache{
		entries:    make(map[cacheKey]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *decisionCache) get(key cacheKey) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return Outcome{}, false
	}
	return entry.outcome, true
}

func (c *decisionCache) put(key cacheKey, out Outcome, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.entries = make(map[cacheKey]cacheEntry)
		}
	}
	c.entries[key] = cacheEntry{outcome: out, expiresAt: c.now().Add(ttl)}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
