// Package sessioncache tracks session identifiers already handled in this
// process. The set lives in memory only and grows for the process lifetime.
package sessioncache

import "sync"

// Cache is the Session Id Cache.
type Cache struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{seen: make(map[string]struct{})}
}

// Has reports whether the session was marked seen.
func (c *Cache) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[sessionID]
	return ok
}

// MarkSeen records the session as handled.
func (c *Cache) MarkSeen(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[sessionID] = struct{}{}
}

// Len returns the number of seen sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}
