// Package querycache holds cached query results keyed by hierarchical
// string paths, e.g. ["messages", conversationID]. Change handlers drop
// entries by predicate; views refetch on their next read.
package querycache

import (
	"strings"
	"sync"
	"time"
)

// keySep joins key parts into the map key. Unit separator keeps parts
// containing normal punctuation unambiguous.
const keySep = "\x1f"

type entry struct {
	key      []string
	value    interface{}
	storedAt time.Time
}

// Cache is a process-local query result cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
	}
}

// Set stores value under key, replacing any previous value.
func (c *Cache) Set(value interface{}, key ...string) {
	if len(key) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.Join(key, keySep)] = entry{
		key:      append([]string(nil), key...),
		value:    value,
		storedAt: time.Now(),
	}
}

// Get returns the cached value for key.
func (c *Cache) Get(key ...string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[strings.Join(key, keySep)]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Invalidate drops every entry whose key matches the predicate and
// returns the number of entries dropped.
func (c *Cache) Invalidate(match func(key []string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k, e := range c.entries {
		if match(e.key) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix ...string) int {
	return c.Invalidate(func(key []string) bool {
		if len(key) < len(prefix) {
			return false
		}
		for i, p := range prefix {
			if key[i] != p {
				return false
			}
		}
		return true
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
