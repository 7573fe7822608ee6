package descriptorcache

import "sync"

// MemoryCache is a thread-safe recording implementation of Cache, useful for
// observability and assertions in tests: it keeps the last known descriptor
// per materialization and a count of invalidations.
type MemoryCache struct {
	entries       map[string]Descriptor
	invalidations map[string]int
	mutex         sync.RWMutex
}

// NewMemoryCache creates an empty recording descriptor cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:       make(map[string]Descriptor),
		invalidations: make(map[string]int),
	}
}

// Invalidate drops the cached descriptor and records the invalidation.
func (c *MemoryCache) Invalidate(materializationID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.entries, materializationID)
	c.invalidations[materializationID]++
}

// Update records the materialization's latest metadata.
func (c *MemoryCache) Update(materializationID string, meta Descriptor) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[materializationID] = meta
}

// Get returns the cached descriptor for a materialization, if any.
func (c *MemoryCache) Get(materializationID string) (Descriptor, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	meta, exists := c.entries[materializationID]

	return meta, exists
}

// InvalidationCount returns how many times a materialization was invalidated.
func (c *MemoryCache) InvalidationCount(materializationID string) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.invalidations[materializationID]
}
