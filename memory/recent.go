package memory

import (
	"sync"

	"github.com/mnemo-ai/mnemo/types"
)

// RecentCache is one session's bounded view of recently stored records,
// oldest evicted first. It is a cache over the storage backend, never the
// source of truth, and each session owns exactly one instance; there is
// no process-wide shared recent view.
type RecentCache struct {
	mu       sync.RWMutex
	capacity int
	items    []types.MemoryRecord
}

// NewRecentCache creates a cache holding at most capacity records.
func NewRecentCache(capacity int) *RecentCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &RecentCache{capacity: capacity}
}

// Add appends a record, evicting the oldest when full.
func (c *RecentCache) Add(rec types.MemoryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, rec)
	if len(c.items) > c.capacity {
		c.items = c.items[len(c.items)-c.capacity:]
	}
}

// Items returns the cached records, most recent last.
func (c *RecentCache) Items() []types.MemoryRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.MemoryRecord(nil), c.items...)
}

// Recent returns up to limit records, most recent first.
func (c *RecentCache) Recent(limit int) []types.MemoryRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.MemoryRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.items[i])
	}
	return out
}

// Len returns the current size.
func (c *RecentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear empties the cache; called at session teardown.
func (c *RecentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
