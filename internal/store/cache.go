package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rcliao/agent-supervisor/internal/model"
)

// cache is a bounded read-through cache in front of the database. Entries
// are immutable so the entry cache is write-through; query results are
// dropped on every write. The TTL bounds staleness against writers in
// other processes. A nil *cache is a valid, disabled cache.
type cache struct {
	entries *expirable.LRU[string, model.MemoryEntry]
	queries *expirable.LRU[string, []model.MemoryEntry]

	// mu orders query fills against invalidation
	mu  sync.Mutex
	gen atomic.Uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Queries int   `json:"queries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func newCache(entrySize, querySize int, ttl time.Duration) *cache {
	if entrySize <= 0 && querySize <= 0 {
		return nil
	}
	c := &cache{}
	if entrySize > 0 {
		c.entries = expirable.NewLRU[string, model.MemoryEntry](entrySize, nil, ttl)
	}
	if querySize > 0 {
		c.queries = expirable.NewLRU[string, []model.MemoryEntry](querySize, nil, ttl)
	}
	return c
}

func (c *cache) generation() uint64 {
	if c == nil {
		return 0
	}
	return c.gen.Load()
}

func (c *cache) getEntry(id string) (model.MemoryEntry, bool) {
	if c == nil || c.entries == nil {
		return model.MemoryEntry{}, false
	}
	e, ok := c.entries.Get(id)
	c.count(ok)
	if !ok {
		return model.MemoryEntry{}, false
	}
	return e.Clone(), true
}

func (c *cache) putEntry(e model.MemoryEntry) {
	if c == nil || c.entries == nil {
		return
	}
	c.entries.Add(e.MemoryID, e.Clone())
}

func (c *cache) getQuery(sig string) ([]model.MemoryEntry, bool) {
	if c == nil || c.queries == nil {
		return nil, false
	}
	res, ok := c.queries.Get(sig)
	c.count(ok)
	if !ok {
		return nil, false
	}
	return cloneEntries(res), true
}

// putQuery stores a result unless a write happened since gen was read.
func (c *cache) putQuery(gen uint64, sig string, res []model.MemoryEntry) {
	if c == nil || c.queries == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	c.queries.Add(sig, cloneEntries(res))
}

func (c *cache) invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	if c.queries != nil {
		c.queries.Purge()
	}
}

func (c *cache) reset() {
	if c == nil {
		return
	}
	c.invalidate()
	if c.entries != nil {
		c.entries.Purge()
	}
}

func (c *cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *cache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	st := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if c.entries != nil {
		st.Entries = c.entries.Len()
	}
	if c.queries != nil {
		st.Queries = c.queries.Len()
	}
	return st
}
