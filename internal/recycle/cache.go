package recycle

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/vm"
)

const (
	// DefaultCapacity is the number of table slots.
	DefaultCapacity = 128
	// DefaultMinSize is the smallest block size the cache accepts.
	DefaultMinSize = 64
	// DefaultMaxSize is the largest block size the cache accepts.
	DefaultMaxSize = 2048
)

// Entry is one cached block.
type Entry struct {
	Addr     vm.Addr
	Size     uintptr // usable capacity
	LastUsed uint64  // logical tick of the last store or take
	UseCount uint32
}

// Config bounds the cache.
type Config struct {
	Capacity int
	MinSize  uintptr
	MaxSize  uintptr
}

// Stats describes the cache.
type Stats struct {
	Entries   int
	Capacity  int
	Bytes     uintptr
	Hits      uint64
	Misses    uint64
	Stores    uint64
	Evictions uint64
	Rejected  uint64 // stores outside the band
}

// Cache is the recycle cache.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries []Entry
	clock   uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	stores    atomic.Uint64
	evictions atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a cache. Zero fields take their defaults.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = DefaultMinSize
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Cache{
		cfg:     cfg,
		entries: make([]Entry, 0, cfg.Capacity),
	}
}

// Accepts reports whether size is inside the cache's band.
func (c *Cache) Accepts(size uintptr) bool {
	return size >= c.cfg.MinSize && size <= c.cfg.MaxSize
}

// Take removes and returns a block for a request of size bytes: an exact
// size match if there is one, else the first block no more than twice the
// request.
func (c *Cache) Take(size uintptr) (Entry, bool) {
	if !c.Accepts(size) {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, e := range c.entries {
		if e.Size == size {
			idx = i
			break
		}
		if idx < 0 && e.Size > size && e.Size/2 <= size {
			idx = i
		}
	}
	if idx < 0 {
		c.misses.Add(1)
		return Entry{}, false
	}

	c.clock++
	e := c.entries[idx]
	e.LastUsed = c.clock
	e.UseCount++
	c.entries = slices.Delete(c.entries, idx, idx+1)
	c.hits.Add(1)
	return e, true
}

// Store parks a block. When the table is full the least recently used entry
// is replaced and returned as evicted. stored is false if size is outside the
// band; the caller keeps the block then.
func (c *Cache) Store(addr vm.Addr, size uintptr) (evicted Entry, didEvict, stored bool) {
	if !c.Accepts(size) {
		c.rejected.Add(1)
		return Entry{}, false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	e := Entry{Addr: addr, Size: size, LastUsed: c.clock, UseCount: 1}
	c.stores.Add(1)

	if len(c.entries) < c.cfg.Capacity {
		c.entries = append(c.entries, e)
		return Entry{}, false, true
	}

	oldest := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].LastUsed < c.entries[oldest].LastUsed {
			oldest = i
		}
	}
	evicted = c.entries[oldest]
	c.entries[oldest] = e
	c.evictions.Add(1)
	return evicted, true, true
}

// Drain empties the cache and returns what it held.
func (c *Cache) Drain() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := slices.Clone(c.entries)
	c.entries = c.entries[:0]
	return out
}

// Entries returns a snapshot of the table.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{Entries: len(c.entries), Capacity: c.cfg.Capacity}
	for _, e := range c.entries {
		st.Bytes += e.Size
	}
	c.mu.Unlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Stores = c.stores.Load()
	st.Evictions = c.evictions.Load()
	st.Rejected = c.rejected.Load()
	return st
}
