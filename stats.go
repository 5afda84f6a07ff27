package overdrive

import (
	"github.com/hupe1980/overdrive/internal/arena"
	"github.com/hupe1980/overdrive/internal/bump"
	"github.com/hupe1980/overdrive/internal/recycle"
	"github.com/hupe1980/overdrive/internal/segheap"
	"github.com/hupe1980/overdrive/internal/sysheap"
	"github.com/hupe1980/overdrive/telemetry"
)

// Stats is a snapshot of the allocator and every tier.
type Stats struct {
	Allocs       uint64
	Frees        uint64
	Resizes      uint64
	Failed       uint64 // requests that returned 0
	ForeignFrees uint64 // frees of addresses no tier owns
	InvalidFrees uint64 // frees inside a tier whose header did not validate
	Overflows    uint64 // array requests whose size overflowed
	Fallbacks    uint64 // times a tier passed a request on
	CacheReturns uint64 // cache evictions handed back to their tier

	// ByTier counts allocations per serving tier, indexed by Tier.
	ByTier [numTiers]uint64

	CommitCharged int64 // bytes charged to the commit budget
	CommitPeak    int64
	CommitDenied  uint64 // commits refused by the budget
	CommitBudget  int64  // zero when unlimited
	CommitLeft    int64  // -1 when unlimited

	Arena  arena.Stats
	Pools  []bump.PoolStats
	Heap   segheap.Stats
	Cache  recycle.Stats
	System sysheap.Stats
}

// Stats returns current statistics. Tiers that are disabled report zero
// values.
func (a *Allocator) Stats() Stats {
	st := Stats{
		Allocs:        a.c.allocs.Load(),
		Frees:         a.c.frees.Load(),
		Resizes:       a.c.resizes.Load(),
		Failed:        a.c.failed.Load(),
		ForeignFrees:  a.c.foreign.Load(),
		InvalidFrees:  a.c.corrupt.Load(),
		Overflows:     a.c.overflows.Load(),
		Fallbacks:     a.c.fallbacks.Load(),
		CacheReturns:  a.c.cacheReturns.Load(),
		CommitCharged: a.rc.Charged(),
		CommitPeak:    a.rc.Peak(),
		CommitDenied:  a.rc.Denied(),
		CommitBudget:  a.rc.Budget(),
		CommitLeft:    a.rc.Remaining(),
	}
	for t := range numTiers {
		st.ByTier[t] = a.c.byTier[t].Load()
	}
	if a.arena != nil {
		st.Arena = a.arena.Stats()
	}
	if a.pools != nil {
		st.Pools = a.pools.Stats()
	}
	if a.heap != nil {
		st.Heap = a.heap.Stats()
	}
	if a.cache != nil {
		st.Cache = a.cache.Stats()
	}
	if a.sys != nil {
		st.System = a.sys.Stats()
	}
	return st
}

// PoolUsed returns the bytes handed out by all pools.
func (s Stats) PoolUsed() uintptr {
	var n uintptr
	for _, p := range s.Pools {
		n += p.Used
	}
	return n
}

// snapshot flattens Stats into telemetry columns. The column set is fixed.
func (a *Allocator) snapshot() []telemetry.Metric {
	st := a.Stats()
	// Counters and byte sizes of one process stay far below 2^63.
	i64 := func(v uint64) int64 { return int64(v) }
	sz := func(v uintptr) int64 { return int64(v) }

	return []telemetry.Metric{
		{Name: "allocs", Value: i64(st.Allocs)},
		{Name: "frees", Value: i64(st.Frees)},
		{Name: "failed", Value: i64(st.Failed)},
		{Name: "foreign_frees", Value: i64(st.ForeignFrees)},
		{Name: "invalid_frees", Value: i64(st.InvalidFrees)},
		{Name: "cache_allocs", Value: i64(st.ByTier[TierCache])},
		{Name: "pool_allocs", Value: i64(st.ByTier[TierPool])},
		{Name: "segment_allocs", Value: i64(st.ByTier[TierSegment])},
		{Name: "system_allocs", Value: i64(st.ByTier[TierSystem])},
		{Name: "pool_used", Value: sz(st.PoolUsed())},
		{Name: "heap_committed", Value: sz(st.Heap.CommittedBytes)},
		{Name: "heap_free", Value: sz(st.Heap.FreeBytes)},
		{Name: "heap_segments", Value: int64(st.Heap.Segments)},
		{Name: "cache_entries", Value: int64(st.Cache.Entries)},
		{Name: "cache_hits", Value: i64(st.Cache.Hits)},
		{Name: "cache_misses", Value: i64(st.Cache.Misses)},
		{Name: "system_bytes", Value: sz(st.System.Bytes)},
		{Name: "arena_free_units", Value: sz(st.Arena.FreeUnits)},
		{Name: "commit_charged", Value: st.CommitCharged},
	}
}
