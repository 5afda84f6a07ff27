package overdrive

import (
	"sync/atomic"
)

// MetricsCollector defines an interface for collecting allocator metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Methods are called on the allocation hot path and must not block.
type MetricsCollector interface {
	// RecordAllocate is called after each successful allocation with the
	// tier that served it.
	RecordAllocate(tier Tier, size int)

	// RecordAllocateFailure is called when no tier could serve a request.
	RecordAllocateFailure(size int)

	// RecordFree is called after each accepted release.
	RecordFree(tier Tier)

	// RecordForeignFree is called for releases no tier accepted.
	RecordForeignFree()
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAllocate(Tier, int)  {}
func (NoopMetricsCollector) RecordAllocateFailure(int) {}
func (NoopMetricsCollector) RecordFree(Tier)           {}
func (NoopMetricsCollector) RecordForeignFree()        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	AllocCount   [numTiers]atomic.Int64
	AllocBytes   [numTiers]atomic.Int64
	AllocFailed  atomic.Int64
	FreeCount    [numTiers]atomic.Int64
	ForeignFrees atomic.Int64
}

// RecordAllocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocate(tier Tier, size int) {
	b.AllocCount[tier].Add(1)
	b.AllocBytes[tier].Add(int64(size))
}

// RecordAllocateFailure implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocateFailure(int) {
	b.AllocFailed.Add(1)
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(tier Tier) {
	b.FreeCount[tier].Add(1)
}

// RecordForeignFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForeignFree() {
	b.ForeignFrees.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	var s BasicMetricsStats
	for t := range numTiers {
		s.Allocs[t] = b.AllocCount[t].Load()
		s.Bytes[t] = b.AllocBytes[t].Load()
		s.Frees[t] = b.FreeCount[t].Load()
	}
	s.Failed = b.AllocFailed.Load()
	s.ForeignFrees = b.ForeignFrees.Load()
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state, indexed
// by Tier.
type BasicMetricsStats struct {
	Allocs       [numTiers]int64
	Bytes        [numTiers]int64
	Frees        [numTiers]int64
	Failed       int64
	ForeignFrees int64
}
