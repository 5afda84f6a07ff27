package overdrive

import (
	"context"
	"log/slog"

	"github.com/hupe1980/overdrive/internal/conv"
	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/internal/recycle"
	"github.com/hupe1980/overdrive/vm"
)

// Allocate returns the address of size zero-filled bytes, or 0 when every
// tier is exhausted. A size of 0 is served as 1 so the address is unique.
func (a *Allocator) Allocate(size int) vm.Addr {
	n, err := conv.ToUintptr(size)
	if err != nil || a.closed.Load() {
		a.c.failed.Add(1)
		return 0
	}
	n = max(n, 1)

	addr, tier := a.allocate(n)
	if addr == 0 {
		a.c.failed.Add(1)
		a.metrics.RecordAllocateFailure(size)
		if a.warn.Allow() {
			a.logger.LogAllocFailure(context.Background(), size, vm.ErrNoSpace)
		}
		return 0
	}
	a.c.allocs.Add(1)
	a.c.byTier[tier].Add(1)
	a.metrics.RecordAllocate(tier, size)
	return addr
}

// AllocateArray allocates n elements of size bytes each. A product that
// overflows is rejected before any memory is touched.
func (a *Allocator) AllocateArray(n, size int) vm.Addr {
	total, ok := conv.MulSize(n, size)
	if !ok {
		a.c.overflows.Add(1)
		a.c.failed.Add(1)
		return 0
	}
	return a.Allocate(total)
}

func (a *Allocator) allocate(n uintptr) (vm.Addr, Tier) {
	if a.cache != nil && a.cache.Accepts(n) {
		if addr, ok := a.takeCached(n); ok {
			return addr, TierCache
		}
	}

	if a.pools != nil && n <= a.poolCeiling {
		if addr, err := a.pools.Allocate(n); err == nil {
			// Pools only hand out never-used, freshly committed memory.
			return addr, TierPool
		}
		a.fellThrough(TierPool, n)
	}

	if a.heap != nil && n <= a.smallLimit {
		if addr, err := a.heap.Allocate(n); err == nil {
			// Recycled blocks keep old bytes.
			if h, ok := a.heap.Lookup(addr); ok {
				if b, err := a.space.Bytes(addr, uintptr(h.Usable())); err == nil {
					clear(b)
					return addr, TierSegment
				}
			}
			a.heap.Free(addr)
		}
		a.fellThrough(TierSegment, n)
	}

	if addr, err := a.sys.Allocate(n); err == nil {
		return addr, TierSystem
	}
	return 0, TierNone
}

func (a *Allocator) fellThrough(from Tier, n uintptr) {
	a.c.fallbacks.Add(1)
	ctx := context.Background()
	if a.logger.Enabled(ctx, slog.LevelDebug) && a.warn.Allow() {
		a.logger.LogFallback(ctx, from, int(n)) //nolint:gosec // bounded by the request
	}
}

// takeCached serves n from the recycle cache, reviving the block's header.
func (a *Allocator) takeCached(n uintptr) (vm.Addr, bool) {
	e, ok := a.cache.Take(n)
	if !ok {
		return 0, false
	}
	hb, err := a.space.Bytes(e.Addr-header.Size, header.Size+e.Size)
	if err != nil {
		a.unpark(e)
		return 0, false
	}
	header.SetTag(hb, header.Tag)
	header.SetRequested(hb, uint32(n)) //nolint:gosec // cache band is far below 4 GiB
	clear(hb[header.Size:])
	return e.Addr, true
}

// owner classifies addr by range containment: pools, then segments, then
// the fallback heap.
func (a *Allocator) owner(addr vm.Addr) Tier {
	switch {
	case a.pools != nil && a.pools.Contains(addr):
		return TierPool
	case a.heap != nil && a.heap.Contains(addr):
		return TierSegment
	case a.sys.Contains(addr):
		return TierSystem
	default:
		return TierNone
	}
}

// Owner reports which tier holds addr. Blocks parked in the recycle cache
// still report their owning tier.
func (a *Allocator) Owner(addr vm.Addr) Tier {
	if addr == 0 || a.closed.Load() {
		return TierNone
	}
	return a.owner(addr)
}

// Free releases the block at addr. Pointers no tier recognizes, including
// blocks with a damaged header and blocks freed twice, are counted and
// ignored; their memory is never touched.
func (a *Allocator) Free(addr vm.Addr) {
	if addr == 0 || a.closed.Load() {
		return
	}

	tier := a.owner(addr)
	ok := false
	switch tier {
	case TierPool:
		if h, valid := a.pools.Lookup(addr); valid {
			ok = a.pools.Free(addr)
			a.park(addr, h.Usable())
		}
	case TierSegment:
		if h, valid := a.heap.Lookup(addr); valid {
			ok = a.park(addr, h.Usable()) || a.heap.Free(addr)
		}
	default:
		// Unknown pointers go to the fallback heap, which rejects what it
		// did not hand out.
		ok = a.sys.Free(addr)
	}

	if !ok {
		a.foreign(tier, addr)
		return
	}
	a.c.frees.Add(1)
	a.metrics.RecordFree(tier)
}

func (a *Allocator) foreign(tier Tier, addr vm.Addr) {
	a.metrics.RecordForeignFree()
	if tier == TierNone {
		a.c.foreign.Add(1)
	} else {
		a.c.corrupt.Add(1)
	}
	if !a.warn.Allow() {
		return
	}
	if tier == TierNone {
		a.logger.LogForeignFree(context.Background(), addr)
	} else {
		a.logger.LogCorruption(context.Background(), tier, addr)
	}
}

// park moves a validated block into the recycle cache. It reports false if
// the cache did not take it.
func (a *Allocator) park(addr vm.Addr, usable uint32) bool {
	if a.cache == nil || !a.cache.Accepts(uintptr(usable)) {
		return false
	}
	hb, err := a.space.Bytes(addr-header.Size, header.Size)
	if err != nil {
		return false
	}

	header.SetTag(hb, header.CachedTag)
	evicted, didEvict, stored := a.cache.Store(addr, uintptr(usable))
	if !stored {
		header.SetTag(hb, header.Tag)
		return false
	}
	if didEvict {
		a.unpark(evicted)
	}
	return true
}

// unpark returns an evicted cache entry to the tier that owns it.
func (a *Allocator) unpark(e recycle.Entry) {
	a.c.cacheReturns.Add(1)
	hb, err := a.space.Bytes(e.Addr-header.Size, header.Size)
	if err != nil {
		return
	}
	switch {
	case a.heap != nil && a.heap.Contains(e.Addr):
		header.SetTag(hb, header.Tag)
		a.heap.Free(e.Addr)
	default:
		// Pool memory is never reclaimed; an invalid header keeps a stale
		// pointer from being accepted again.
		header.Clear(hb)
	}
}

// UsableSize returns the capacity behind addr, or 0 if no tier owns a live
// block there.
func (a *Allocator) UsableSize(addr vm.Addr) int {
	n, ok := a.usable(addr)
	if !ok {
		return 0
	}
	size, _ := conv.ToInt(n)
	return size
}

func (a *Allocator) usable(addr vm.Addr) (uintptr, bool) {
	if addr == 0 || a.closed.Load() {
		return 0, false
	}
	switch a.owner(addr) {
	case TierPool:
		h, ok := a.pools.Lookup(addr)
		return uintptr(h.Usable()), ok
	case TierSegment:
		h, ok := a.heap.Lookup(addr)
		return uintptr(h.Usable()), ok
	case TierSystem:
		return a.sys.UsableSize(addr)
	default:
		return 0, false
	}
}

// requested returns the size last asked for at addr.
func (a *Allocator) requested(addr vm.Addr) (uintptr, bool) {
	switch a.owner(addr) {
	case TierPool:
		h, ok := a.pools.Lookup(addr)
		return uintptr(h.RequestedSize), ok
	case TierSegment:
		h, ok := a.heap.Lookup(addr)
		return uintptr(h.RequestedSize), ok
	case TierSystem:
		return a.sys.Requested(addr)
	default:
		return 0, false
	}
}

// Bytes returns the usable memory at addr, or nil if no tier owns a live
// block there.
func (a *Allocator) Bytes(addr vm.Addr) []byte {
	n, ok := a.usable(addr)
	if !ok {
		return nil
	}
	if a.owner(addr) == TierSystem {
		b, err := a.sys.Bytes(addr)
		if err != nil {
			return nil
		}
		return b
	}
	b, err := a.space.Bytes(addr, n)
	if err != nil {
		return nil
	}
	return b
}

// Resize moves the block at addr to a new block of n bytes and returns it.
// A zero addr allocates; n == 0 frees and returns 0. The first
// min(old, n) bytes are copied, where old is the recorded size. A block
// whose size is unknown contributes what can be read of n bytes. On failure
// the original block is left intact and 0 is returned.
func (a *Allocator) Resize(addr vm.Addr, n int) vm.Addr {
	if addr == 0 {
		return a.Allocate(n)
	}
	if n == 0 {
		a.Free(addr)
		return 0
	}
	if n < 0 || a.closed.Load() {
		return 0
	}
	a.c.resizes.Add(1)

	var src []byte
	if old, ok := a.requested(addr); ok {
		src = a.Bytes(addr)
		src = src[:min(uintptr(len(src)), old, uintptr(n))]
	} else if a.owner(addr) != TierNone {
		if b, err := a.space.Bytes(addr, uintptr(n)); err == nil {
			src = b
		}
	}

	fresh := a.Allocate(n)
	if fresh == 0 {
		return 0
	}
	copy(a.Bytes(fresh), src)
	a.Free(addr)
	return fresh
}
