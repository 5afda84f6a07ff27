package vm

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/overdrive/internal/conv"
)

// reservation is one reserved range and the set of its committed pages.
type reservation struct {
	base  Addr
	size  uintptr
	pages *roaring.Bitmap // committed page indexes relative to base
	data  []byte          // backing store for simulated reservations
}

func (r *reservation) end() Addr { return r.base + Addr(r.size) }

func (r *reservation) contains(addr Addr) bool {
	return addr >= r.base && addr < r.end()
}

// pageSpan converts [addr, addr+size) into the half-open page index range
// covering it. ok is false if the range leaves the reservation.
func (r *reservation) pageSpan(addr Addr, size, pageSize uintptr) (first, last uint64, ok bool) {
	if size == 0 || addr < r.base {
		return 0, 0, false
	}
	off := uintptr(addr - r.base)
	if off > r.size || size > r.size-off {
		return 0, 0, false
	}
	first = uint64(conv.AlignDown(off, pageSize) / pageSize)
	last = uint64(conv.AlignUp(off+size, pageSize) / pageSize)
	return first, last, true
}

// committedIn counts committed pages in [first, last).
func (r *reservation) committedIn(first, last uint64) uint64 {
	if last == 0 {
		return 0
	}
	n := r.pages.Rank(uint32(last - 1)) //nolint:gosec // page index fits a reservation
	if first > 0 {
		n -= r.pages.Rank(uint32(first - 1)) //nolint:gosec // page index fits a reservation
	}
	return n
}

// table is the sorted set of live reservations of a provider.
type table struct {
	list []*reservation
}

func (t *table) index(addr Addr) int {
	i, _ := slices.BinarySearchFunc(t.list, addr, func(r *reservation, a Addr) int {
		switch {
		case r.end() <= a:
			return -1
		case r.base > a:
			return 1
		default:
			return 0
		}
	})
	return i
}

// find returns the reservation containing addr.
func (t *table) find(addr Addr) *reservation {
	i := t.index(addr)
	if i < len(t.list) && t.list[i].contains(addr) {
		return t.list[i]
	}
	return nil
}

func (t *table) overlaps(base Addr, size uintptr) bool {
	i := t.index(base)
	return i < len(t.list) && t.list[i].base < base+Addr(size)
}

func (t *table) insert(r *reservation) {
	i := t.index(r.base)
	t.list = slices.Insert(t.list, i, r)
}

func (t *table) remove(base Addr) *reservation {
	i := t.index(base)
	if i >= len(t.list) || t.list[i].base != base {
		return nil
	}
	r := t.list[i]
	t.list = slices.Delete(t.list, i, i+1)
	return r
}

// gap returns the free range [lo, hi) containing addr, clipped to
// [minAddr, maxEnd). ok is false if addr is reserved or out of range.
func (t *table) gap(addr, minAddr, maxEnd Addr) (lo, hi Addr, ok bool) {
	if addr < minAddr || addr >= maxEnd {
		return 0, 0, false
	}
	i := t.index(addr)
	if i < len(t.list) && t.list[i].contains(addr) {
		return 0, 0, false
	}
	lo, hi = minAddr, maxEnd
	if i > 0 {
		lo = max(lo, t.list[i-1].end())
	}
	if i < len(t.list) {
		hi = min(hi, t.list[i].base)
	}
	return lo, hi, true
}

// place picks a granularity-aligned spot for size bytes inside
// [minAddr, maxEnd), highest first when topDown is set.
func (t *table) place(size, gran uintptr, minAddr, maxEnd Addr, topDown bool) (Addr, bool) {
	type span struct{ lo, hi Addr }

	gaps := make([]span, 0, len(t.list)+1)
	prev := minAddr
	for _, r := range t.list {
		if r.base > prev {
			gaps = append(gaps, span{prev, r.base})
		}
		prev = max(prev, r.end())
	}
	if maxEnd > prev {
		gaps = append(gaps, span{prev, maxEnd})
	}

	fits := func(g span) (Addr, bool) {
		if topDown {
			if uintptr(g.hi-g.lo) < size {
				return 0, false
			}
			a := Addr(conv.AlignDown(uintptr(g.hi)-size, gran))
			return a, a >= g.lo
		}
		a := Addr(conv.AlignUp(uintptr(g.lo), gran))
		return a, a >= g.lo && a < g.hi && uintptr(g.hi-a) >= size
	}

	if topDown {
		for i := len(gaps) - 1; i >= 0; i-- {
			if a, ok := fits(gaps[i]); ok {
				return a, true
			}
		}
		return 0, false
	}
	for _, g := range gaps {
		if a, ok := fits(g); ok {
			return a, true
		}
	}
	return 0, false
}
