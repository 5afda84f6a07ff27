package arena

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/internal/conv"
	"github.com/hupe1980/overdrive/vm"
)

var (
	// ErrInactive is returned by every operation on an arena without a reservation.
	ErrInactive = errors.New("arena: inactive")
	// ErrAlreadyActive is returned by Init on an active arena.
	ErrAlreadyActive = errors.New("arena: already active")
	// ErrReserveFailed is returned when no high placement could be found.
	ErrReserveFailed = errors.New("arena: reservation failed")
	// ErrExhausted is returned when no free run is large enough.
	ErrExhausted = errors.New("arena: exhausted")
	// ErrOutOfBounds is returned for ranges outside the arena.
	ErrOutOfBounds = errors.New("arena: range outside arena")
	// ErrUnknownReservation is returned when releasing an address Reserve never returned.
	ErrUnknownReservation = errors.New("arena: unknown reservation")
)

// Placement records how the arena's range was obtained.
type Placement uint8

const (
	// PlacementNone means the arena is not reserved.
	PlacementNone Placement = iota
	// PlacementTopDown means the provider placed it top-down in one call.
	PlacementTopDown
	// PlacementScan means it was found by the downward scan.
	PlacementScan
)

func (p Placement) String() string {
	switch p {
	case PlacementTopDown:
		return "top-down"
	case PlacementScan:
		return "scan"
	default:
		return "none"
	}
}

// Segment is a run of free units, relative to the arena base.
type Segment struct {
	Start uintptr
	Units uintptr
}

func (s Segment) end() uintptr { return s.Start + s.Units }

// Stats tracks arena usage.
type Stats struct {
	Active           bool
	Placement        Placement
	Base             vm.Addr
	Size             uintptr
	Granularity      uintptr
	ReservedUnits    uintptr
	FreeUnits        uintptr
	LargestFreeUnits uintptr
	FreeSegments     int
	Reservations     int
	Reserves         uint64 // Historical: successful carves
	Releases         uint64 // Historical: successful releases
	Failures         uint64 // Historical: carves that found no run
}

type atomicStats struct {
	Reserves atomic.Uint64
	Releases atomic.Uint64
	Failures atomic.Uint64
}

// Arena is the high arena.
type Arena struct {
	p    vm.Provider
	gran uintptr

	active    atomic.Bool
	base      vm.Addr
	size      uintptr
	placement Placement

	mu       sync.Mutex
	free     []Segment
	reserved map[vm.Addr]uintptr // address -> units

	stats atomicStats
}

// New creates an inactive arena over p.
func New(p vm.Provider) *Arena {
	return &Arena{
		p:        p,
		gran:     p.Info().Granularity,
		reserved: make(map[vm.Addr]uintptr),
	}
}

// Init reserves size bytes (rounded up to the granularity) as high as
// possible. On failure the arena stays inactive.
func (a *Arena) Init(size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active.Load() {
		return ErrAlreadyActive
	}
	if size == 0 {
		return fmt.Errorf("%w: zero size", ErrReserveFailed)
	}
	size = conv.AlignUp(size, a.gran)
	if size == 0 {
		return fmt.Errorf("%w: size overflow", ErrReserveFailed)
	}

	base, placement, err := a.reserveHigh(size)
	if err != nil {
		return err
	}

	a.base = base
	a.size = size
	a.placement = placement
	a.free = []Segment{{Start: 0, Units: size / a.gran}}
	clear(a.reserved)
	a.active.Store(true)
	return nil
}

func (a *Arena) reserveHigh(size uintptr) (vm.Addr, Placement, error) {
	if base, err := a.p.Reserve(0, size, true); err == nil {
		return base, PlacementTopDown, nil
	}

	info := a.p.Info()
	minAddr := vm.Addr(conv.AlignUp(uintptr(info.MinAddr), a.gran))
	maxEnd := uintptr(info.MaxAddr) + 1
	if maxEnd < size || vm.Addr(maxEnd-size) < minAddr {
		return 0, PlacementNone, fmt.Errorf("%w: %d bytes exceed the address space", ErrReserveFailed, size)
	}

	scan := vm.Addr(conv.AlignDown(maxEnd-size, a.gran))
	for scan >= minAddr {
		r, err := a.p.Query(scan)
		if err != nil {
			return 0, PlacementNone, fmt.Errorf("%w: query %#x: %w", ErrReserveFailed, scan, err)
		}
		if r.State == vm.StateFree && uintptr(r.End()) >= size {
			candidate := vm.Addr(conv.AlignDown(uintptr(r.End())-size, a.gran))
			if candidate >= r.Base && candidate >= minAddr {
				if base, err := a.p.Reserve(candidate, size, false); err == nil {
					return base, PlacementScan, nil
				}
			}
		}

		var next vm.Addr
		if uintptr(r.Base) >= a.gran {
			next = r.Base - vm.Addr(a.gran)
		}
		if scan <= next {
			break
		}
		scan = next
	}
	return 0, PlacementNone, fmt.Errorf("%w: no free region of %d bytes", ErrReserveFailed, size)
}

// Destroy releases the whole reservation and deactivates the arena.
func (a *Arena) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active.Load() {
		return nil
	}
	a.active.Store(false)
	err := a.p.Release(a.base)

	a.base = 0
	a.size = 0
	a.placement = PlacementNone
	a.free = nil
	clear(a.reserved)
	return err
}

// Active reports whether the arena holds a reservation.
func (a *Arena) Active() bool { return a.active.Load() }

// Base returns the first address of the arena.
func (a *Arena) Base() vm.Addr {
	if !a.active.Load() {
		return 0
	}
	return a.base
}

// Size returns the arena length in bytes.
func (a *Arena) Size() uintptr {
	if !a.active.Load() {
		return 0
	}
	return a.size
}

// Granularity returns the unit size of sub-allocations.
func (a *Arena) Granularity() uintptr { return a.gran }

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr vm.Addr) bool {
	if !a.active.Load() {
		return false
	}
	return addr >= a.base && uintptr(addr-a.base) < a.size
}

func (a *Arena) inBounds(addr vm.Addr, size uintptr) bool {
	if !a.Contains(addr) || size == 0 {
		return false
	}
	return size <= a.size-uintptr(addr-a.base)
}

// Reserve carves at least size bytes first-fit.
func (a *Arena) Reserve(size uintptr) (vm.Addr, error) {
	if !a.active.Load() {
		return 0, ErrInactive
	}
	if size == 0 {
		return 0, vm.ErrInvalidSize
	}
	need := conv.AlignUp(size, a.gran) / a.gran
	if need == 0 {
		return 0, vm.ErrInvalidSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active.Load() {
		return 0, ErrInactive
	}
	start, ok := a.carveLocked(need)
	if !ok {
		a.stats.Failures.Add(1)
		return 0, ErrExhausted
	}
	addr := a.base + vm.Addr(start*a.gran)
	a.reserved[addr] = need
	a.stats.Reserves.Add(1)
	return addr, nil
}

func (a *Arena) carveLocked(need uintptr) (uintptr, bool) {
	for i := range a.free {
		f := &a.free[i]
		if f.Units < need {
			continue
		}
		start := f.Start
		f.Start += need
		f.Units -= need
		if f.Units == 0 {
			a.free = slices.Delete(a.free, i, i+1)
		}
		return start, true
	}
	return 0, false
}

// mergeLocked inserts seg in start order and joins it with adjacent runs.
func (a *Arena) mergeLocked(seg Segment) {
	i, _ := slices.BinarySearchFunc(a.free, seg.Start, func(s Segment, start uintptr) int {
		switch {
		case s.Start < start:
			return -1
		case s.Start > start:
			return 1
		default:
			return 0
		}
	})

	if i > 0 && a.free[i-1].end() == seg.Start {
		a.free[i-1].Units += seg.Units
		if i < len(a.free) && a.free[i-1].end() == a.free[i].Start {
			a.free[i-1].Units += a.free[i].Units
			a.free = slices.Delete(a.free, i, i+1)
		}
		return
	}
	if i < len(a.free) && seg.end() == a.free[i].Start {
		a.free[i].Start = seg.Start
		a.free[i].Units += seg.Units
		return
	}
	a.free = slices.Insert(a.free, i, seg)
}

// Commit backs [addr, addr+size) with pages.
func (a *Arena) Commit(addr vm.Addr, size uintptr, prot vm.Protection) error {
	if !a.active.Load() {
		return ErrInactive
	}
	if !a.inBounds(addr, size) {
		return ErrOutOfBounds
	}
	return a.p.Commit(addr, size, prot)
}

// Decommit drops the pages behind [addr, addr+size).
func (a *Arena) Decommit(addr vm.Addr, size uintptr) error {
	if !a.active.Load() {
		return ErrInactive
	}
	if !a.inBounds(addr, size) {
		return ErrOutOfBounds
	}
	return a.p.Decommit(addr, size)
}

// Bytes returns a view of committed arena memory.
func (a *Arena) Bytes(addr vm.Addr, size uintptr) ([]byte, error) {
	if !a.active.Load() {
		return nil, ErrInactive
	}
	if !a.inBounds(addr, size) {
		return nil, ErrOutOfBounds
	}
	return a.p.Bytes(addr, size)
}

// Alloc reserves and commits size bytes. The reservation is returned if the
// commit fails.
func (a *Arena) Alloc(size uintptr, prot vm.Protection) (vm.Addr, error) {
	addr, err := a.Reserve(size)
	if err != nil {
		return 0, err
	}
	if err := a.Commit(addr, size, prot); err != nil {
		_ = a.Release(addr)
		return 0, err
	}
	return addr, nil
}

// Release returns a reservation to the free list. Its pages are decommitted
// before the range becomes visible to other callers.
func (a *Arena) Release(addr vm.Addr) error {
	if !a.active.Load() {
		return ErrInactive
	}

	a.mu.Lock()
	units, ok := a.reserved[addr]
	if ok {
		delete(a.reserved, addr)
	}
	a.mu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}

	// Best effort: the range may never have been committed.
	_ = a.p.Decommit(addr, units*a.gran)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active.Load() {
		return nil
	}
	a.mergeLocked(Segment{Start: uintptr(addr-a.base) / a.gran, Units: units})
	a.stats.Releases.Add(1)
	return nil
}

// FreeSegments returns a snapshot of the free list.
func (a *Arena) FreeSegments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.free)
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		Active:       a.active.Load(),
		Placement:    a.placement,
		Base:         a.base,
		Size:         a.size,
		Granularity:  a.gran,
		FreeSegments: len(a.free),
		Reservations: len(a.reserved),
		Reserves:     a.stats.Reserves.Load(),
		Releases:     a.stats.Releases.Load(),
		Failures:     a.stats.Failures.Load(),
	}
	for _, f := range a.free {
		st.FreeUnits += f.Units
		st.LargestFreeUnits = max(st.LargestFreeUnits, f.Units)
	}
	for _, units := range a.reserved {
		st.ReservedUnits += units
	}
	return st
}

// Verify checks the free list invariants: runs sorted, disjoint, never
// adjacent, inside the arena, and accounting for every unit not reserved.
func (a *Arena) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active.Load() {
		return nil
	}
	total := a.size / a.gran
	var freeUnits uintptr
	for i, f := range a.free {
		if f.Units == 0 {
			return fmt.Errorf("arena: empty free run at %d", f.Start)
		}
		if f.end() > total {
			return fmt.Errorf("arena: free run %d+%d past end %d", f.Start, f.Units, total)
		}
		if i > 0 {
			prev := a.free[i-1]
			if prev.end() > f.Start {
				return fmt.Errorf("arena: free runs overlap at %d", f.Start)
			}
			if prev.end() == f.Start {
				return fmt.Errorf("arena: adjacent free runs at %d", f.Start)
			}
		}
		freeUnits += f.Units
	}
	var reservedUnits uintptr
	for addr, units := range a.reserved {
		if !a.inBounds(addr, units*a.gran) {
			return fmt.Errorf("arena: reservation %#x outside arena", addr)
		}
		reservedUnits += units
	}
	if freeUnits+reservedUnits != total {
		return fmt.Errorf("arena: %d free + %d reserved units != %d", freeUnits, reservedUnits, total)
	}
	return nil
}

func (a *Arena) String() string {
	st := a.Stats()
	return fmt.Sprintf(
		"Arena{base: %#x, size: %.2f MB, placement: %s, reserved: %d, free runs: %d, largest free: %.2f MB}",
		st.Base,
		float64(st.Size)/(1024*1024),
		st.Placement,
		st.Reservations,
		st.FreeSegments,
		float64(st.LargestFreeUnits*st.Granularity)/(1024*1024),
	)
}
