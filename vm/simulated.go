package vm

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/overdrive/internal/conv"
)

const (
	// DefaultPageSize is the page size of the simulated address space.
	DefaultPageSize = 4096
	// DefaultGranularity is the reservation granularity of the simulated
	// address space.
	DefaultGranularity = 64 * 1024
	// DefaultMinAddr is the lowest usable simulated address.
	DefaultMinAddr Addr = 0x00010000
	// DefaultMaxAddr is the highest usable simulated address of a
	// 2 GiB user-mode address space.
	DefaultMaxAddr Addr = 0x7FFEFFFF
)

// Simulated is a deterministic in-process address space.
//
// Reservations are pure bookkeeping until the first commit, which allocates
// the Go backing store for the reservation. Decommitted pages are zeroed so
// a later commit reads as fresh memory. Protection is recorded by the
// caller's intent only and is not enforced.
type Simulated struct {
	mu          sync.Mutex
	info        SysInfo
	noTopDown   bool
	commitLimit uintptr
	committed   uintptr
	res         table
}

// SimulatedOption configures a Simulated provider.
type SimulatedOption func(*Simulated)

// WithAddressRange sets the usable address range (max inclusive).
func WithAddressRange(minAddr, maxAddr Addr) SimulatedOption {
	return func(s *Simulated) {
		s.info.MinAddr = minAddr
		s.info.MaxAddr = maxAddr
	}
}

// WithGranularity sets the reservation granularity.
func WithGranularity(g uintptr) SimulatedOption {
	return func(s *Simulated) {
		s.info.Granularity = g
	}
}

// WithPageSize sets the page size.
func WithPageSize(n uintptr) SimulatedOption {
	return func(s *Simulated) {
		s.info.PageSize = n
	}
}

// WithoutTopDown makes top-down reservation requests fail with
// ErrUnsupported, as on systems that reject the placement flag.
func WithoutTopDown() SimulatedOption {
	return func(s *Simulated) {
		s.noTopDown = true
	}
}

// WithCommitLimit caps the total committed bytes.
func WithCommitLimit(n uintptr) SimulatedOption {
	return func(s *Simulated) {
		s.commitLimit = n
	}
}

// NewSimulated creates a simulated address space.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		info: SysInfo{
			PageSize:    DefaultPageSize,
			Granularity: DefaultGranularity,
			MinAddr:     DefaultMinAddr,
			MaxAddr:     DefaultMaxAddr,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if !conv.IsPowerOfTwo(s.info.PageSize) {
		s.info.PageSize = DefaultPageSize
	}
	if !conv.IsPowerOfTwo(s.info.Granularity) || s.info.Granularity < s.info.PageSize {
		s.info.Granularity = max(DefaultGranularity, s.info.PageSize)
	}
	return s
}

// Info implements Provider.
func (s *Simulated) Info() SysInfo { return s.info }

func (s *Simulated) maxEnd() Addr { return s.info.MaxAddr + 1 }

// Reserve implements Provider.
func (s *Simulated) Reserve(hint Addr, size uintptr, topDown bool) (Addr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	size = conv.AlignUp(size, s.info.Granularity)
	if size == 0 || size > uintptr(s.maxEnd()-s.info.MinAddr) {
		return 0, ErrInvalidSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var base Addr
	switch {
	case hint != 0:
		base = Addr(conv.AlignDown(uintptr(hint), s.info.Granularity))
		if base < s.info.MinAddr || base > s.maxEnd()-Addr(size) {
			return 0, ErrOutOfRange
		}
		if s.res.overlaps(base, size) {
			return 0, ErrNoSpace
		}
	case topDown && s.noTopDown:
		return 0, ErrUnsupported
	default:
		var ok bool
		base, ok = s.res.place(size, s.info.Granularity, s.info.MinAddr, s.maxEnd(), topDown)
		if !ok {
			return 0, ErrNoSpace
		}
	}

	s.res.insert(&reservation{base: base, size: size, pages: roaring.New()})
	return base, nil
}

// Commit implements Provider.
func (s *Simulated) Commit(addr Addr, size uintptr, _ Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.res.find(addr)
	if r == nil {
		return ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, s.info.PageSize)
	if !ok {
		return fmt.Errorf("commit %#x+%d: %w", addr, size, ErrOutOfRange)
	}

	fresh := uintptr((last - first) - r.committedIn(first, last)) * s.info.PageSize
	if s.commitLimit > 0 && s.committed+fresh > s.commitLimit {
		return ErrCommitLimit
	}
	if r.data == nil {
		r.data = make([]byte, r.size)
	}
	r.pages.AddRange(first, last)
	s.committed += fresh
	return nil
}

// Decommit implements Provider.
func (s *Simulated) Decommit(addr Addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.res.find(addr)
	if r == nil {
		return ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, s.info.PageSize)
	if !ok {
		return fmt.Errorf("decommit %#x+%d: %w", addr, size, ErrOutOfRange)
	}
	s.decommitLocked(r, first, last)
	return nil
}

func (s *Simulated) decommitLocked(r *reservation, first, last uint64) {
	n := r.committedIn(first, last)
	if n == 0 {
		return
	}
	ps := uint64(s.info.PageSize)
	clear(r.data[first*ps : last*ps])
	r.pages.RemoveRange(first, last)
	s.committed -= uintptr(n) * s.info.PageSize
}

// Release implements Provider.
func (s *Simulated) Release(addr Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.res.remove(addr)
	if r == nil {
		return ErrNotReserved
	}
	s.committed -= uintptr(r.pages.GetCardinality()) * s.info.PageSize
	r.data = nil
	return nil
}

// Query implements Provider.
func (s *Simulated) Query(addr Addr) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr < s.info.MinAddr || addr > s.info.MaxAddr {
		return Region{}, ErrOutOfRange
	}

	r := s.res.find(addr)
	if r == nil {
		lo, hi, _ := s.res.gap(addr, s.info.MinAddr, s.maxEnd())
		return Region{Base: lo, Size: uintptr(hi - lo), State: StateFree}, nil
	}

	ps := s.info.PageSize
	npages := uint32(r.size / ps) //nolint:gosec // bounded by the 32-bit style address range
	page := uint32(uintptr(addr-r.base) / ps)
	committed := r.pages.Contains(page)

	lo, hi := page, page+1
	for lo > 0 && r.pages.Contains(lo-1) == committed {
		lo--
	}
	for hi < npages && r.pages.Contains(hi) == committed {
		hi++
	}

	state := StateReserved
	if committed {
		state = StateCommitted
	}
	return Region{
		Base:  r.base + Addr(uintptr(lo)*ps),
		Size:  uintptr(hi-lo) * ps,
		State: state,
	}, nil
}

// Bytes implements Provider.
func (s *Simulated) Bytes(addr Addr, size uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.res.find(addr)
	if r == nil {
		return nil, ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, s.info.PageSize)
	if !ok {
		return nil, ErrOutOfRange
	}
	if r.committedIn(first, last) != last-first {
		return nil, ErrNotCommitted
	}
	off := uintptr(addr - r.base)
	return r.data[off : off+size : off+size], nil
}

// Committed returns the total committed bytes.
func (s *Simulated) Committed() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Reservations returns the number of live reservations.
func (s *Simulated) Reservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.res.list)
}
