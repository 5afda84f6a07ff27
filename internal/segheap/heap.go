package segheap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/vm"
)

// TierID identifies segment heap blocks in their headers.
const TierID uint16 = 0xFFFE

const (
	// DefaultSegmentSize is the reservation size of one segment.
	DefaultSegmentSize = 1 << 20
	// DefaultSliceSize is the commit growth unit of a segment.
	DefaultSliceSize = 32 << 10
	// DefaultMaxSegments caps the number of segments.
	DefaultMaxSegments = 64
	// DefaultSplitThreshold is the smallest remainder worth splitting off.
	DefaultSplitThreshold = 64
)

var (
	// ErrTooLarge is returned for requests above MaxRequest.
	ErrTooLarge = errors.New("segheap: request too large")
	// ErrExhausted is returned when no segment can serve a request and no
	// new one can be created.
	ErrExhausted = errors.New("segheap: exhausted")

	errSegmentFull = errors.New("segheap: segment fully committed")
)

// Config configures the heap.
type Config struct {
	SegmentSize    uintptr
	SliceSize      uintptr
	MaxSegments    int
	SplitThreshold uint32
}

// DefaultConfig returns the standard heap layout.
func DefaultConfig() Config {
	return Config{
		SegmentSize:    DefaultSegmentSize,
		SliceSize:      DefaultSliceSize,
		MaxSegments:    DefaultMaxSegments,
		SplitThreshold: DefaultSplitThreshold,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SliceSize < MaxRequest+header.Size || c.SliceSize%ClassStep != 0 {
		return fmt.Errorf("segheap: slice size %d must be a multiple of %d and at least %d", c.SliceSize, ClassStep, MaxRequest+header.Size)
	}
	if c.SegmentSize < c.SliceSize || c.SegmentSize%c.SliceSize != 0 || c.SegmentSize > 1<<31 {
		return fmt.Errorf("segheap: segment size %d must be a multiple of the slice size and at most 2 GiB", c.SegmentSize)
	}
	if c.MaxSegments <= 0 {
		return fmt.Errorf("segheap: max segments must be positive")
	}
	if c.SplitThreshold < minSpan || c.SplitThreshold%ClassStep != 0 {
		return fmt.Errorf("segheap: split threshold %d must be a multiple of %d and at least %d", c.SplitThreshold, ClassStep, minSpan)
	}
	return nil
}

// Stats describes the heap.
type Stats struct {
	Segments       int
	ReservedBytes  uintptr
	CommittedBytes uintptr
	FreeBytes      uintptr
	FreeBlocks     int
	FreeByClass    [NumClasses]int
	Allocs         uint64
	Frees          uint64
	Splits         uint64
	Coalesces      uint64
	Growths        uint64 // slices committed onto existing segments
	Failures       uint64 // requests no segment could serve
	InvalidFrees   uint64
}

// Heap is the segment heap.
type Heap struct {
	cfg   Config
	space vm.Space

	segs  []atomic.Pointer[segment] // fixed length MaxSegments
	count atomic.Int32
	mu    sync.Mutex // serializes growth and segment creation

	growths      atomic.Uint64
	failures     atomic.Uint64
	invalidFrees atomic.Uint64
}

// New creates an empty heap. Segments are created on demand.
func New(space vm.Space, cfg Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Heap{
		cfg:   cfg,
		space: space,
		segs:  make([]atomic.Pointer[segment], cfg.MaxSegments),
	}, nil
}

func (h *Heap) tryExisting(size uintptr, c int) (vm.Addr, bool) {
	n := int(h.count.Load())
	for i := range n {
		s := h.segs[i].Load()
		if s == nil || !s.candidate(c) {
			continue
		}
		if addr, ok := s.allocate(size, h.cfg.SplitThreshold); ok {
			return addr, true
		}
	}
	return 0, false
}

// Allocate serves a request of at most MaxRequest bytes. The returned block
// may hold bytes from an earlier allocation.
func (h *Heap) Allocate(size uintptr) (vm.Addr, error) {
	if size == 0 {
		size = 1
	}
	if size > MaxRequest {
		return 0, ErrTooLarge
	}
	c := RequestClass(size)

	if addr, ok := h.tryExisting(size, c); ok {
		return addr, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if addr, ok := h.tryExisting(size, c); ok {
		return addr, nil
	}

	n := int(h.count.Load())
	if n > 0 {
		newest := h.segs[n-1].Load()
		if err := newest.grow(h.cfg.SliceSize); err == nil {
			h.growths.Add(1)
			if addr, ok := newest.allocate(size, h.cfg.SplitThreshold); ok {
				return addr, nil
			}
		}
	}

	if n >= h.cfg.MaxSegments {
		h.failures.Add(1)
		return 0, ErrExhausted
	}
	s, err := newSegment(n, h.space, h.cfg.SegmentSize, h.cfg.SliceSize)
	if err != nil {
		h.failures.Add(1)
		return 0, fmt.Errorf("%w: new segment: %w", ErrExhausted, err)
	}
	h.segs[n].Store(s)
	h.count.Store(int32(n + 1)) //nolint:gosec // bounded by MaxSegments

	if addr, ok := s.allocate(size, h.cfg.SplitThreshold); ok {
		return addr, nil
	}
	h.failures.Add(1)
	return 0, ErrExhausted
}

func (h *Heap) owner(addr vm.Addr) *segment {
	n := int(h.count.Load())
	for i := range n {
		if s := h.segs[i].Load(); s != nil && s.contains(addr) {
			return s
		}
	}
	return nil
}

// Contains reports whether addr lies in a segment.
func (h *Heap) Contains(addr vm.Addr) bool { return h.owner(addr) != nil }

// Lookup validates the header behind a user address.
func (h *Heap) Lookup(addr vm.Addr) (header.Header, bool) {
	s := h.owner(addr)
	if s == nil {
		return header.Header{}, false
	}
	return s.lookup(addr)
}

// Free returns a block to its segment. It reports false, touching nothing,
// if addr is not a live block of this heap.
func (h *Heap) Free(addr vm.Addr) bool {
	s := h.owner(addr)
	if s == nil {
		return false
	}
	if !s.free(addr) {
		h.invalidFrees.Add(1)
		return false
	}
	return true
}

// Stats returns the heap statistics.
func (h *Heap) Stats() Stats {
	st := Stats{
		Growths:      h.growths.Load(),
		Failures:     h.failures.Load(),
		InvalidFrees: h.invalidFrees.Load(),
	}
	n := int(h.count.Load())
	for i := range n {
		s := h.segs[i].Load()
		if s == nil {
			continue
		}
		ss := s.stats()
		st.Segments++
		st.ReservedBytes += s.size
		st.CommittedBytes += ss.committed
		st.FreeBytes += ss.freeBytes
		st.FreeBlocks += ss.freeBlocks
		for c, k := range ss.classes {
			st.FreeByClass[c] += k
		}
		st.Allocs += s.allocs.Load()
		st.Frees += s.frees.Load()
		st.Splits += s.splits.Load()
		st.Coalesces += s.coalesces.Load()
	}
	return st
}

// Verify checks every segment: blocks tile the committed prefix, each free
// block is on exactly the list of its class, and each bitmap bit is set iff
// its list is non-empty.
func (h *Heap) Verify() error {
	n := int(h.count.Load())
	for i := range n {
		s := h.segs[i].Load()
		if s == nil {
			continue
		}
		if err := s.verify(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every segment.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	n := int(h.count.Load())
	h.count.Store(0)
	for i := range n {
		s := h.segs[i].Swap(nil)
		if s == nil {
			continue
		}
		if err := h.space.Release(s.base); err != nil {
			errs = append(errs, fmt.Errorf("release segment %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
