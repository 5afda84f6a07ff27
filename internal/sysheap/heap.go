package sysheap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/internal/conv"
	"github.com/hupe1980/overdrive/vm"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sysheap: closed")

// Stats describes the heap.
type Stats struct {
	Blocks       int
	Bytes        uintptr // committed capacity of live blocks
	Requested    uintptr // requested bytes of live blocks
	Allocs       uint64
	Frees        uint64
	Failures     uint64
	InvalidFrees uint64
}

type block struct {
	requested uintptr
	capacity  uintptr
}

// Heap is the fallback heap.
type Heap struct {
	space vm.Space

	mu     sync.RWMutex
	blocks map[vm.Addr]block
	closed bool

	allocs       atomic.Uint64
	frees        atomic.Uint64
	failures     atomic.Uint64
	invalidFrees atomic.Uint64
}

// New creates a heap on space.
func New(space vm.Space) *Heap {
	return &Heap{
		space:  space,
		blocks: make(map[vm.Addr]block),
	}
}

// Allocate reserves and commits a fresh block of at least size bytes.
// The memory reads as zero.
func (h *Heap) Allocate(size uintptr) (vm.Addr, error) {
	if size == 0 {
		size = 1
	}
	capacity := conv.AlignUp(size, h.space.Granularity())
	if capacity < size {
		h.failures.Add(1)
		return 0, vm.ErrInvalidSize
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	addr, err := h.space.Reserve(capacity)
	if err != nil {
		h.failures.Add(1)
		return 0, fmt.Errorf("sysheap: reserve %d bytes: %w", capacity, err)
	}
	if err := h.space.Commit(addr, capacity, vm.ProtReadWrite); err != nil {
		_ = h.space.Release(addr)
		h.failures.Add(1)
		return 0, fmt.Errorf("sysheap: commit %d bytes: %w", capacity, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = h.space.Release(addr)
		return 0, ErrClosed
	}
	h.blocks[addr] = block{requested: size, capacity: capacity}
	h.mu.Unlock()

	h.allocs.Add(1)
	return addr, nil
}

// Contains reports whether addr is the start of a live block.
func (h *Heap) Contains(addr vm.Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.blocks[addr]
	return ok
}

// UsableSize returns the capacity of the block at addr.
func (h *Heap) UsableSize(addr vm.Addr) (uintptr, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.blocks[addr]
	return b.capacity, ok
}

// Requested returns the size asked for when addr was allocated.
func (h *Heap) Requested(addr vm.Addr) (uintptr, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.blocks[addr]
	return b.requested, ok
}

// Bytes returns the whole block at addr.
func (h *Heap) Bytes(addr vm.Addr) ([]byte, error) {
	h.mu.RLock()
	b, ok := h.blocks[addr]
	h.mu.RUnlock()
	if !ok {
		return nil, vm.ErrNotReserved
	}
	return h.space.Bytes(addr, b.capacity)
}

// Free releases the block at addr. It reports false for addresses this heap
// did not hand out.
func (h *Heap) Free(addr vm.Addr) bool {
	h.mu.Lock()
	_, ok := h.blocks[addr]
	if ok {
		delete(h.blocks, addr)
	}
	h.mu.Unlock()
	if !ok {
		h.invalidFrees.Add(1)
		return false
	}

	h.frees.Add(1)
	// The table entry is gone either way; a failed release only leaks
	// address space.
	_ = h.space.Release(addr)
	return true
}

// Stats returns the heap statistics.
func (h *Heap) Stats() Stats {
	h.mu.RLock()
	st := Stats{Blocks: len(h.blocks)}
	for _, b := range h.blocks {
		st.Bytes += b.capacity
		st.Requested += b.requested
	}
	h.mu.RUnlock()

	st.Allocs = h.allocs.Load()
	st.Frees = h.frees.Load()
	st.Failures = h.failures.Load()
	st.InvalidFrees = h.invalidFrees.Load()
	return st
}

// Close releases every live block. Later allocations fail with ErrClosed.
func (h *Heap) Close() error {
	h.mu.Lock()
	blocks := h.blocks
	h.blocks = make(map[vm.Addr]block)
	h.closed = true
	h.mu.Unlock()

	var errs []error
	for addr := range blocks {
		if err := h.space.Release(addr); err != nil {
			errs = append(errs, fmt.Errorf("sysheap: release %#x: %w", uintptr(addr), err))
		}
	}
	return errors.Join(errs...)
}
