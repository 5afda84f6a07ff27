package bump

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/internal/conv"
	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/vm"
)

var (
	// ErrFull is returned when a pool has no room left for the request.
	ErrFull = errors.New("bump: pool full")
	// ErrInactive is returned by a pool that could not be set up.
	ErrInactive = errors.New("bump: pool inactive")
	// ErrCommit is returned when the commit boundary could not grow.
	ErrCommit = errors.New("bump: commit failed")
	// ErrTooLarge is returned for requests a header cannot describe.
	ErrTooLarge = errors.New("bump: request too large")
	// ErrExhausted is returned when no pool could serve a request.
	ErrExhausted = errors.New("bump: all pools exhausted")
)

// Band is an inclusive request size range. A zero Max means unbounded.
type Band struct {
	Min uintptr
	Max uintptr
}

// Contains reports whether size falls in the band.
func (b Band) Contains(size uintptr) bool {
	return size >= b.Min && (b.Max == 0 || size <= b.Max)
}

// PoolStats describes one pool.
type PoolStats struct {
	Name           string
	ID             uint16
	Active         bool
	Base           vm.Addr
	Size           uintptr
	Used           uintptr
	Committed      uintptr
	Allocs         uint64
	BytesServed    uint64 // requested bytes, before header and alignment
	LargestAlloc   uint64
	Overflows      uint64 // requests preferred here that another pool served
	Frees          uint64
	CommitFailures uint64
}

type atomicStats struct {
	Allocs         atomic.Uint64
	BytesServed    atomic.Uint64
	LargestAlloc   atomic.Uint64
	Overflows      atomic.Uint64
	Frees          atomic.Uint64
	CommitFailures atomic.Uint64
}

// Pool is one forward-only region.
type Pool struct {
	id     uint16
	name   string
	prefer Band
	align  uintptr
	step   uintptr
	space  vm.Space

	active atomic.Bool
	base   vm.Addr
	size   uintptr
	err    error

	used      atomic.Uintptr
	committed atomic.Uintptr
	commitMu  sync.Mutex

	stats atomicStats
}

// reserve obtains the pool's range, shrinking the request by retryStep down
// to minSize, then commits the initial slice.
func (p *Pool) reserve(want, minSize, retryStep, initial uintptr) error {
	minSize = min(minSize, want)
	size := want
	for {
		base, err := p.space.Reserve(size)
		if err == nil {
			p.base = base
			p.size = size
			break
		}
		if size <= minSize || retryStep == 0 {
			return fmt.Errorf("reserve pool %q (%d bytes): %w", p.name, size, err)
		}
		if size-minSize < retryStep {
			size = minSize
		} else {
			size -= retryStep
		}
	}

	initial = min(conv.AlignUp(initial, p.step), p.size)
	if initial > 0 {
		if err := p.space.Commit(p.base, initial, vm.ProtReadWrite); err != nil {
			_ = p.space.Release(p.base)
			p.base, p.size = 0, 0
			return fmt.Errorf("initial commit of pool %q: %w", p.name, err)
		}
	}
	p.committed.Store(initial)
	p.active.Store(true)
	return nil
}

func (p *Pool) span(size uintptr) (uintptr, bool) {
	aligned := conv.AlignUp(size, p.align)
	if aligned < size || aligned > math.MaxUint32-header.Size {
		return 0, false
	}
	return header.Size + aligned, true
}

// Allocate carves one block and returns the user address.
func (p *Pool) Allocate(size uintptr) (vm.Addr, error) {
	if !p.active.Load() {
		return 0, ErrInactive
	}
	total, ok := p.span(size)
	if !ok {
		return 0, ErrTooLarge
	}

	var cur uintptr
	for {
		cur = p.used.Load()
		next := cur + total
		if next > p.size || next < cur {
			return 0, ErrFull
		}
		if next > p.committed.Load() {
			if err := p.ensureCommitted(next); err != nil {
				p.stats.CommitFailures.Add(1)
				return 0, err
			}
		}
		if p.used.CompareAndSwap(cur, next) {
			break
		}
	}

	block := p.base + vm.Addr(cur)
	b, err := p.space.Bytes(block, header.Size)
	if err != nil {
		// Committed ahead of publication, so this only fails if the
		// provider lost the pages.
		p.stats.CommitFailures.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrCommit, err)
	}
	header.Write(b, header.Header{
		RequestedSize: uint32(size), //nolint:gosec // bounded by span
		Tag:           header.Tag,
		Tier:          p.id,
		Span:          uint32(total), //nolint:gosec // bounded by span
	})

	p.stats.Allocs.Add(1)
	p.stats.BytesServed.Add(uint64(size))
	for {
		largest := p.stats.LargestAlloc.Load()
		if uint64(size) <= largest || p.stats.LargestAlloc.CompareAndSwap(largest, uint64(size)) {
			break
		}
	}
	return block + header.Size, nil
}

// ensureCommitted grows the commit boundary in whole steps until it covers
// mark.
func (p *Pool) ensureCommitted(mark uintptr) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	c := p.committed.Load()
	if c >= mark {
		return nil
	}
	target := min(c+conv.AlignUp(mark-c, p.step), p.size)
	if err := p.space.Commit(p.base+vm.Addr(c), target-c, vm.ProtReadWrite); err != nil {
		return fmt.Errorf("%w: grow pool %q to %d: %w", ErrCommit, p.name, target, err)
	}
	p.committed.Store(target)
	return nil
}

// Contains reports whether addr falls inside the handed-out part of the pool.
func (p *Pool) Contains(addr vm.Addr) bool {
	if !p.active.Load() || addr < p.base {
		return false
	}
	return uintptr(addr-p.base) < p.used.Load()
}

// Lookup validates the header behind a user address.
func (p *Pool) Lookup(addr vm.Addr) (header.Header, bool) {
	if !p.Contains(addr) || addr < p.base+header.Size {
		return header.Header{}, false
	}
	block := addr - header.Size
	b, err := p.space.Bytes(block, header.Size)
	if err != nil {
		return header.Header{}, false
	}
	h, ok := header.Read(b)
	if !ok || h.Tier != p.id || uintptr(h.Span) < header.Size {
		return h, false
	}
	if uintptr(block-p.base)+uintptr(h.Span) > p.used.Load() {
		return h, false
	}
	return h, true
}

// Used returns the current offset.
func (p *Pool) Used() uintptr { return p.used.Load() }

// Stats returns the pool's statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:           p.name,
		ID:             p.id,
		Active:         p.active.Load(),
		Base:           p.base,
		Size:           p.size,
		Used:           p.used.Load(),
		Committed:      p.committed.Load(),
		Allocs:         p.stats.Allocs.Load(),
		BytesServed:    p.stats.BytesServed.Load(),
		LargestAlloc:   p.stats.LargestAlloc.Load(),
		Overflows:      p.stats.Overflows.Load(),
		Frees:          p.stats.Frees.Load(),
		CommitFailures: p.stats.CommitFailures.Load(),
	}
}

// Err returns why the pool is inactive, if it is.
func (p *Pool) Err() error { return p.err }
