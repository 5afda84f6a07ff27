package segheap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/vm"
)

const (
	freeTag uint32 = 0xFEEDF00D
	none    uint32 = ^uint32(0)

	// free node word indexes
	wNext = 0
	wTag  = 1
	wPrev = 2
	wSpan = 3
)

type segment struct {
	index int
	base  vm.Addr
	size  uintptr
	space vm.Space

	mu        sync.Mutex
	mem       []byte // committed prefix
	committed uint32
	heads     [NumClasses]uint32

	// lo holds classes 0..31, hi classes 32..63.
	lo, hi atomic.Uint32

	allocs    atomic.Uint64
	frees     atomic.Uint64
	splits    atomic.Uint64
	coalesces atomic.Uint64
}

func newSegment(index int, space vm.Space, size, slice uintptr) (*segment, error) {
	base, err := space.Reserve(size)
	if err != nil {
		return nil, err
	}
	s := &segment{index: index, base: base, size: size, space: space}
	for i := range s.heads {
		s.heads[i] = none
	}
	if err := s.growLocked(slice); err != nil {
		_ = space.Release(base)
		return nil, err
	}
	return s, nil
}

func (s *segment) word(off uint32, i uint32) uint32 {
	return binary.LittleEndian.Uint32(s.mem[off+4*i:])
}

func (s *segment) setWord(off uint32, i uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.mem[off+4*i:], v)
}

func (s *segment) mask() uint64 {
	return uint64(s.hi.Load())<<32 | uint64(s.lo.Load())
}

func (s *segment) setBit(c int) {
	if c < 32 {
		s.lo.Or(1 << c)
	} else {
		s.hi.Or(1 << (c - 32))
	}
}

func (s *segment) clearBit(c int) {
	if c < 32 {
		s.lo.And(^uint32(1 << c))
	} else {
		s.hi.And(^uint32(1 << (c - 32)))
	}
}

// candidate reports, without locking, whether a list at or above c is
// non-empty. The answer may be stale.
func (s *segment) candidate(c int) bool {
	return s.mask()>>c != 0
}

func (s *segment) contains(addr vm.Addr) bool {
	return addr >= s.base && uintptr(addr-s.base) < s.size
}

func (s *segment) push(off, span uint32) {
	c := blockClass(span)
	head := s.heads[c]
	s.setWord(off, wNext, head)
	s.setWord(off, wTag, freeTag)
	s.setWord(off, wPrev, none)
	s.setWord(off, wSpan, span)
	if head != none {
		s.setWord(head, wPrev, off)
	}
	s.heads[c] = off
	s.setBit(c)
}

func (s *segment) unlink(off uint32) {
	c := blockClass(s.word(off, wSpan))
	next, prev := s.word(off, wNext), s.word(off, wPrev)
	if prev != none {
		s.setWord(prev, wNext, next)
	} else {
		s.heads[c] = next
	}
	if next != none {
		s.setWord(next, wPrev, prev)
	}
	if s.heads[c] == none {
		s.clearBit(c)
	}
	s.setWord(off, wTag, 0)
}

func (s *segment) freeAt(off uint32) bool {
	if off+header.Size > s.committed || s.word(off, wTag) != freeTag {
		return false
	}
	span := s.word(off, wSpan)
	return span >= minSpan && span <= s.committed-off
}

// growLocked commits the next slice and files it as one free block.
func (s *segment) growLocked(slice uintptr) error {
	avail := s.size - uintptr(s.committed)
	if avail == 0 {
		return errSegmentFull
	}
	n := min(slice, avail)
	if err := s.space.Commit(s.base+vm.Addr(s.committed), n, vm.ProtReadWrite); err != nil {
		return err
	}
	mem, err := s.space.Bytes(s.base, uintptr(s.committed)+n)
	if err != nil {
		return err
	}
	s.mem = mem
	off := s.committed
	s.committed += uint32(n) //nolint:gosec // segment size fits uint32
	s.push(off, uint32(n))   //nolint:gosec // slice fits uint32
	return nil
}

func (s *segment) grow(slice uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.growLocked(slice)
}

// allocate serves size from the lowest non-empty list at or above its class.
func (s *segment) allocate(size uintptr, splitThreshold uint32) (vm.Addr, bool) {
	c := RequestClass(size)
	need := spanFor(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mask() &^ (uint64(1)<<c - 1)
	if m == 0 {
		return 0, false
	}
	k := bits.TrailingZeros64(m)
	off := s.heads[k]
	span := s.word(off, wSpan)
	s.unlink(off)

	if span-need >= splitThreshold {
		s.push(off+need, span-need)
		span = need
		s.splits.Add(1)
	}

	header.Write(s.mem[off:], header.Header{
		RequestedSize: uint32(size), //nolint:gosec // at most MaxRequest
		Tag:           header.Tag,
		Tier:          TierID,
		Class:         uint16(c), //nolint:gosec // class index
		Span:          span,
	})
	s.allocs.Add(1)
	return s.base + vm.Addr(off) + header.Size, true
}

// lookupLocked validates the header behind a user address.
func (s *segment) lookupLocked(addr vm.Addr) (uint32, header.Header, bool) {
	if addr < s.base+header.Size {
		return 0, header.Header{}, false
	}
	rel := uintptr(addr-s.base) - header.Size
	if rel%ClassStep != 0 || rel+header.Size > uintptr(s.committed) {
		return 0, header.Header{}, false
	}
	off := uint32(rel) //nolint:gosec // below committed
	h, ok := header.Read(s.mem[off:])
	if !ok || h.Tier != TierID || h.Span < minSpan || h.Span%ClassStep != 0 ||
		h.Span > s.committed-off || int(h.Class) >= NumClasses {
		return 0, h, false
	}
	return off, h, true
}

func (s *segment) lookup(addr vm.Addr) (header.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, h, ok := s.lookupLocked(addr)
	return h, ok
}

// free returns a block to its list, merging it with any free blocks that
// physically follow it.
func (s *segment) free(addr vm.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, h, ok := s.lookupLocked(addr)
	if !ok {
		return false
	}
	span := h.Span
	for next := off + span; s.freeAt(next); next = off + span {
		nspan := s.word(next, wSpan)
		s.unlink(next)
		span += nspan
		s.coalesces.Add(1)
	}
	s.push(off, span)
	s.frees.Add(1)
	return true
}

type segmentStats struct {
	committed  uintptr
	freeBytes  uintptr
	freeBlocks int
	classes    [NumClasses]int
}

func (s *segment) stats() segmentStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := segmentStats{committed: uintptr(s.committed)}
	for c, off := range s.heads {
		for ; off != none; off = s.word(off, wNext) {
			st.freeBlocks++
			st.classes[c]++
			st.freeBytes += uintptr(s.word(off, wSpan))
		}
	}
	return st
}

// verify walks the tiling and every list.
func (s *segment) verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := make(map[uint32]bool)
	for off := uint32(0); off < s.committed; {
		if off+header.Size > s.committed {
			return fmt.Errorf("segment %d: block at %d overruns committed %d", s.index, off, s.committed)
		}
		h, _ := header.Peek(s.mem[off:])
		span := h.Span
		if span < minSpan || span%ClassStep != 0 || span > s.committed-off {
			return fmt.Errorf("segment %d: bad span %d at %d", s.index, span, off)
		}
		switch h.Tag {
		case freeTag:
			free[off] = false
		case header.Tag, header.CachedTag:
		default:
			return fmt.Errorf("segment %d: unknown tag %#x at %d", s.index, h.Tag, off)
		}
		off += span
	}

	m := s.mask()
	for c, head := range s.heads {
		bit := m&(1<<c) != 0
		if bit != (head != none) {
			return fmt.Errorf("segment %d: class %d bitmap %v but list empty=%v", s.index, c, bit, head == none)
		}
		prev := none
		for off := head; off != none; off = s.word(off, wNext) {
			seen, ok := free[off]
			if !ok {
				return fmt.Errorf("segment %d: class %d lists %d which is not a free block", s.index, c, off)
			}
			if seen {
				return fmt.Errorf("segment %d: block %d on more than one list", s.index, off)
			}
			free[off] = true
			if got := blockClass(s.word(off, wSpan)); got != c {
				return fmt.Errorf("segment %d: block %d of class %d on list %d", s.index, off, got, c)
			}
			if s.word(off, wPrev) != prev {
				return fmt.Errorf("segment %d: block %d has prev %d, want %d", s.index, off, s.word(off, wPrev), prev)
			}
			prev = off
		}
	}
	for off, listed := range free {
		if !listed {
			return fmt.Errorf("segment %d: free block %d is on no list", s.index, off)
		}
	}
	return nil
}
