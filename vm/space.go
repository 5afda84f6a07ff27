package vm

import (
	"errors"
	"sync"
)

// Space is the reservation surface tiers allocate their address ranges from.
type Space interface {
	// Reserve claims at least size bytes, rounded to the space's granularity.
	Reserve(size uintptr) (Addr, error)
	Commit(addr Addr, size uintptr, prot Protection) error
	Decommit(addr Addr, size uintptr) error
	Release(addr Addr) error
	Bytes(addr Addr, size uintptr) ([]byte, error)
	// Contains reports whether addr lies in a range reserved through this space.
	Contains(addr Addr) bool
	Granularity() uintptr
}

// DirectSpace reserves straight from a provider and remembers what it
// reserved.
type DirectSpace struct {
	p       Provider
	topDown bool

	mu    sync.RWMutex
	res   table
	bytes uintptr
}

// Direct returns a Space over p. topDown asks for high placements; providers
// that refuse the flag get a plain reservation instead.
func Direct(p Provider, topDown bool) *DirectSpace {
	return &DirectSpace{p: p, topDown: topDown}
}

// Reserve implements Space.
func (d *DirectSpace) Reserve(size uintptr) (Addr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	g := d.p.Info().Granularity
	rounded := (size + g - 1) &^ (g - 1)
	if rounded < size {
		return 0, ErrInvalidSize
	}

	addr, err := d.p.Reserve(0, rounded, d.topDown)
	if err != nil && d.topDown && errors.Is(err, ErrUnsupported) {
		addr, err = d.p.Reserve(0, rounded, false)
	}
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.res.insert(&reservation{base: addr, size: rounded})
	d.bytes += rounded
	d.mu.Unlock()
	return addr, nil
}

// Commit implements Space.
func (d *DirectSpace) Commit(addr Addr, size uintptr, prot Protection) error {
	if !d.Contains(addr) {
		return ErrNotReserved
	}
	return d.p.Commit(addr, size, prot)
}

// Decommit implements Space.
func (d *DirectSpace) Decommit(addr Addr, size uintptr) error {
	if !d.Contains(addr) {
		return ErrNotReserved
	}
	return d.p.Decommit(addr, size)
}

// Release implements Space.
func (d *DirectSpace) Release(addr Addr) error {
	d.mu.Lock()
	r := d.res.remove(addr)
	if r != nil {
		d.bytes -= r.size
	}
	d.mu.Unlock()
	if r == nil {
		return ErrNotReserved
	}
	return d.p.Release(addr)
}

// Bytes implements Space.
func (d *DirectSpace) Bytes(addr Addr, size uintptr) ([]byte, error) {
	if !d.Contains(addr) {
		return nil, ErrNotReserved
	}
	return d.p.Bytes(addr, size)
}

// Contains implements Space.
func (d *DirectSpace) Contains(addr Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.res.find(addr) != nil
}

// Granularity implements Space.
func (d *DirectSpace) Granularity() uintptr { return d.p.Info().Granularity }

// Reserved returns the bytes currently reserved through d.
func (d *DirectSpace) Reserved() uintptr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bytes
}

// ReleaseAll releases every reservation still held and returns the first error.
func (d *DirectSpace) ReleaseAll() error {
	d.mu.Lock()
	list := d.res.list
	d.res.list = nil
	d.bytes = 0
	d.mu.Unlock()

	var first error
	for _, r := range list {
		if err := d.p.Release(r.base); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ChainSpace tries a primary space first and falls back to a secondary one.
// Calls on existing ranges go to whichever space contains the address.
type ChainSpace struct {
	primary   Space
	secondary Space
}

// Chain returns a Space that reserves from primary, then secondary.
// A nil primary is skipped.
func Chain(primary, secondary Space) *ChainSpace {
	return &ChainSpace{primary: primary, secondary: secondary}
}

func (c *ChainSpace) owner(addr Addr) Space {
	if c.primary != nil && c.primary.Contains(addr) {
		return c.primary
	}
	if c.secondary.Contains(addr) {
		return c.secondary
	}
	return nil
}

// Reserve implements Space.
func (c *ChainSpace) Reserve(size uintptr) (Addr, error) {
	if c.primary != nil {
		if addr, err := c.primary.Reserve(size); err == nil {
			return addr, nil
		}
	}
	return c.secondary.Reserve(size)
}

// Commit implements Space.
func (c *ChainSpace) Commit(addr Addr, size uintptr, prot Protection) error {
	s := c.owner(addr)
	if s == nil {
		return ErrNotReserved
	}
	return s.Commit(addr, size, prot)
}

// Decommit implements Space.
func (c *ChainSpace) Decommit(addr Addr, size uintptr) error {
	s := c.owner(addr)
	if s == nil {
		return ErrNotReserved
	}
	return s.Decommit(addr, size)
}

// Release implements Space.
func (c *ChainSpace) Release(addr Addr) error {
	s := c.owner(addr)
	if s == nil {
		return ErrNotReserved
	}
	return s.Release(addr)
}

// Bytes implements Space.
func (c *ChainSpace) Bytes(addr Addr, size uintptr) ([]byte, error) {
	s := c.owner(addr)
	if s == nil {
		return nil, ErrNotReserved
	}
	return s.Bytes(addr, size)
}

// Contains implements Space.
func (c *ChainSpace) Contains(addr Addr) bool { return c.owner(addr) != nil }

// Granularity implements Space.
func (c *ChainSpace) Granularity() uintptr { return c.secondary.Granularity() }
