package vm

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// OS reserves real virtual memory from the operating system.
//
// Reservations and committed pages are tracked in process so Bytes can
// refuse uncommitted memory without probing it.
type OS struct {
	mu   sync.Mutex
	info SysInfo
	res  table
}

// NewOS returns the operating system provider.
func NewOS() (*OS, error) {
	info, err := osInfo()
	if err != nil {
		return nil, err
	}
	return &OS{info: info}, nil
}

// Info implements Provider.
func (o *OS) Info() SysInfo { return o.info }

// Reserve implements Provider.
func (o *OS) Reserve(hint Addr, size uintptr, topDown bool) (Addr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	size = (size + o.info.Granularity - 1) &^ (o.info.Granularity - 1)
	if size == 0 {
		return 0, ErrInvalidSize
	}

	base, err := osReserve(hint, size, topDown)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.res.insert(&reservation{base: base, size: size, pages: roaring.New()})
	o.mu.Unlock()
	return base, nil
}

// Commit implements Provider.
func (o *OS) Commit(addr Addr, size uintptr, prot Protection) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.res.find(addr)
	if r == nil {
		return ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, o.info.PageSize)
	if !ok {
		return fmt.Errorf("commit %#x+%d: %w", addr, size, ErrOutOfRange)
	}

	ps := uint64(o.info.PageSize)
	if err := osCommit(r.base+Addr(first*ps), uintptr((last-first)*ps), prot); err != nil {
		return fmt.Errorf("commit %#x+%d: %w", addr, size, err)
	}
	r.pages.AddRange(first, last)
	return nil
}

// Decommit implements Provider.
func (o *OS) Decommit(addr Addr, size uintptr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.res.find(addr)
	if r == nil {
		return ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, o.info.PageSize)
	if !ok {
		return fmt.Errorf("decommit %#x+%d: %w", addr, size, ErrOutOfRange)
	}

	ps := uint64(o.info.PageSize)
	if err := osDecommit(r.base+Addr(first*ps), uintptr((last-first)*ps)); err != nil {
		return fmt.Errorf("decommit %#x+%d: %w", addr, size, err)
	}
	r.pages.RemoveRange(first, last)
	return nil
}

// Release implements Provider.
func (o *OS) Release(addr Addr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.res.find(addr)
	if r == nil || r.base != addr {
		return ErrNotReserved
	}
	if err := osRelease(r.base, r.size); err != nil {
		return fmt.Errorf("release %#x: %w", addr, err)
	}
	o.res.remove(addr)
	return nil
}

// Query implements Provider.
func (o *OS) Query(addr Addr) (Region, error) {
	return osQuery(addr)
}

// Bytes implements Provider.
func (o *OS) Bytes(addr Addr, size uintptr) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.res.find(addr)
	if r == nil {
		return nil, ErrNotReserved
	}
	first, last, ok := r.pageSpan(addr, size, o.info.PageSize)
	if !ok {
		return nil, ErrOutOfRange
	}
	if r.committedIn(first, last) != last-first {
		return nil, ErrNotCommitted
	}
	return osBytes(addr, size), nil
}
