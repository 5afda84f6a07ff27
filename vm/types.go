package vm

import "errors"

// Addr is a virtual address. Zero is the null address.
type Addr uintptr

// Protection is a page protection.
type Protection uint8

const (
	// ProtNone makes pages inaccessible.
	ProtNone Protection = iota
	// ProtRead makes pages read-only.
	ProtRead
	// ProtReadWrite makes pages readable and writable.
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// State is the state of a region of address space.
type State uint8

const (
	// StateFree means nothing is reserved there.
	StateFree State = iota
	// StateReserved means the addresses are owned but not backed.
	StateReserved
	// StateCommitted means the pages are backed and accessible.
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// SysInfo describes the address space a provider manages.
type SysInfo struct {
	PageSize    uintptr
	Granularity uintptr // reservation alignment and size unit
	MinAddr     Addr
	MaxAddr     Addr // inclusive
}

// Region is a homogeneous run of pages as reported by Query.
type Region struct {
	Base  Addr
	Size  uintptr
	State State
}

// End returns the first address past the region.
func (r Region) End() Addr { return r.Base + Addr(r.Size) }

// Provider is the operating system's virtual-memory contract.
type Provider interface {
	Info() SysInfo
	// Reserve claims size bytes of address space. A non-zero hint asks for
	// exactly that placement. topDown asks for the highest free placement.
	Reserve(hint Addr, size uintptr, topDown bool) (Addr, error)
	Commit(addr Addr, size uintptr, prot Protection) error
	Decommit(addr Addr, size uintptr) error
	// Release gives back the whole reservation starting at addr.
	Release(addr Addr) error
	// Query may return ErrUnsupported.
	Query(addr Addr) (Region, error)
	// Bytes returns a view of committed memory.
	Bytes(addr Addr, size uintptr) ([]byte, error)
}

var (
	// ErrNoSpace is returned when no suitable address range is free.
	ErrNoSpace = errors.New("vm: no address space")
	// ErrNotReserved is returned for addresses outside any reservation.
	ErrNotReserved = errors.New("vm: address not reserved")
	// ErrNotCommitted is returned when accessing uncommitted pages.
	ErrNotCommitted = errors.New("vm: memory not committed")
	// ErrOutOfRange is returned for addresses outside the managed space.
	ErrOutOfRange = errors.New("vm: address out of range")
	// ErrUnsupported is returned when a provider cannot perform an operation.
	ErrUnsupported = errors.New("vm: operation not supported")
	// ErrInvalidSize is returned for zero or overflowing sizes.
	ErrInvalidSize = errors.New("vm: invalid size")
	// ErrCommitLimit is returned when a commit would exceed the allowed total.
	ErrCommitLimit = errors.New("vm: commit limit exceeded")
)
