//go:build linux || darwin

package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func osInfo() (SysInfo, error) {
	ps := uintptr(unix.Getpagesize()) //nolint:gosec // page size is positive
	maxAddr := Addr(0xBFFFFFFF)
	if unsafe.Sizeof(uintptr(0)) == 8 {
		var top uint64 = 1<<47 - 1
		maxAddr = Addr(top)
	}
	return SysInfo{
		PageSize:    ps,
		Granularity: ps,
		MinAddr:     Addr(ps * 16),
		MaxAddr:     maxAddr,
	}, nil
}

func osReserve(hint Addr, size uintptr, _ bool) (Addr, error) {
	// mmap already places mappings top-down; a hint is advisory, so a
	// mapping that lands elsewhere is undone.
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(hint)), size, //nolint:govet // hint is an address, not a Go pointer
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return 0, ErrNoSpace
	}
	base := Addr(uintptr(p))
	if hint != 0 && base != hint {
		_ = unix.MunmapPtr(p, size)
		return 0, ErrNoSpace
	}
	return base, nil
}

func osProt(prot Protection) int {
	switch prot {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}

func osCommit(addr Addr, size uintptr, prot Protection) error {
	return unix.Mprotect(osBytes(addr, size), osProt(prot))
}

func osDecommit(addr Addr, size uintptr) error {
	b := osBytes(addr, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func osRelease(addr Addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), size) //nolint:govet // mapping address
}

func osQuery(Addr) (Region, error) {
	return Region{}, ErrUnsupported
}

func osBytes(addr Addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size) //nolint:govet,gosec // committed mapping
}
