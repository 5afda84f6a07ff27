//go:build windows

package vm

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	winPageSize    = 4096
	winGranularity = 64 * 1024

	memFree = 0x10000
)

func osInfo() (SysInfo, error) {
	maxAddr := Addr(0x7FFEFFFF)
	if unsafe.Sizeof(uintptr(0)) == 8 {
		var top uint64 = 0x7FFFFFFEFFFF
		maxAddr = Addr(top)
	}
	return SysInfo{
		PageSize:    winPageSize,
		Granularity: winGranularity,
		MinAddr:     0x10000,
		MaxAddr:     maxAddr,
	}, nil
}

func osReserve(hint Addr, size uintptr, topDown bool) (Addr, error) {
	flags := uint32(windows.MEM_RESERVE)
	if topDown {
		flags |= windows.MEM_TOP_DOWN
	}
	p, err := windows.VirtualAlloc(uintptr(hint), size, flags, windows.PAGE_NOACCESS)
	if err != nil || p == 0 {
		return 0, ErrNoSpace
	}
	return Addr(p), nil
}

func osProt(prot Protection) uint32 {
	switch prot {
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtReadWrite:
		return windows.PAGE_READWRITE
	default:
		return windows.PAGE_NOACCESS
	}
}

func osCommit(addr Addr, size uintptr, prot Protection) error {
	_, err := windows.VirtualAlloc(uintptr(addr), size, windows.MEM_COMMIT, osProt(prot))
	return err
}

func osDecommit(addr Addr, size uintptr) error {
	return windows.VirtualFree(uintptr(addr), size, windows.MEM_DECOMMIT)
}

func osRelease(addr Addr, _ uintptr) error {
	return windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE)
}

func osQuery(addr Addr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, ErrOutOfRange
	}
	state := StateReserved
	switch mbi.State {
	case memFree:
		state = StateFree
	case windows.MEM_COMMIT:
		state = StateCommitted
	}
	return Region{Base: Addr(mbi.BaseAddress), Size: mbi.RegionSize, State: state}, nil
}

func osBytes(addr Addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size) //nolint:govet,gosec // committed pages
}
