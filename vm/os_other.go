//go:build !linux && !darwin && !windows

package vm

func osInfo() (SysInfo, error) { return SysInfo{}, ErrUnsupported }

func osReserve(Addr, uintptr, bool) (Addr, error) { return 0, ErrUnsupported }

func osCommit(Addr, uintptr, Protection) error { return ErrUnsupported }

func osDecommit(Addr, uintptr) error { return ErrUnsupported }

func osRelease(Addr, uintptr) error { return ErrUnsupported }

func osQuery(Addr) (Region, error) { return Region{}, ErrUnsupported }

func osBytes(Addr, uintptr) []byte { return nil }
