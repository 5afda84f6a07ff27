// Package overdrive is a multi-tier memory manager for hosts with a small
// address space.
//
// An Allocator serves requests from four tiers, in order:
//
//   - the recycle cache, a short LRU table of recently freed mid-size blocks
//   - the bump pools, large forward-only regions that never reclaim
//   - the segment heap, 64 size classes of up to 1 KiB each with split and
//     coalesce
//   - the system heap, one page-granular reservation per request
//
// Pools and segments are carved from a high arena reserved at start-up, so
// the low part of the address space stays free for the host. A tier that
// cannot reserve memory stays inactive and requests route around it.
//
// # Quick Start
//
//	a, err := overdrive.New(config.Default())
//	if err != nil {
//	    panic(err)
//	}
//	defer a.Close()
//
//	p := a.Allocate(100)
//	copy(a.Bytes(p), "hello")
//	p = a.Resize(p, 200)
//	a.Free(p)
//
// Memory is addressed by vm.Addr, and Bytes returns a view of a live block.
// Every allocation is zero-filled. Freeing an address no tier recognizes is
// counted and ignored; the allocator never dereferences memory outside the
// ranges it reserved.
//
// # Configuration
//
// Parameters come from the config package, either as code or from an INI
// file via config.Load. The virtual memory backend is pluggable:
// vm.NewSimulated gives a deterministic 32-bit address space for tests.
package overdrive
