// Package arena implements the high arena: one large reservation placed as
// high in the address space as the provider allows, sub-allocated in
// allocation-granularity units.
//
// # Placement
//
// Init first asks the provider for a top-down reservation. If that fails it
// walks the address space downward from the top with Query, one region at a
// time, and reserves at the aligned top of the first free region that is
// large enough. A failed Init leaves the arena inactive; every operation on an
// inactive arena fails without side effects.
//
// # Sub-allocation
//
// Free space is a list of unit runs sorted by start. Reserve carves first-fit
// from that list; Release merges the run back with its neighbours so no two
// free runs are ever adjacent. The list and the reservation table share one
// mutex. Commit and decommit run without it since they only touch ranges the
// caller already owns.
package arena
