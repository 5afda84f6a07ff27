// Package vm is the virtual-memory primitive layer used by every tier.
//
// # Overview
//
// A Provider exposes the operating system's address-space calls: reserve a
// range of addresses, commit pages inside it, decommit them again and release
// the whole reservation. Query reports the state of a region and is used by
// the high arena's downward placement scan.
//
// Memory is never touched through raw addresses. Bytes hands out a slice over
// committed pages and reports ErrNotCommitted for anything else, so a stray
// address turns into an error instead of a fault.
//
// # Providers
//
//   - Simulated: a deterministic 32-bit style address space backed by Go
//     memory. Used by tests and by hosts that only need the bookkeeping.
//   - OS: real reservations via mmap/mprotect/madvise (unix) or
//     VirtualAlloc/VirtualFree/VirtualQuery (windows).
//   - Budgeted: a decorator that charges committed pages against a memory
//     budget.
//
// # Spaces
//
// Tiers do not talk to a Provider directly. They reserve through a Space:
// Direct reserves straight from the provider, and Chain tries a primary space
// (normally the high arena) before a secondary one.
package vm
