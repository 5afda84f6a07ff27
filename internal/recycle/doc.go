// Package recycle implements the recycle cache: a small fixed table of
// recently freed mid-size blocks that is consulted before any tier carves
// fresh memory.
//
// The cache never creates memory. Every entry came from a tier and still
// belongs to it; the cache only reroutes it. When the table is full the entry
// with the oldest tick is evicted and handed back to the caller, which
// returns it to its owning tier.
package recycle
