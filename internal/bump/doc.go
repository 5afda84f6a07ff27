// Package bump implements the pool tier: a few large reservations, each
// handed out front to back by an atomic offset that never moves backwards.
//
// Allocation is a compare-and-swap on the pool's used offset. When the new
// high-water mark is past the committed boundary, the caller first grows the
// commit under the pool lock in fixed steps and only then publishes the
// offset, so a failed commit leaves nothing to roll back.
//
// Blocks are never reclaimed. Free validates the header and counts.
package bump
