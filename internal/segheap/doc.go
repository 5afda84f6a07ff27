// Package segheap implements the size-classed segment heap.
//
// Each segment is a reservation whose committed prefix is tiled by blocks.
// Every block starts with a 16-byte word group: an allocation header while
// the block is live, or a free-list node while it is free:
//
//	live: [requested][tag][tier|class][span]
//	free: [next]     [freeTag][prev]  [span]
//
// Span sits at the same place in both forms, so the physical successor of any
// block is always at offset+span. Free lists link blocks by offset, never by
// pointer, and a free block of payload p is filed under class min(63, p/16-1)
// so every block on list c can serve a request of class c.
//
// Two 32-bit bitmaps per segment mirror which lists are non-empty. They are
// read without the segment lock to pick a segment and re-checked under it.
package segheap
