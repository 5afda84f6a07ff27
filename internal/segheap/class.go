package segheap

import "github.com/hupe1980/overdrive/internal/header"

const (
	// NumClasses is the number of size classes.
	NumClasses = 64
	// ClassStep is the size difference between neighbouring classes.
	ClassStep = 16
	// MaxRequest is the largest request the heap serves.
	MaxRequest = NumClasses * ClassStep

	minSpan = header.Size + ClassStep
)

// RequestClass maps a request size to the class that serves it:
// ceil(size/16)-1, clamped to [0, 63].
func RequestClass(size uintptr) int {
	if size <= ClassStep {
		return 0
	}
	c := int((size+ClassStep-1)/ClassStep) - 1 //nolint:gosec // bounded below
	return min(c, NumClasses-1)
}

// ClassSize returns the largest request a class serves.
func ClassSize(c int) uintptr {
	return uintptr(c+1) * ClassStep //nolint:gosec // c is a class index
}

// blockClass returns the list a free block of the given span belongs on.
func blockClass(span uint32) int {
	payload := span - header.Size
	return min(int(payload/ClassStep)-1, NumClasses-1)
}

// spanFor returns the block span that serves size.
func spanFor(size uintptr) uint32 {
	return uint32(header.Size + ClassSize(RequestClass(size))) //nolint:gosec // at most MaxRequest+16
}
