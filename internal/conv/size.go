package conv

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// ErrSize is returned for a size that cannot be represented on the other
// side of a conversion.
var ErrSize = errors.New("conv: size out of range")

// ToUintptr converts a caller-supplied size. Negative sizes are rejected.
func ToUintptr(n int) (uintptr, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrSize, n)
	}
	return uintptr(n), nil
}

// ToInt converts a block size back to an int. ok is false above MaxInt.
func ToInt(n uintptr) (int, bool) {
	if uint64(n) > math.MaxInt {
		return 0, false
	}
	return int(n), true
}

// MulSize multiplies an element count by an element size.
// ok is false when either operand is negative or the product overflows int.
func MulSize(n, size int) (int, bool) {
	if n < 0 || size < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(n), uint64(size))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// AlignUp rounds v up to a multiple of align, a power of two.
func AlignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }

// AlignDown rounds v down to a multiple of align, a power of two.
func AlignDown(v, align uintptr) uintptr { return v &^ (align - 1) }

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool { return v != 0 && v&(v-1) == 0 }
