// Package header encodes the AllocationHeader that precedes every block
// handed out by the pool and segment tiers.
//
// Layout (little-endian, 16 bytes):
//
//	[0:4)   requested size
//	[4:8)   validation tag
//	[8:10)  owning tier id
//	[10:12) size class
//	[12:16) span (header plus usable capacity)
package header

import "encoding/binary"

const (
	// Size is the encoded header length. It is also the allocation alignment,
	// so the user pointer keeps the block's alignment.
	Size = 16

	// Tag marks a live header.
	Tag uint32 = 0xDEADC0DE
	// CachedTag marks a block parked in the recycle cache. Such a block is
	// still owned by its tier but must not be freed again.
	CachedTag uint32 = 0x5CA7C0DE
)

// Header describes one live allocation.
type Header struct {
	RequestedSize uint32
	Tag           uint32
	Tier          uint16
	Class         uint16
	Span          uint32
}

// Valid reports whether the tag matches.
func (h Header) Valid() bool { return h.Tag == Tag }

// Usable returns the capacity behind the user pointer.
func (h Header) Usable() uint32 {
	if h.Span < Size {
		return 0
	}
	return h.Span - Size
}

// Peek decodes the header at the start of b without checking the tag.
func Peek(b []byte) (Header, bool) {
	if len(b) < Size {
		return Header{}, false
	}
	return Header{
		RequestedSize: binary.LittleEndian.Uint32(b[0:4]),
		Tag:           binary.LittleEndian.Uint32(b[4:8]),
		Tier:          binary.LittleEndian.Uint16(b[8:10]),
		Class:         binary.LittleEndian.Uint16(b[10:12]),
		Span:          binary.LittleEndian.Uint32(b[12:16]),
	}, true
}

// Read decodes the header at the start of b. ok is false when b is too short
// or the tag does not match; the header is then not to be trusted.
func Read(b []byte) (Header, bool) {
	h, ok := Peek(b)
	return h, ok && h.Valid()
}

// Write encodes h at the start of b. b must hold at least Size bytes.
func Write(b []byte, h Header) {
	_ = b[Size-1]
	binary.LittleEndian.PutUint32(b[0:4], h.RequestedSize)
	binary.LittleEndian.PutUint32(b[4:8], h.Tag)
	binary.LittleEndian.PutUint16(b[8:10], h.Tier)
	binary.LittleEndian.PutUint16(b[10:12], h.Class)
	binary.LittleEndian.PutUint32(b[12:16], h.Span)
}

// SetRequested rewrites only the requested size of a live header.
func SetRequested(b []byte, n uint32) {
	binary.LittleEndian.PutUint32(b[0:4], n)
}

// SetTag rewrites only the tag.
func SetTag(b []byte, tag uint32) {
	binary.LittleEndian.PutUint32(b[4:8], tag)
}

// Clear wipes the header so a second free of the same block is rejected.
func Clear(b []byte) {
	clear(b[:Size])
}
