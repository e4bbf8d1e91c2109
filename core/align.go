package core

import "unsafe"

// CacheLineSize is the alignment of every tile-owned payload buffer.
const CacheLineSize = 64

// IsAligned reports whether the first byte of b sits on a cache line boundary.
// Empty slices are considered aligned.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%CacheLineSize == 0
}

// AlignedSize rounds size up to the nearest cache line multiple.
func AlignedSize(size int) int {
	return (size + CacheLineSize - 1) &^ (CacheLineSize - 1)
}

// AlignedBytes allocates a zeroed byte slice whose backing array starts on a
// cache line boundary. Typed views over tile payloads rely on this.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+CacheLineSize-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

// AlignedCopy returns an aligned copy of b.
func AlignedCopy(b []byte) []byte {
	out := AlignedBytes(len(b))
	copy(out, b)
	return out
}
