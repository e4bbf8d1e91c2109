package kernels

import (
	"unsafe"

	"github.com/sbl8/tessera/core"
)

type number interface {
	~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

// view reinterprets b as a slice of T. b must be aligned for T.
func view[T number](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(zero)))
}

// typedOK reports whether both buffers can be viewed as dt elements.
// Tile payloads come from core.AlignedBytes; decoded or caller-provided
// buffers may not.
func typedOK(dt core.DType, bufs ...[]byte) bool {
	sz := uintptr(dt.Size())
	for _, b := range bufs {
		if len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%sz != 0 {
			return false
		}
	}
	return true
}

func applyTyped[T number](tag ReducerTag, dst, src []T, sel []bool) int {
	n := 0
	switch tag {
	case ReduceAdd:
		for i := range dst {
			if sel == nil || sel[i] {
				dst[i] += src[i]
				n++
			}
		}
	case ReduceMultiply:
		for i := range dst {
			if sel == nil || sel[i] {
				dst[i] *= src[i]
				n++
			}
		}
	case ReduceMaximum:
		for i := range dst {
			if sel == nil || sel[i] {
				dst[i] = max(dst[i], src[i])
				n++
			}
		}
	case ReduceMinimum:
		for i := range dst {
			if sel == nil || sel[i] {
				dst[i] = min(dst[i], src[i])
				n++
			}
		}
	}
	return n
}
