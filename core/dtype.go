package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is a scalar element type tag. The values are the single-character
// codes used on the wire.
type DType byte

// Supported element types
const (
	Bool    DType = '?'
	Uint8   DType = 'B'
	Int32   DType = 'i'
	Int64   DType = 'l'
	Float32 DType = 'f'
	Float64 DType = 'd'
)

// Size returns the element width in bytes, or 0 for an unknown tag.
func (d DType) Size() int {
	switch d {
	case Bool, Uint8:
		return 1
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

// Valid reports whether d is one of the supported tags.
func (d DType) Valid() bool { return d.Size() > 0 }

func (d DType) String() string {
	switch d {
	case Bool:
		return "bool"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("dtype(%q)", byte(d))
}

// ParseDType accepts either the single-character code or the long name.
func ParseDType(s string) (DType, error) {
	if len(s) == 1 {
		if d := DType(s[0]); d.Valid() {
			return d, nil
		}
	}
	for _, d := range []DType{Bool, Uint8, Int32, Int64, Float32, Float64} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", ErrDType, s)
}

// Load reads element i of buf as a float64. Bool and integer elements are
// converted; int64 values beyond 2^53 lose precision.
func (d DType) Load(buf []byte, i int) float64 {
	switch d {
	case Bool, Uint8:
		return float64(buf[i])
	case Int32:
		return float64(int32(binary.NativeEndian.Uint32(buf[i*4:])))
	case Int64:
		return float64(int64(binary.NativeEndian.Uint64(buf[i*8:])))
	case Float32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(buf[i*4:])))
	case Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(buf[i*8:]))
	}
	panic(fmt.Sprintf("core: load from unsupported %v", d))
}

// Store writes v as element i of buf, converting to the element type.
func (d DType) Store(buf []byte, i int, v float64) {
	switch d {
	case Bool:
		if v != 0 {
			buf[i] = 1
		} else {
			buf[i] = 0
		}
	case Uint8:
		buf[i] = uint8(v)
	case Int32:
		binary.NativeEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	case Int64:
		binary.NativeEndian.PutUint64(buf[i*8:], uint64(int64(v)))
	case Float32:
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.NativeEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	default:
		panic(fmt.Sprintf("core: store to unsupported %v", d))
	}
}

// CopyElement copies element si of src into element di of dst.
func (d DType) CopyElement(dst []byte, di int, src []byte, si int) {
	sz := d.Size()
	copy(dst[di*sz:(di+1)*sz], src[si*sz:(si+1)*sz])
}
