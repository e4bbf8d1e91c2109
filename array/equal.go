package array

import (
	"bytes"
	"slices"

	"github.com/sbl8/tessera/core"
)

// Equal reports whether a and b are the same kind of value with identical
// shape, element type, structure and elements.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType() != b.DType() || !core.ShapeEqual(a.Shape(), b.Shape()) {
		return false
	}
	switch av := a.(type) {
	case *Dense:
		bv, ok := b.(*Dense)
		return ok && bytes.Equal(av.data, bv.data)
	case *Masked:
		bv, ok := b.(*Masked)
		return ok && slices.Equal(av.Mask, bv.Mask) && bytes.Equal(av.Data.data, bv.Data.data)
	case *COO:
		bv, ok := b.(*COO)
		return ok && slices.Equal(av.Row, bv.Row) && slices.Equal(av.Col, bv.Col) &&
			bytes.Equal(av.Values.data, bv.Values.data)
	case *CSR:
		bv, ok := b.(*CSR)
		return ok && compressedEqual(&av.compressed, &bv.compressed)
	case *CSC:
		bv, ok := b.(*CSC)
		return ok && compressedEqual(&av.compressed, &bv.compressed)
	}
	return false
}

func compressedEqual(a, b *compressed) bool {
	return slices.Equal(a.Indices, b.Indices) && slices.Equal(a.IndPtr, b.IndPtr) &&
		bytes.Equal(a.Values.data, b.Values.data)
}
