package tile

import (
	"fmt"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
)

// ToInternal classifies an external value into its internal form. Buffers
// are shared with v, not copied.
func ToInternal(v array.Value) (Internal, error) {
	switch x := v.(type) {
	case *array.Dense:
		if x == nil {
			break
		}
		return Internal{Shape: x.Shape(), DType: x.DType(), Rep: RepDense,
			Payload: DenseData{Data: x.Data()}}, nil
	case *array.Masked:
		if x == nil || x.Data == nil {
			break
		}
		return Internal{Shape: x.Shape(), DType: x.DType(), Rep: RepMasked,
			Payload: MaskedData{Data: x.Data.Data(), Mask: x.Mask}}, nil
	case *array.COO:
		if x == nil {
			break
		}
		return Internal{Shape: x.Shape(), DType: x.DType(), Rep: RepSparseCOO,
			Payload: COOData{Row: toInt64s(x.Row), Col: toInt64s(x.Col), Values: x.Values.Data()}}, nil
	case *array.CSR:
		if x == nil {
			break
		}
		return Internal{Shape: x.Shape(), DType: x.DType(), Rep: RepSparseCSR,
			Payload: CSRData{Indices: toInt64s(x.Indices), IndPtr: toInt64s(x.IndPtr), Values: x.Values.Data()}}, nil
	case *array.CSC:
		if x == nil {
			break
		}
		return Internal{Shape: x.Shape(), DType: x.DType(), Rep: RepSparseCSC,
			Payload: CSCData{Indices: toInt64s(x.Indices), IndPtr: toInt64s(x.IndPtr), Values: x.Values.Data()}}, nil
	}
	return Internal{}, fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, v)
}

// FromInternal rebuilds the external value described by in. Buffers are
// shared with in, not copied.
func FromInternal(in Internal) (array.Value, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	switch p := in.Payload.(type) {
	case DenseData:
		return array.NewDense(in.Shape, in.DType, p.Data)
	case MaskedData:
		d, err := array.NewDense(in.Shape, in.DType, p.Data)
		if err != nil {
			return nil, err
		}
		return array.NewMasked(d, p.Mask)
	case COOData:
		vals, err := array.NewDense([]int{len(p.Row)}, in.DType, p.Values)
		if err != nil {
			return nil, err
		}
		return array.NewCOO([2]int{in.Shape[0], in.Shape[1]}, toInts(p.Row), toInts(p.Col), vals)
	case CSRData:
		vals, err := array.NewDense([]int{len(p.Indices)}, in.DType, p.Values)
		if err != nil {
			return nil, err
		}
		return array.NewCSR([2]int{in.Shape[0], in.Shape[1]}, toInts(p.Indices), toInts(p.IndPtr), vals)
	case CSCData:
		vals, err := array.NewDense([]int{len(p.Indices)}, in.DType, p.Values)
		if err != nil {
			return nil, err
		}
		return array.NewCSC([2]int{in.Shape[0], in.Shape[1]}, toInts(p.Indices), toInts(p.IndPtr), vals)
	}
	return nil, fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, in.Payload)
}

func toInt64s(s []int) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		out[i] = int64(v)
	}
	return out
}

func toInts(s []int64) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}
