package core

import "fmt"

// NumElements returns the product of shape. A zero-axis shape has one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// BufferSize returns the payload size in bytes for a dense array.
func BufferSize(shape []int, dt DType) int {
	return NumElements(shape) * dt.Size()
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Ravel converts a coordinate into a flat row-major index.
func Ravel(shape []int, coord []int) (int, error) {
	if len(coord) != len(shape) {
		return 0, fmt.Errorf("%w: index rank %d for shape %v", ErrShape, len(coord), shape)
	}
	flat := 0
	for i, c := range coord {
		if c < 0 || c >= shape[i] {
			return 0, fmt.Errorf("%w: index %v out of bounds for shape %v", ErrShape, coord, shape)
		}
		flat = flat*shape[i] + c
	}
	return flat, nil
}

// Unravel converts a flat row-major index back into a coordinate.
func Unravel(shape []int, flat int) []int {
	coord := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 0 {
			continue
		}
		coord[i] = flat % shape[i]
		flat /= shape[i]
	}
	return coord
}

// CheckRanges validates that ranges select a region inside shape.
func CheckRanges(shape []int, ranges []Range) error {
	if len(ranges) != len(shape) {
		return fmt.Errorf("%w: %d ranges for shape %v", ErrShape, len(ranges), shape)
	}
	for i, r := range ranges {
		if r.Start < 0 || r.Stop > shape[i] || r.Start > r.Stop {
			return fmt.Errorf("%w: range %v outside axis %d of %v", ErrShape, r, i, shape)
		}
	}
	return nil
}

// RangesShape returns the shape of the region selected by ranges.
func RangesShape(ranges []Range) []int {
	out := make([]int, len(ranges))
	for i, r := range ranges {
		out[i] = r.Len()
	}
	return out
}

// ForEachIndex visits every element of the region selected by ranges in
// row-major order. flat is the index into shape; local is the running index
// within the region. ranges must already be checked against shape.
func ForEachIndex(shape []int, ranges []Range, fn func(flat, local int)) {
	if len(shape) == 0 {
		fn(0, 0)
		return
	}
	for _, r := range ranges {
		if r.Len() == 0 {
			return
		}
	}
	strides := Strides(shape)
	coord := make([]int, len(ranges))
	for i, r := range ranges {
		coord[i] = r.Start
	}
	last := len(ranges) - 1
	inner := ranges[last].Len()
	local := 0
	for {
		base := 0
		for i := 0; i < last; i++ {
			base += coord[i] * strides[i]
		}
		base += ranges[last].Start
		for j := 0; j < inner; j++ {
			fn(base+j, local)
			local++
		}
		// advance the outer axes like an odometer
		i := last - 1
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i] < ranges[i].Stop {
				break
			}
			coord[i] = ranges[i].Start
		}
		if i < 0 {
			return
		}
	}
}
