// Package array defines the concrete array values exchanged with code outside
// the tile layer: dense buffers, masked arrays and the three sparse matrix
// layouts (COO, CSR, CSC).
//
// Values hold their elements in a row-major byte buffer in host byte order,
// tagged with a core.DType. Element accessors convert through float64.
package array

import (
	"fmt"

	"github.com/sbl8/tessera/core"
)

// Value is any external array value.
type Value interface {
	Shape() []int
	DType() core.DType
}

// Dense is a row-major n-dimensional array.
type Dense struct {
	shape []int
	dtype core.DType
	data  []byte
}

// NewDense wraps data as an array of the given shape. data is not copied.
func NewDense(shape []int, dt core.DType, data []byte) (*Dense, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrDType, dt)
	}
	if want := core.BufferSize(shape, dt); len(data) != want {
		return nil, fmt.Errorf("%w: buffer of %d bytes for shape %v %v (want %d)",
			core.ErrShape, len(data), shape, dt, want)
	}
	return &Dense{shape: append([]int{}, shape...), dtype: dt, data: data}, nil
}

// Zeros returns a zero-filled array.
func Zeros(shape []int, dt core.DType) *Dense {
	return &Dense{
		shape: append([]int{}, shape...),
		dtype: dt,
		data:  make([]byte, core.BufferSize(shape, dt)),
	}
}

// FromFloat64s builds an array from row-major values converted to dt.
func FromFloat64s(shape []int, dt core.DType, vals []float64) (*Dense, error) {
	if len(vals) != core.NumElements(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", core.ErrShape, len(vals), shape)
	}
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrDType, dt)
	}
	d := Zeros(shape, dt)
	for i, v := range vals {
		dt.Store(d.data, i, v)
	}
	return d, nil
}

// FromBools builds a boolean array.
func FromBools(shape []int, vals []bool) (*Dense, error) {
	if len(vals) != core.NumElements(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", core.ErrShape, len(vals), shape)
	}
	d := Zeros(shape, core.Bool)
	for i, v := range vals {
		if v {
			d.data[i] = 1
		}
	}
	return d, nil
}

// Scalar returns a zero-axis array holding v.
func Scalar(dt core.DType, v float64) *Dense {
	d := Zeros(nil, dt)
	dt.Store(d.data, 0, v)
	return d
}

func (d *Dense) Shape() []int      { return append([]int{}, d.shape...) }
func (d *Dense) DType() core.DType { return d.dtype }

// Data returns the backing buffer. Writes through it modify the array.
func (d *Dense) Data() []byte { return d.data }

// Len returns the number of elements.
func (d *Dense) Len() int { return core.NumElements(d.shape) }

// At returns the element at coord.
func (d *Dense) At(coord ...int) (float64, error) {
	i, err := core.Ravel(d.shape, coord)
	if err != nil {
		return 0, err
	}
	return d.dtype.Load(d.data, i), nil
}

// Set stores v at coord.
func (d *Dense) Set(v float64, coord ...int) error {
	i, err := core.Ravel(d.shape, coord)
	if err != nil {
		return err
	}
	d.dtype.Store(d.data, i, v)
	return nil
}

// Float64s returns all elements in row-major order.
func (d *Dense) Float64s() []float64 {
	out := make([]float64, d.Len())
	for i := range out {
		out[i] = d.dtype.Load(d.data, i)
	}
	return out
}

// Bools returns all elements as truth values.
func (d *Dense) Bools() []bool {
	out := make([]bool, d.Len())
	for i := range out {
		out[i] = d.dtype.Load(d.data, i) != 0
	}
	return out
}

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	return &Dense{shape: d.Shape(), dtype: d.dtype, data: append([]byte{}, d.data...)}
}

// Reshape returns a view with a new shape holding the same number of elements.
func (d *Dense) Reshape(shape []int) (*Dense, error) {
	if core.NumElements(shape) != d.Len() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", core.ErrShape, d.shape, shape)
	}
	return &Dense{shape: append([]int{}, shape...), dtype: d.dtype, data: d.data}, nil
}

// Region returns a copy of the sub-block selected by ranges.
func (d *Dense) Region(ranges []core.Range) (*Dense, error) {
	if err := core.CheckRanges(d.shape, ranges); err != nil {
		return nil, err
	}
	out := Zeros(core.RangesShape(ranges), d.dtype)
	core.ForEachIndex(d.shape, ranges, func(flat, local int) {
		d.dtype.CopyElement(out.data, local, d.data, flat)
	})
	return out, nil
}

// SetRegion copies src into the sub-block selected by ranges.
func (d *Dense) SetRegion(ranges []core.Range, src *Dense) error {
	if err := core.CheckRanges(d.shape, ranges); err != nil {
		return err
	}
	if src.dtype != d.dtype {
		return fmt.Errorf("%w: %v into %v", core.ErrDType, src.dtype, d.dtype)
	}
	if src.Len() != core.NumElements(core.RangesShape(ranges)) {
		return fmt.Errorf("%w: source %v does not fill region %v", core.ErrShape, src.shape, ranges)
	}
	core.ForEachIndex(d.shape, ranges, func(flat, local int) {
		d.dtype.CopyElement(d.data, flat, src.data, local)
	})
	return nil
}

func (d *Dense) String() string {
	return fmt.Sprintf("dense(%v, %v)", d.shape, d.dtype)
}
