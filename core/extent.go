package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a half-open index interval [Start, Stop) along one axis.
type Range struct {
	Start int
	Stop  int
}

// Len returns the number of indices covered by the range.
func (r Range) Len() int {
	if r.Stop < r.Start {
		return 0
	}
	return r.Stop - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.Stop)
}

// FullRanges returns ranges covering every index of shape.
func FullRanges(shape []int) []Range {
	out := make([]Range, len(shape))
	for i, n := range shape {
		out[i] = Range{0, n}
	}
	return out
}

// Extent is an axis-aligned rectangular region of an array: a per-axis
// offset and shape, plus the shape of the full array it is cut from.
//
// Extents are values. Methods never modify the receiver and constructors
// copy their inputs, so an Extent may be shared between goroutines.
type Extent struct {
	offset     []int
	shape      []int
	arrayShape []int
}

// NewExtent builds an extent and checks that it lies inside arrayShape.
func NewExtent(offset, shape, arrayShape []int) (Extent, error) {
	if len(offset) != len(shape) || len(shape) != len(arrayShape) {
		return Extent{}, fmt.Errorf("%w: extent rank mismatch: offset %v shape %v array %v",
			ErrShape, offset, shape, arrayShape)
	}
	for i := range shape {
		if offset[i] < 0 || shape[i] < 0 || offset[i]+shape[i] > arrayShape[i] {
			return Extent{}, fmt.Errorf("%w: axis %d: offset %d + shape %d outside array dim %d",
				ErrShape, i, offset[i], shape[i], arrayShape[i])
		}
	}
	return Extent{
		offset:     cloneInts(offset),
		shape:      cloneInts(shape),
		arrayShape: cloneInts(arrayShape),
	}, nil
}

// MustExtent is NewExtent for literals known to be valid. It panics otherwise.
func MustExtent(offset, shape, arrayShape []int) Extent {
	ex, err := NewExtent(offset, shape, arrayShape)
	if err != nil {
		panic(err)
	}
	return ex
}

// FromShape returns the extent covering an entire array.
func FromShape(shape []int) Extent {
	return Extent{
		offset:     make([]int, len(shape)),
		shape:      cloneInts(shape),
		arrayShape: cloneInts(shape),
	}
}

// FromCorners builds an extent from its upper-left (inclusive) and
// lower-right (exclusive) corners.
func FromCorners(ul, lr, arrayShape []int) (Extent, error) {
	if len(ul) != len(lr) {
		return Extent{}, fmt.Errorf("%w: corner rank mismatch %v %v", ErrShape, ul, lr)
	}
	shape := make([]int, len(ul))
	for i := range ul {
		shape[i] = lr[i] - ul[i]
	}
	return NewExtent(ul, shape, arrayShape)
}

// Offset returns a copy of the per-axis start.
func (e Extent) Offset() []int { return cloneInts(e.offset) }

// Shape returns a copy of the per-axis length.
func (e Extent) Shape() []int { return cloneInts(e.shape) }

// ArrayShape returns a copy of the enclosing array's shape.
func (e Extent) ArrayShape() []int { return cloneInts(e.arrayShape) }

// Ndim returns the number of axes.
func (e Extent) Ndim() int { return len(e.shape) }

// Size returns the number of elements covered.
func (e Extent) Size() int { return NumElements(e.shape) }

// Ul returns the upper-left corner (inclusive).
func (e Extent) Ul() []int { return cloneInts(e.offset) }

// Lr returns the lower-right corner (exclusive).
func (e Extent) Lr() []int {
	lr := make([]int, len(e.offset))
	for i := range e.offset {
		lr[i] = e.offset[i] + e.shape[i]
	}
	return lr
}

// Ranges returns the global per-axis ranges covered by the extent.
func (e Extent) Ranges() []Range {
	out := make([]Range, len(e.offset))
	for i := range e.offset {
		out[i] = Range{e.offset[i], e.offset[i] + e.shape[i]}
	}
	return out
}

// Contains reports whether inner lies entirely inside e.
func (e Extent) Contains(inner Extent) bool {
	if !intsEqual(e.arrayShape, inner.arrayShape) {
		return false
	}
	for i := range e.offset {
		if inner.offset[i] < e.offset[i] ||
			inner.offset[i]+inner.shape[i] > e.offset[i]+e.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two extents describe the same region of the same array.
func (e Extent) Equal(o Extent) bool {
	return intsEqual(e.offset, o.offset) &&
		intsEqual(e.shape, o.shape) &&
		intsEqual(e.arrayShape, o.arrayShape)
}

// Key returns a stable string identifying the region, usable as a map key.
func (e Extent) Key() string {
	var b strings.Builder
	for i := range e.offset {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(e.offset[i]))
		b.WriteByte('+')
		b.WriteString(strconv.Itoa(e.shape[i]))
	}
	return b.String()
}

func (e Extent) String() string {
	return fmt.Sprintf("extent(%v, %v of %v)", e.offset, e.shape, e.arrayShape)
}

// Intersect returns the overlapping region of two extents of the same array.
// The boolean is false when the extents are disjoint.
func Intersect(a, b Extent) (Extent, bool) {
	if !intsEqual(a.arrayShape, b.arrayShape) {
		return Extent{}, false
	}
	offset := make([]int, len(a.offset))
	shape := make([]int, len(a.offset))
	for i := range a.offset {
		lo := max(a.offset[i], b.offset[i])
		hi := min(a.offset[i]+a.shape[i], b.offset[i]+b.shape[i])
		if hi <= lo {
			return Extent{}, false
		}
		offset[i] = lo
		shape[i] = hi - lo
	}
	return Extent{offset: offset, shape: shape, arrayShape: cloneInts(a.arrayShape)}, true
}

// OffsetSlice returns the ranges, in outer's local coordinates, that cover
// inner's global region. inner must be contained in outer.
func OffsetSlice(outer, inner Extent) ([]Range, error) {
	if !outer.Contains(inner) {
		return nil, fmt.Errorf("%w: %v not contained in %v", ErrShape, inner, outer)
	}
	out := make([]Range, len(outer.offset))
	for i := range outer.offset {
		start := inner.offset[i] - outer.offset[i]
		out[i] = Range{start, start + inner.shape[i]}
	}
	return out, nil
}

// DropAxis removes one axis from the extent. Negative axes count from the end.
func DropAxis(e Extent, axis int) (Extent, error) {
	n := len(e.shape)
	if axis < 0 {
		axis += n
	}
	if axis < 0 || axis >= n {
		return Extent{}, fmt.Errorf("%w: axis %d out of range for rank %d", ErrShape, axis, n)
	}
	return Extent{
		offset:     dropInt(e.offset, axis),
		shape:      dropInt(e.shape, axis),
		arrayShape: dropInt(e.arrayShape, axis),
	}, nil
}

func dropInt(s []int, i int) []int {
	out := make([]int, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool { return intsEqual(a, b) }
