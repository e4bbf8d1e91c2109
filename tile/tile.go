// Package tile implements the unit of storage of a distributed array: a
// rectangular block that tracks which of its elements hold valid data and
// accepts concurrent contributions through a merge protocol.
//
// A tile holds its payload in one of five representations (dense, masked,
// COO, CSR, CSC). Dense and masked tiles carry a per-element validity map;
// cells become valid when written or merged and never become invalid again.
// Zero-axis (scalar) tiles carry no validity: an unset payload marks them as
// uninitialized.
//
// Tiles are not safe for concurrent mutation. The store serializes merges
// per tile.
package tile

import (
	"fmt"
	"slices"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
)

// ReadPolicy selects how reads treat never-written cells.
type ReadPolicy uint8

const (
	// ReadRelaxed returns whatever the payload holds.
	ReadRelaxed ReadPolicy = iota
	// ReadStrict fails with core.ErrUninitializedRead.
	ReadStrict
)

func (p ReadPolicy) String() string {
	if p == ReadStrict {
		return "strict"
	}
	return "relaxed"
}

// ParseReadPolicy accepts "relaxed" or "strict".
func ParseReadPolicy(s string) (ReadPolicy, error) {
	switch s {
	case "", "relaxed":
		return ReadRelaxed, nil
	case "strict":
		return ReadStrict, nil
	}
	return 0, fmt.Errorf("unknown read policy %q", s)
}

type validityInit uint8

const (
	validNone validityInit = iota
	validAll
	validExplicit
)

// Option configures a tile at construction.
type Option func(*Tile)

// WithReadPolicy sets the read policy.
func WithReadPolicy(p ReadPolicy) Option {
	return func(t *Tile) { t.policy = p }
}

// Tile is a block of array data with per-element validity.
type Tile struct {
	shape []int
	dtype core.DType
	rep   Representation

	data []byte // dense and masked elements; nil for an unset scalar
	mask []bool // masked only
	sp   coords // sparse only

	valid       []bool
	validInit   validityInit
	initialized bool
	policy      ReadPolicy
}

// FromShape returns an uninitialized tile with no valid cells. Sparse tiles
// start empty.
func FromShape(shape []int, dt core.DType, rep Representation, opts ...Option) (*Tile, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrDType, dt)
	}
	if !rep.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrUnsupportedRepresentation, rep)
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", core.ErrShape, shape)
		}
	}
	if rep.Sparse() && len(shape) != 2 {
		return nil, fmt.Errorf("%w: %v tiles must be 2-D, got %v", core.ErrShape, rep, shape)
	}
	t := &Tile{shape: slices.Clone(shape), dtype: dt, rep: rep, validInit: validNone}
	n := core.NumElements(shape)
	if !rep.Sparse() && len(shape) > 0 {
		t.data = core.AlignedBytes(n * dt.Size())
		if rep == RepMasked {
			t.mask = make([]bool, n)
		}
	}
	t.apply(opts)
	return t, nil
}

// FromValue builds an initialized, fully valid tile holding a copy of v.
func FromValue(v array.Value, opts ...Option) (*Tile, error) {
	in, err := ToInternal(v)
	if err != nil {
		return nil, err
	}
	t, err := FromPayload(in, opts...)
	if err != nil {
		return nil, err
	}
	t.initialize()
	return t, nil
}

// FromPayload builds a fully valid tile from a copy of in.
func FromPayload(in Internal, opts ...Option) (*Tile, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Rep.Sparse() && len(in.Shape) != 2 {
		return nil, fmt.Errorf("%w: %v tiles must be 2-D", core.ErrShape, in.Rep)
	}
	t := &Tile{shape: slices.Clone(in.Shape), dtype: in.DType, rep: in.Rep, validInit: validAll}
	switch p := in.Payload.(type) {
	case DenseData:
		t.data = core.AlignedCopy(p.Data)
	case MaskedData:
		t.data = core.AlignedCopy(p.Data)
		t.mask = slices.Clone(p.Mask)
	default:
		sp, err := coordsFromPayload(p, in.Shape, in.DType)
		if err != nil {
			return nil, err
		}
		sp.sort(in.Rep, in.Shape[1])
		t.sp = sp
	}
	t.apply(opts)
	return t, nil
}

// FromIntersection builds a tile covering target whose valid cells are
// exactly the overlap region, holding v there. v must have overlap's shape.
func FromIntersection(target, overlap core.Extent, v array.Value, opts ...Option) (*Tile, error) {
	ranges, err := core.OffsetSlice(target, overlap)
	if err != nil {
		return nil, err
	}
	return placed(target.Shape(), ranges, v, opts...)
}

// placed builds a tile of shape holding v inside ranges and nothing else.
func placed(shape []int, ranges []core.Range, v array.Value, opts ...Option) (*Tile, error) {
	in, err := ToInternal(v)
	if err != nil {
		return nil, err
	}
	t, err := FromShape(shape, in.DType, in.Rep, opts...)
	if err != nil {
		return nil, err
	}
	t.validInit = validExplicit
	if err := t.Write(ranges, v); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tile) apply(opts []Option) {
	for _, o := range opts {
		o(t)
	}
}

// initialize materializes validity on first use.
func (t *Tile) initialize() {
	if t.initialized {
		return
	}
	t.initialized = true
	if t.rep.Sparse() || len(t.shape) == 0 || t.valid != nil {
		return
	}
	t.valid = make([]bool, core.NumElements(t.shape))
	if t.validInit == validAll {
		for i := range t.valid {
			t.valid[i] = true
		}
	}
}

func (t *Tile) Shape() []int           { return slices.Clone(t.shape) }
func (t *Tile) DType() core.DType      { return t.dtype }
func (t *Tile) Rep() Representation    { return t.rep }
func (t *Tile) ReadPolicy() ReadPolicy { return t.policy }

// SetReadPolicy changes the read policy, e.g. for tiles decoded from storage.
func (t *Tile) SetReadPolicy(p ReadPolicy) { t.policy = p }

// Scalar reports whether the tile has zero axes.
func (t *Tile) Scalar() bool { return len(t.shape) == 0 }

// Initialized reports whether the tile has left the uninitialized state.
func (t *Tile) Initialized() bool { return t.initialized }

// Size returns the number of cells.
func (t *Tile) Size() int { return core.NumElements(t.shape) }

// Valid returns a copy of the validity map. Scalar and sparse tiles have none.
func (t *Tile) Valid() []bool {
	t.initialize()
	return slices.Clone(t.valid)
}

// validView returns the validity map t would have once initialized, without
// initializing it. The result may alias t.valid and must not be written.
func (t *Tile) validView() []bool {
	if t.valid != nil || t.rep.Sparse() || t.Scalar() {
		return t.valid
	}
	v := make([]bool, core.NumElements(t.shape))
	if t.validInit == validAll {
		for i := range v {
			v[i] = true
		}
	}
	return v
}

// ValidCount returns the number of cells holding data: valid cells for
// dense and masked tiles, stored entries for sparse tiles, and 0 or 1 for
// scalars.
func (t *Tile) ValidCount() int {
	switch {
	case t.Scalar():
		if t.data != nil {
			return 1
		}
		return 0
	case t.rep.Sparse():
		return t.sp.nnz()
	}
	t.initialize()
	n := 0
	for _, ok := range t.valid {
		if ok {
			n++
		}
	}
	return n
}

// ScalarValue returns a scalar tile's value. The boolean is false while the
// scalar is unset.
func (t *Tile) ScalarValue() (float64, bool) {
	if !t.Scalar() || t.data == nil {
		return 0, false
	}
	return t.dtype.Load(t.data, 0), true
}

// ReadAt returns the element at coord.
func (t *Tile) ReadAt(coord ...int) (float64, error) {
	t.initialize()
	if t.Scalar() {
		if len(coord) != 0 {
			return 0, fmt.Errorf("%w: index %v into scalar tile", core.ErrShape, coord)
		}
		if t.data == nil {
			if t.policy == ReadStrict {
				return 0, core.ErrUninitializedRead
			}
			return 0, nil
		}
		return t.dtype.Load(t.data, 0), nil
	}
	flat, err := core.Ravel(t.shape, coord)
	if err != nil {
		return 0, err
	}
	if t.rep.Sparse() {
		if i := t.sp.index(flat); i >= 0 {
			return t.dtype.Load(t.sp.vals, i), nil
		}
		return 0, nil
	}
	if t.policy == ReadStrict && !t.valid[flat] {
		return 0, fmt.Errorf("%w: cell %v", core.ErrUninitializedRead, coord)
	}
	return t.dtype.Load(t.data, flat), nil
}

// Read returns a copy of the region selected by ranges: a Dense value, or a
// Masked value for masked tiles. Sparse tiles read absent entries as zero.
func (t *Tile) Read(ranges []core.Range) (array.Value, error) {
	t.initialize()
	if t.Scalar() {
		if len(ranges) != 0 {
			return nil, fmt.Errorf("%w: %d ranges for scalar tile", core.ErrShape, len(ranges))
		}
		if t.data == nil && t.policy == ReadStrict {
			return nil, core.ErrUninitializedRead
		}
		return t.scalarValue(), nil
	}
	if err := core.CheckRanges(t.shape, ranges); err != nil {
		return nil, err
	}
	if t.rep.Sparse() {
		data, _ := t.sp.densify(t.shape, t.dtype)
		d, err := array.NewDense(t.shape, t.dtype, data)
		if err != nil {
			return nil, err
		}
		return d.Region(ranges)
	}
	if t.policy == ReadStrict {
		var bad bool
		core.ForEachIndex(t.shape, ranges, func(flat, _ int) {
			if !t.valid[flat] {
				bad = true
			}
		})
		if bad {
			return nil, fmt.Errorf("%w: region %v", core.ErrUninitializedRead, ranges)
		}
	}
	d, err := array.NewDense(t.shape, t.dtype, t.data)
	if err != nil {
		return nil, err
	}
	if t.rep == RepMasked {
		m, err := array.NewMasked(d, t.mask)
		if err != nil {
			return nil, err
		}
		return m.Region(ranges)
	}
	return d.Region(ranges)
}

func (t *Tile) scalarValue() array.Value {
	d := array.Zeros(nil, t.dtype)
	if t.data != nil {
		copy(d.Data(), t.data)
	}
	if t.rep == RepMasked {
		mask := []bool{false}
		if t.mask != nil {
			mask[0] = t.mask[0]
		}
		m, _ := array.NewMasked(d, mask)
		return m
	}
	return d
}

// WriteAt stores v at coord and marks the cell valid.
func (t *Tile) WriteAt(v float64, coord ...int) error {
	t.initialize()
	if t.Scalar() {
		if len(coord) != 0 {
			return fmt.Errorf("%w: index %v into scalar tile", core.ErrShape, coord)
		}
		if t.data == nil {
			t.data = core.AlignedBytes(t.dtype.Size())
			if t.rep == RepMasked {
				t.mask = []bool{false}
			}
		}
		t.dtype.Store(t.data, 0, v)
		return nil
	}
	flat, err := core.Ravel(t.shape, coord)
	if err != nil {
		return err
	}
	if t.rep.Sparse() {
		val := core.AlignedBytes(t.dtype.Size())
		t.dtype.Store(val, 0, v)
		return t.writeSparse([]int{flat}, val)
	}
	t.dtype.Store(t.data, flat, v)
	t.valid[flat] = true
	return nil
}

// Write copies v into the region selected by ranges and marks it valid. v
// must have the region's shape and the tile's dtype. Writing a masked value
// into a dense tile promotes the tile to masked. Sparse tiles insert or
// replace one entry per written coordinate; sparse values only write their
// stored entries.
func (t *Tile) Write(ranges []core.Range, v array.Value) error {
	in, err := ToInternal(v)
	if err != nil {
		return err
	}
	if in.DType != t.dtype {
		return fmt.Errorf("%w: writing %v into %v tile", core.ErrDType, in.DType, t.dtype)
	}
	if err := core.CheckRanges(t.shape, ranges); err != nil {
		return err
	}
	region := core.RangesShape(ranges)
	if !core.ShapeEqual(region, in.Shape) {
		return fmt.Errorf("%w: value %v does not fill region %v", core.ErrShape, in.Shape, ranges)
	}
	if err := in.Validate(); err != nil {
		return err
	}
	t.initialize()

	if t.Scalar() {
		t.data = core.AlignedBytes(t.dtype.Size())
		switch p := in.Payload.(type) {
		case DenseData:
			copy(t.data, p.Data)
			if t.rep == RepMasked {
				t.mask = []bool{false}
			}
		case MaskedData:
			copy(t.data, p.Data)
			t.rep = RepMasked
			t.mask = slices.Clone(p.Mask)
		}
		return nil
	}

	if t.rep.Sparse() {
		keys, vals, err := regionEntries(in, ranges, t.shape)
		if err != nil {
			return err
		}
		return t.writeSparse(keys, vals)
	}

	var src []byte
	var srcMask, present []bool
	switch p := in.Payload.(type) {
	case DenseData:
		src = p.Data
	case MaskedData:
		src, srcMask = p.Data, p.Mask
		t.promoteMasked()
	default:
		sp, err := coordsFromPayload(p, in.Shape, in.DType)
		if err != nil {
			return err
		}
		src, present = sp.densify(in.Shape, in.DType)
	}
	core.ForEachIndex(t.shape, ranges, func(flat, local int) {
		if present != nil && !present[local] {
			return
		}
		t.dtype.CopyElement(t.data, flat, src, local)
		t.valid[flat] = true
		if t.rep == RepMasked {
			t.mask[flat] = srcMask != nil && srcMask[local]
		}
	})
	return nil
}

// ReadSparse returns the stored entries of a sparse tile that fall inside
// ranges, as a COO matrix in the region's coordinates.
func (t *Tile) ReadSparse(ranges []core.Range) (*array.COO, error) {
	if !t.rep.Sparse() {
		return nil, fmt.Errorf("%w: sparse read of %v tile", core.ErrUnsupportedRepresentation, t.rep)
	}
	if err := core.CheckRanges(t.shape, ranges); err != nil {
		return nil, err
	}
	region := core.RangesShape(ranges)
	cols, sz := t.shape[1], t.dtype.Size()
	var rows, cs []int
	var vals []byte
	for i, k := range t.sp.keys {
		r, c := k/cols, k%cols
		if r < ranges[0].Start || r >= ranges[0].Stop || c < ranges[1].Start || c >= ranges[1].Stop {
			continue
		}
		rows = append(rows, r-ranges[0].Start)
		cs = append(cs, c-ranges[1].Start)
		vals = append(vals, t.sp.vals[i*sz:(i+1)*sz]...)
	}
	values, err := array.NewDense([]int{len(rows)}, t.dtype, core.AlignedCopy(vals))
	if err != nil {
		return nil, err
	}
	return array.NewCOO([2]int{region[0], region[1]}, rows, cs, values)
}

// ToDense converts a sparse tile into a dense one whose valid cells are
// exactly the stored coordinates. Dense and masked tiles are unchanged.
func (t *Tile) ToDense() { t.densify() }

// regionEntries lists the coordinates v writes into a sparse tile of shape
// at ranges, as flat keys with their values.
func regionEntries(in Internal, ranges []core.Range, shape []int) ([]int, []byte, error) {
	if in.Rep.Sparse() {
		sp, err := coordsFromPayload(in.Payload, in.Shape, in.DType)
		if err != nil {
			return nil, nil, err
		}
		keys := make([]int, len(sp.keys))
		for i, k := range sp.keys {
			r, c := k/in.Shape[1], k%in.Shape[1]
			keys[i] = (r+ranges[0].Start)*shape[1] + c + ranges[1].Start
		}
		return keys, sp.vals, nil
	}
	var src []byte
	switch p := in.Payload.(type) {
	case DenseData:
		src = p.Data
	case MaskedData:
		src = p.Data
	}
	keys := make([]int, 0, core.NumElements(in.Shape))
	core.ForEachIndex(shape, ranges, func(flat, _ int) {
		keys = append(keys, flat)
	})
	return keys, src, nil
}

func (t *Tile) writeSparse(keys []int, vals []byte) error {
	if _, err := t.sp.upsert(t.dtype, kernels.Replace, keys, vals); err != nil {
		return err
	}
	t.sp.sort(t.rep, t.shape[1])
	return nil
}

// promoteMasked turns a dense tile into a masked tile with nothing excluded.
func (t *Tile) promoteMasked() {
	if t.rep != RepDense {
		return
	}
	t.rep = RepMasked
	t.mask = make([]bool, core.NumElements(t.shape))
}

// Materialize initializes the tile and returns a copy of its contents as an
// external value: Dense or Masked for dense and masked tiles (invalid cells
// read as whatever the payload holds, zero unless written), the matching
// sparse matrix for sparse tiles.
func (t *Tile) Materialize() (array.Value, error) {
	t.initialize()
	if t.Scalar() {
		if t.data == nil && t.policy == ReadStrict {
			return nil, core.ErrUninitializedRead
		}
		return t.scalarValue(), nil
	}
	return FromInternal(t.Internal())
}

// Internal returns a copy of the tile's payload in internal form. An unset
// scalar reports a zero payload.
func (t *Tile) Internal() Internal {
	in := Internal{Shape: slices.Clone(t.shape), DType: t.dtype, Rep: t.rep}
	data := t.data
	if data == nil && !t.rep.Sparse() {
		data = make([]byte, core.BufferSize(t.shape, t.dtype))
	}
	switch {
	case t.rep == RepDense:
		in.Payload = DenseData{Data: core.AlignedCopy(data)}
	case t.rep == RepMasked:
		mask := slices.Clone(t.mask)
		if mask == nil {
			mask = make([]bool, core.NumElements(t.shape))
		}
		in.Payload = MaskedData{Data: core.AlignedCopy(data), Mask: mask}
	default:
		in.Payload = t.sp.payload(t.rep, t.shape)
	}
	return in
}

// Clone returns a deep copy of t.
func (t *Tile) Clone() *Tile {
	c := *t
	c.shape = slices.Clone(t.shape)
	if t.data != nil {
		c.data = core.AlignedCopy(t.data)
	}
	c.mask = slices.Clone(t.mask)
	c.valid = slices.Clone(t.valid)
	c.sp = t.sp.clone()
	return &c
}

func (t *Tile) String() string {
	return fmt.Sprintf("tile(%v, %v, %v, valid=%d/%d)", t.shape, t.dtype, t.rep, t.ValidCount(), t.Size())
}
