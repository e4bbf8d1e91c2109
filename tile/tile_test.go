package tile

import (
	"testing"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShapeStartsUninitialized(t *testing.T) {
	t.Parallel()
	tl, err := FromShape([]int{2, 2}, core.Float64, RepDense)
	require.NoError(t, err)
	assert.False(t, tl.Initialized())
	assert.Equal(t, 0, tl.ValidCount())
	assert.True(t, tl.Initialized(), "consulting validity initializes the tile")
	assert.Equal(t, []bool{false, false, false, false}, tl.Valid())

	_, err = FromShape([]int{4}, core.Float64, RepSparseCSR)
	assert.ErrorIs(t, err, core.ErrShape)

	_, err = FromShape([]int{4}, core.DType('z'), RepDense)
	assert.ErrorIs(t, err, core.ErrDType)
}

func TestFromValueIsFullyValid(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(dense(t, []int{3}, 1, 2, 3))
	require.NoError(t, err)
	assert.True(t, tl.Initialized())
	assert.Equal(t, []bool{true, true, true}, tl.Valid())

	v, err := tl.ReadAt(2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestFromValueCopiesInput(t *testing.T) {
	t.Parallel()
	src := dense(t, []int{2}, 1, 2)
	tl, err := FromValue(src)
	require.NoError(t, err)
	require.NoError(t, src.Set(9, 0))

	v, err := tl.ReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestFromIntersection(t *testing.T) {
	t.Parallel()
	target := core.MustExtent([]int{0, 0}, []int{3, 3}, []int{6, 6})
	overlap := core.MustExtent([]int{1, 1}, []int{2, 2}, []int{6, 6})

	tl, err := FromIntersection(target, overlap, dense(t, []int{2, 2}, 1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, tl.Shape())
	assert.Equal(t, []bool{
		false, false, false,
		false, true, true,
		false, true, true,
	}, tl.Valid())

	v, err := tl.ReadAt(2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = FromIntersection(target, overlap, dense(t, []int{1, 2}, 1, 2))
	assert.ErrorIs(t, err, core.ErrShape)

	outside := core.MustExtent([]int{4, 4}, []int{2, 2}, []int{6, 6})
	_, err = FromIntersection(target, outside, dense(t, []int{2, 2}, 1, 2, 3, 4))
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestReadPolicy(t *testing.T) {
	t.Parallel()
	target := core.MustExtent([]int{0}, []int{4}, []int{4})
	overlap := core.MustExtent([]int{0}, []int{2}, []int{4})

	relaxed, err := FromIntersection(target, overlap, dense(t, []int{2}, 5, 6))
	require.NoError(t, err)
	v, err := relaxed.ReadAt(3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	strict, err := FromIntersection(target, overlap, dense(t, []int{2}, 5, 6), WithReadPolicy(ReadStrict))
	require.NoError(t, err)
	_, err = strict.ReadAt(3)
	assert.ErrorIs(t, err, core.ErrUninitializedRead)
	_, err = strict.Read([]core.Range{{Start: 1, Stop: 3}})
	assert.ErrorIs(t, err, core.ErrUninitializedRead)

	got, err := strict.Read([]core.Range{{Start: 0, Stop: 2}})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6}, got.(*array.Dense).Float64s())

	p, err := ParseReadPolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, ReadStrict, p)
	_, err = ParseReadPolicy("lenient")
	assert.Error(t, err)
}

func TestReadOutOfBounds(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(dense(t, []int{2, 2}, 1, 2, 3, 4))
	require.NoError(t, err)

	_, err = tl.ReadAt(2, 0)
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = tl.Read([]core.Range{{Start: 0, Stop: 3}, {Start: 0, Stop: 1}})
	assert.ErrorIs(t, err, core.ErrShape)
	assert.ErrorIs(t, tl.WriteAt(1, 0, 5), core.ErrShape)
}

func TestWriteRegion(t *testing.T) {
	t.Parallel()
	tl, err := FromShape([]int{2, 3}, core.Float64, RepDense)
	require.NoError(t, err)

	require.NoError(t, tl.Write([]core.Range{{Start: 0, Stop: 2}, {Start: 1, Stop: 2}}, dense(t, []int{2, 1}, 7, 8)))
	assert.Equal(t, []bool{false, true, false, false, true, false}, tl.Valid())

	got, err := tl.Read(core.FullRanges([]int{2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 7, 0, 0, 8, 0}, got.(*array.Dense).Float64s())

	err = tl.Write([]core.Range{{Start: 0, Stop: 1}, {Start: 0, Stop: 1}}, array.Scalar(core.Float32, 1))
	assert.ErrorIs(t, err, core.ErrDType)
}

func TestWriteSparseMarksStoredCellsOnly(t *testing.T) {
	t.Parallel()
	tl, err := FromShape([]int{2, 2}, core.Float64, RepDense)
	require.NoError(t, err)

	full := core.FullRanges([]int{2, 2})
	require.NoError(t, tl.Write(full, coo(t, [2]int{2, 2}, []int{0}, []int{1}, 3)))
	assert.Equal(t, []bool{false, true, false, false}, tl.Valid())
	assert.Equal(t, 1, tl.ValidCount())

	m, err := FromShape([]int{2, 2}, core.Float64, RepMasked)
	require.NoError(t, err)
	require.NoError(t, m.Write(full, masked(t, dense(t, []int{2, 2}, 1, 2, 3, 4), true, true, true, true)))
	require.NoError(t, m.Write(full, coo(t, [2]int{2, 2}, []int{1}, []int{0}, 9)))
	got, err := m.Materialize()
	require.NoError(t, err)
	mv := got.(*array.Masked)
	assert.Equal(t, []float64{1, 2, 9, 4}, mv.Data.Float64s())
	assert.Equal(t, []bool{true, true, false, true}, mv.Mask, "only the stored entry unmasks")
}

func TestReadSparseRegion(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(coo(t, [2]int{3, 3}, []int{0, 1, 2}, []int{0, 2, 1}, 1, 2, 3))
	require.NoError(t, err)

	got, err := tl.ReadSparse([]core.Range{{Start: 1, Stop: 3}, {Start: 1, Stop: 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, got.Shape())
	assert.Equal(t, []int{0, 1}, got.Row)
	assert.Equal(t, []int{1, 0}, got.Col)
	assert.Equal(t, []float64{2, 3}, got.Values.Float64s())

	empty, err := tl.ReadSparse([]core.Range{{Start: 0, Stop: 1}, {Start: 1, Stop: 3}})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Nnz())

	d, err := FromValue(dense(t, []int{2, 2}, 1, 2, 3, 4))
	require.NoError(t, err)
	_, err = d.ReadSparse(core.FullRanges([]int{2, 2}))
	assert.ErrorIs(t, err, core.ErrUnsupportedRepresentation)
}

func TestToDenseKeepsStoredValidity(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(coo(t, [2]int{2, 2}, []int{1}, []int{1}, 5))
	require.NoError(t, err)
	tl.ToDense()
	assert.Equal(t, RepDense, tl.Rep())
	assert.Equal(t, []bool{false, false, false, true}, tl.Valid())
}

func TestWriteMaskedPromotesDense(t *testing.T) {
	t.Parallel()
	tl, err := FromShape([]int{3}, core.Float64, RepDense)
	require.NoError(t, err)

	require.NoError(t, tl.Write([]core.Range{{Start: 1, Stop: 3}}, masked(t, dense(t, []int{2}, 4, 5), true, false)))
	assert.Equal(t, RepMasked, tl.Rep())

	got, err := tl.Materialize()
	require.NoError(t, err)
	m := got.(*array.Masked)
	assert.Equal(t, []bool{false, true, false}, m.Mask)
	assert.Equal(t, []float64{0, 4, 5}, m.Data.Float64s())
}

func TestScalarTile(t *testing.T) {
	t.Parallel()
	tl, err := FromShape(nil, core.Int64, RepDense)
	require.NoError(t, err)

	_, ok := tl.ScalarValue()
	assert.False(t, ok)
	v, err := tl.ReadAt()
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	tl.SetReadPolicy(ReadStrict)
	_, err = tl.ReadAt()
	assert.ErrorIs(t, err, core.ErrUninitializedRead)
	_, err = tl.Materialize()
	assert.ErrorIs(t, err, core.ErrUninitializedRead)

	require.NoError(t, tl.WriteAt(42))
	got, ok := tl.ScalarValue()
	assert.True(t, ok)
	assert.Equal(t, 42.0, got)
	assert.Equal(t, 1, tl.ValidCount())

	_, err = tl.ReadAt(0)
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestSparseTileWritesAndReads(t *testing.T) {
	t.Parallel()
	tl, err := FromShape([]int{2, 3}, core.Float64, RepSparseCSR)
	require.NoError(t, err)

	require.NoError(t, tl.WriteAt(5, 1, 2))
	require.NoError(t, tl.WriteAt(3, 0, 1))
	require.NoError(t, tl.WriteAt(4, 1, 2))
	assert.Equal(t, 2, tl.ValidCount())

	v, err := tl.ReadAt(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v, "sparse writes replace")
	v, err = tl.ReadAt(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v, "absent entries read as zero")

	got, err := tl.Materialize()
	require.NoError(t, err)
	want := csr(t, [2]int{2, 3}, []int{1, 2}, []int{0, 1, 2}, 3, 4)
	assert.True(t, array.Equal(want, got), "got %v", got)

	region, err := tl.Read([]core.Range{{Start: 0, Stop: 2}, {Start: 1, Stop: 3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0, 0, 4}, region.(*array.Dense).Float64s())
}

func TestSparseFromIntersectionShiftsCoordinates(t *testing.T) {
	t.Parallel()
	target := core.MustExtent([]int{0, 0}, []int{4, 4}, []int{4, 4})
	overlap := core.MustExtent([]int{2, 2}, []int{2, 2}, []int{4, 4})

	tl, err := FromIntersection(target, overlap, coo(t, [2]int{2, 2}, []int{1}, []int{0}, 9))
	require.NoError(t, err)
	assert.Equal(t, RepSparseCOO, tl.Rep())
	v, err := tl.ReadAt(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)
}

func TestMaterializeRoundTrip(t *testing.T) {
	t.Parallel()
	values := []array.Value{
		dense(t, []int{2, 2}, 1, 2, 3, 4),
		masked(t, dense(t, []int{2}, 1, 2), false, true),
		coo(t, [2]int{3, 3}, []int{0, 2}, []int{1, 0}, 1, 2),
		csr(t, [2]int{2, 2}, []int{0, 1}, []int{0, 1, 2}, 1, 2),
		csc(t, [2]int{2, 2}, []int{1, 0}, []int{0, 1, 2}, 1, 2),
	}
	for _, v := range values {
		tl, err := FromValue(v)
		require.NoError(t, err)
		got, err := tl.Materialize()
		require.NoError(t, err)
		assert.True(t, array.Equal(v, got), "materialize changed %v", v)
	}
}

func TestCOODuplicatesAreSummed(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(coo(t, [2]int{2, 2}, []int{1, 0, 1}, []int{1, 0, 1}, 2, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, tl.ValidCount())

	got, err := tl.Materialize()
	require.NoError(t, err)
	c := got.(*array.COO)
	assert.Equal(t, []int{0, 1}, c.Row)
	assert.Equal(t, []int{0, 1}, c.Col)
	assert.Equal(t, []float64{1, 5}, c.Values.Float64s())
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	tl, err := FromValue(dense(t, []int{2}, 1, 2))
	require.NoError(t, err)
	c := tl.Clone()
	require.NoError(t, c.WriteAt(9, 0))

	v, err := tl.ReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}
