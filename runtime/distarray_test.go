package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
)

func TestSplitExtents(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		shape   []int
		hint    []int
		workers int
		keys    []string
	}{
		{"scalar", nil, nil, 4, []string{""}},
		{"leading axis", []int{5, 3}, nil, 2, []string{"0+3,0+3", "3+2,0+3"}},
		{"more workers than rows", []int{2}, nil, 8, []string{"0+1", "1+1"}},
		{"grid", []int{3, 4}, []int{2, 3}, 1, []string{"0+2,0+3", "0+2,3+1", "2+1,0+3", "2+1,3+1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := splitExtents(tt.shape, tt.hint, tt.workers)
			require.NoError(t, err)
			keys := make([]string, len(got))
			for i, ex := range got {
				keys[i] = ex.Key()
			}
			assert.Equal(t, tt.keys, keys)
		})
	}

	_, err := splitExtents([]int{3, 3}, []int{2}, 1)
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = splitExtents([]int{3}, []int{0}, 1)
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	_, err := eng.Create(ctx, []int{0, 3}, core.Float64, CreateOptions{})
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = eng.Create(ctx, []int{3}, core.Float64, CreateOptions{Sparse: true})
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = eng.Create(ctx, []int{3}, core.DType(99), CreateOptions{})
	assert.ErrorIs(t, err, core.ErrDType)
	_, err = eng.Create(ctx, []int{3}, core.Float64, CreateOptions{Reducer: kernels.Reducer{Tag: kernels.ReduceCustom}})
	assert.ErrorIs(t, err, core.ErrUnsupportedMerge)

	a, err := eng.Create(ctx, []int{3}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, kernels.Replace, a.Reducer())
}

func TestFromValueGlom(t *testing.T) {
	t.Parallel()
	eng, st := newTestEngine(t, 3)
	ctx := context.Background()

	src := denseOf(t, []int{3, 2}, 1, 2, 3, 4, 5, 6)
	a, err := eng.FromValue(ctx, src, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, a.Shape())
	assert.Equal(t, core.Float64, a.DType())
	assert.Len(t, a.Tiles(), 3)
	assert.Equal(t, 3, st.Len())

	v, err := a.Glom(ctx)
	require.NoError(t, err)
	assert.True(t, array.Equal(src, v))
}

func TestFetchAcrossTiles(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 1)
	ctx := context.Background()

	vals := make([]float64, 16)
	for i := range vals {
		vals[i] = float64(i)
	}
	a, err := eng.FromValue(ctx, denseOf(t, []int{4, 4}, vals...), CreateOptions{TileHint: []int{2, 2}})
	require.NoError(t, err)
	require.Len(t, a.Extents(), 4)

	ex := core.MustExtent([]int{1, 1}, []int{2, 2}, []int{4, 4})
	v, err := a.Fetch(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 9, 10}, floatsOf(t, v))

	_, err = a.Fetch(ctx, core.FromShape([]int{5, 5}))
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestSelectRow(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.FromValue(ctx, denseOf(t, []int{3, 2}, 1, 2, 3, 4, 5, 6), CreateOptions{})
	require.NoError(t, err)

	row, err := a.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, row.Shape())
	assert.Equal(t, []float64{3, 4}, floatsOf(t, row))

	_, err = a.Select(ctx, 3)
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestUpdateAccumulates(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.Create(ctx, []int{4}, core.Float64, CreateOptions{Reducer: kernels.Add})
	require.NoError(t, err)

	full := core.FromShape([]int{4})
	middle := core.MustExtent([]int{1}, []int{2}, []int{4})
	require.NoError(t, a.Update(ctx, full, denseOf(t, []int{4}, 1, 1, 1, 1)))
	require.NoError(t, a.Update(ctx, middle, denseOf(t, []int{2}, 10, 20)))

	v, err := a.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 11, 21, 1}, floatsOf(t, v))

	assert.ErrorIs(t, a.Update(ctx, middle, denseOf(t, []int{3}, 1, 2, 3)), core.ErrShape)
	i32, err := array.FromFloat64s([]int{2}, core.Int32, []float64{1, 2})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Update(ctx, middle, i32), core.ErrDType)
}

func TestUpdateSparseIntoDenseTouchesStoredEntriesOnly(t *testing.T) {
	t.Parallel()
	for _, hint := range [][]int{{2, 2}, {1, 2}} {
		eng, _ := newTestEngine(t, 2)
		ctx := context.Background()

		a, err := eng.FromValue(ctx, denseOf(t, []int{2, 2}, 2, 2, 2, 2),
			CreateOptions{Reducer: kernels.Multiply, TileHint: hint})
		require.NoError(t, err)

		coo, err := array.NewCOO([2]int{2, 2}, []int{0}, []int{1}, denseOf(t, []int{1}, 3))
		require.NoError(t, err)
		require.NoError(t, a.Update(ctx, core.FromShape([]int{2, 2}), coo))

		v, err := a.Glom(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 6, 2, 2}, floatsOf(t, v), "hint %v", hint)

		// a sparse update over part of the array
		lower := core.MustExtent([]int{1, 0}, []int{1, 2}, []int{2, 2})
		row, err := array.NewCOO([2]int{1, 2}, []int{0}, []int{0}, denseOf(t, []int{1}, 5))
		require.NoError(t, err)
		require.NoError(t, a.Update(ctx, lower, row))

		v, err = a.Glom(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 6, 10, 2}, floatsOf(t, v), "hint %v", hint)
	}
}

func TestMaskedFetch(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	m, err := array.NewMasked(denseOf(t, []int{2, 2}, 1, 2, 3, 4), []bool{true, false, false, true})
	require.NoError(t, err)
	a, err := eng.FromValue(ctx, m, CreateOptions{})
	require.NoError(t, err)

	v, err := a.Glom(ctx)
	require.NoError(t, err)
	got, ok := v.(*array.Masked)
	require.True(t, ok, "expected masked result, got %T", v)
	assert.Equal(t, []float64{1, 2, 3, 4}, got.Data.Float64s())
	assert.Equal(t, []bool{true, false, false, true}, got.Mask)

	row, err := a.Select(ctx, 1)
	require.NoError(t, err)
	mrow, ok := row.(*array.Masked)
	require.True(t, ok)
	assert.Equal(t, []bool{false, true}, mrow.Mask)
}

func TestSparseArray(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.Create(ctx, []int{4, 3}, core.Float64, CreateOptions{Sparse: true, Reducer: kernels.Add})
	require.NoError(t, err)
	assert.True(t, a.Sparse())

	dense := denseOf(t, []int{4, 3},
		0, 1, 0,
		0, 0, 0,
		2, 0, 0,
		0, 0, 3)
	require.NoError(t, a.Update(ctx, core.FromShape([]int{4, 3}), dense))
	require.NoError(t, a.Update(ctx, core.FromShape([]int{4, 3}), dense))

	v, err := a.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 0, 0, 0, 0, 4, 0, 0, 0, 0, 6}, floatsOf(t, v))
}

func TestScalarArray(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.Create(ctx, nil, core.Float64, CreateOptions{Reducer: kernels.Add})
	require.NoError(t, err)
	require.Len(t, a.Extents(), 1)

	for _, x := range []float64{7, 3} {
		require.NoError(t, a.Update(ctx, core.FromShape(nil), array.Scalar(core.Float64, x)))
	}
	v, err := a.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, floatsOf(t, v))
}

func TestFree(t *testing.T) {
	t.Parallel()
	eng, st := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.Create(ctx, []int{4}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, st.Len())
	a.Free(ctx)
	assert.Zero(t, st.Len())
	assert.Empty(t, a.Tiles())
}

func TestToCOO(t *testing.T) {
	t.Parallel()
	m, err := array.NewMasked(denseOf(t, []int{2, 2}, 1, 0, 3, 4), []bool{false, false, false, true})
	require.NoError(t, err)
	c, err := toCOO(m)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, c.Row)
	assert.Equal(t, []int{0, 0}, c.Col)
	assert.Equal(t, []float64{1, 3}, c.Values.Float64s())

	_, err = toCOO(denseOf(t, []int{3}, 1, 2, 3))
	assert.ErrorIs(t, err, core.ErrShape)
}
