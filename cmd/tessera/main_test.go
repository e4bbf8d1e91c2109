package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFloats(t *testing.T, dir, name string, shape []int, dt core.DType, vals ...float64) string {
	t.Helper()
	d, err := array.FromFloat64s(shape, dt, vals)
	require.NoError(t, err)
	tl, err := tile.FromValue(d)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, writeTile(path, tl))
	return path
}

func floats(t *testing.T, path string) []float64 {
	t.Helper()
	tl, err := readTile(path)
	require.NoError(t, err)
	v, err := tl.Materialize()
	require.NoError(t, err)
	d, ok := v.(*array.Dense)
	require.True(t, ok, "expected dense, got %T", v)
	return d.Float64s()
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := writeFloats(t, dir, "a.tile", []int{2, 2}, core.Float32, 1, 2, 3, 4)

	out, err := run(t, "inspect", "--values", path)
	require.NoError(t, err)
	assert.Contains(t, out, "shape:       [2 2]")
	assert.Contains(t, out, "dtype:       float32")
	assert.Contains(t, out, "valid:       4/4")
	assert.Contains(t, out, "values:")
}

func TestInspectMissingFile(t *testing.T) {
	_, err := run(t, "inspect", filepath.Join(t.TempDir(), "absent.tile"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()
	base := writeFloats(t, dir, "base.tile", []int{3}, core.Float64, 1, 2, 3)
	a := writeFloats(t, dir, "a.tile", []int{3}, core.Float64, 10, 10, 10)
	b := writeFloats(t, dir, "b.tile", []int{3}, core.Float64, 100, 100, 100)
	dst := filepath.Join(dir, "out.tile")

	out, err := run(t, "merge", "--reducer", "add", "--out", dst, base, a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "merged 2 tiles")
	assert.Equal(t, []float64{111, 112, 113}, floats(t, dst))
	// base untouched when --out is given
	assert.Equal(t, []float64{1, 2, 3}, floats(t, base))
}

func TestMergeErrors(t *testing.T) {
	dir := t.TempDir()
	base := writeFloats(t, dir, "base.tile", []int{3}, core.Float64, 1, 2, 3)
	wrong := writeFloats(t, dir, "wrong.tile", []int{2}, core.Float64, 1, 2)

	_, err := run(t, "merge", "--reducer", "add", base, wrong)
	assert.ErrorIs(t, err, core.ErrShape)

	_, err = run(t, "merge", "--reducer", "no-such-reducer", base, base)
	assert.Error(t, err)
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()
	src := writeFloats(t, dir, "src.tile", []int{3, 2}, core.Float64, 1, 2, 3, 4, 5, 6)
	idx := writeFloats(t, dir, "idx.tile", []int{2}, core.Int64, 2, 0)
	dst := filepath.Join(dir, "out.tile")

	out, err := run(t, "index", "--src", src, "--idx", idx, "--out", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote [2 2] float64")
	assert.Equal(t, []float64{5, 6, 1, 2}, floats(t, dst))
}

func TestIndexRequiresFlags(t *testing.T) {
	_, err := run(t, "index", "--src", "a.tile")
	assert.Error(t, err)
}

func TestBenchCommand(t *testing.T) {
	out, err := run(t, "bench", "--rows", "4", "--cols", "4", "--iter", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Merges: 3")
}

func TestRunBench(t *testing.T) {
	st := store.NewMemStore(store.Options{})
	defer st.Close()
	ctx := context.Background()

	res, err := runBench(ctx, st, benchOptions{rows: 2, cols: 3, iterations: 5, reducer: "max", dtype: "int32"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.merges)
	assert.Equal(t, 30, res.cells)
	// the bench tile is released
	assert.Zero(t, st.Len())

	_, err = runBench(ctx, st, benchOptions{rows: 0, cols: 3, iterations: 1, reducer: "add", dtype: "int32"})
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestBadLogLevel(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--log-level", "loud", "bench", "--iter", "1"})
	assert.Error(t, cmd.Execute())
}
