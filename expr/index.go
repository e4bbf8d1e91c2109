// Package expr builds array expressions on top of the runtime: lazy array
// creation and indexing one distributed array by another.
//
// Indexing by a boolean array masks the source; indexing by a 1-D integer
// array gathers leading-axis rows of the source. Both run as kernels mapped
// over tile extents, and each kernel registers its output tiles directly
// with the store.
package expr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/tile"
)

// IntIndexMapper returns the kernel for src[idx] over the tiles of dst,
// reading the "src", "idx" and "dst" dependencies. For each extent of dst it
// fetches the matching run of idx, gathers those rows of src and emits one
// tile spanning every trailing axis of dst.
func IntIndexMapper() runtime.Kernel {
	return func(ctx context.Context, ex core.Extent, deps runtime.Deps) ([]runtime.Result, error) {
		src, err := deps.Array("src")
		if err != nil {
			return nil, err
		}
		idx, err := deps.Array("idx")
		if err != nil {
			return nil, err
		}
		dst, err := deps.Array("dst")
		if err != nil {
			return nil, err
		}
		idxEx, err := leadingExtent(ex)
		if err != nil {
			return nil, err
		}
		iv, err := idx.Fetch(ctx, idxEx)
		if err != nil {
			return nil, err
		}
		positions, err := rowIndices(iv, src.Shape()[0])
		if err != nil {
			return nil, err
		}

		// one Select per distinct row
		rows := make(map[int]array.Value, len(positions))
		for _, p := range positions {
			if _, ok := rows[p]; ok {
				continue
			}
			row, err := src.Select(ctx, p)
			if err != nil {
				return nil, err
			}
			rows[p] = row
		}
		out, err := stack(src.Shape()[1:], src.DType(), positions, rows)
		if err != nil {
			return nil, err
		}

		dstShape := dst.Shape()
		offset := make([]int, len(dstShape))
		offset[0] = ex.Offset()[0]
		shape := slices.Clone(dstShape)
		shape[0] = ex.Shape()[0]
		outEx, err := core.NewExtent(offset, shape, dstShape)
		if err != nil {
			return nil, err
		}
		return emit(ctx, src.Engine(), outEx, out)
	}
}

// BoolIndexMapper returns the kernel for src[idx] with a boolean idx of the
// same shape, reading the "src" and "idx" dependencies. Each output tile
// holds the source values masked by idx, where true excludes an element.
func BoolIndexMapper() runtime.Kernel {
	return func(ctx context.Context, ex core.Extent, deps runtime.Deps) ([]runtime.Result, error) {
		src, err := deps.Array("src")
		if err != nil {
			return nil, err
		}
		idx, err := deps.Array("idx")
		if err != nil {
			return nil, err
		}
		val, err := src.Fetch(ctx, ex)
		if err != nil {
			return nil, err
		}
		mv, err := idx.Fetch(ctx, ex)
		if err != nil {
			return nil, err
		}
		data, mask, err := split(val)
		if err != nil {
			return nil, err
		}
		sel, _, err := split(mv)
		if err != nil {
			return nil, err
		}
		excluded := sel.Bools()
		if mask == nil {
			mask = excluded
		} else {
			for i, x := range excluded {
				mask[i] = mask[i] || x
			}
		}
		masked, err := array.NewMasked(data, mask)
		if err != nil {
			return nil, err
		}
		return emit(ctx, src.Engine(), ex, masked)
	}
}

// EvalIndex evaluates src[idx]. A boolean idx must match src's shape and
// yields a masked copy of src. Otherwise idx must be a 1-D integer array and
// the result has shape (len(idx), src.shape[1:]...).
func EvalIndex(ctx context.Context, eng *runtime.Engine, src, idx *runtime.DistArray) (*runtime.DistArray, error) {
	deps := runtime.Deps{"src": src, "idx": idx}
	if idx.DType() == core.Bool {
		if !core.ShapeEqual(src.Shape(), idx.Shape()) {
			return nil, fmt.Errorf("%w: boolean index %v for array %v", core.ErrShape, idx.Shape(), src.Shape())
		}
		return eng.MapToArray(ctx, src, BoolIndexMapper(), deps)
	}

	if len(idx.Shape()) != 1 {
		return nil, fmt.Errorf("%w: integer index must be 1-D, got %v", core.ErrShape, idx.Shape())
	}
	if !integral(idx.DType()) {
		return nil, fmt.Errorf("%w: index of type %v", core.ErrDType, idx.DType())
	}
	if len(src.Shape()) == 0 {
		return nil, fmt.Errorf("%w: cannot index a scalar", core.ErrShape)
	}
	eng.Logger().Debug("integer indexing",
		slog.Any("src", src.Shape()),
		slog.Int("indices", idx.Shape()[0]))

	shape := append([]int{idx.Shape()[0]}, src.Shape()[1:]...)
	dst, err := eng.Create(ctx, shape, src.DType(), runtime.CreateOptions{})
	if err != nil {
		return nil, err
	}
	defer dst.Free(ctx)
	deps["dst"] = dst
	return eng.MapToArray(ctx, dst, IntIndexMapper(), deps)
}

func integral(dt core.DType) bool {
	switch dt {
	case core.Uint8, core.Int32, core.Int64:
		return true
	}
	return false
}

// leadingExtent keeps only axis 0 of ex.
func leadingExtent(ex core.Extent) (core.Extent, error) {
	var err error
	for ex.Ndim() > 1 {
		if ex, err = core.DropAxis(ex, -1); err != nil {
			return core.Extent{}, err
		}
	}
	return ex, nil
}

func rowIndices(v array.Value, rows int) ([]int, error) {
	d, _, err := split(v)
	if err != nil {
		return nil, err
	}
	vals := d.Float64s()
	out := make([]int, len(vals))
	for i, x := range vals {
		p := int(x)
		if p < 0 || p >= rows {
			return nil, fmt.Errorf("%w: index %d out of range for %d rows", core.ErrShape, p, rows)
		}
		out[i] = p
	}
	return out, nil
}

// split returns the data of a dense or masked value and its mask, if any.
func split(v array.Value) (*array.Dense, []bool, error) {
	switch x := v.(type) {
	case *array.Dense:
		return x, nil, nil
	case *array.Masked:
		return x.Data, slices.Clone(x.Mask), nil
	}
	return nil, nil, fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, v)
}

// stack lays the selected rows out along a new leading axis. The result is
// masked if any row is.
func stack(rowShape []int, dt core.DType, positions []int, rows map[int]array.Value) (array.Value, error) {
	shape := append([]int{len(positions)}, rowShape...)
	out := array.Zeros(shape, dt)
	var mask []bool
	n := core.NumElements(rowShape)
	for i, p := range positions {
		data, m, err := split(rows[p])
		if err != nil {
			return nil, err
		}
		for j := 0; j < n; j++ {
			dt.CopyElement(out.Data(), i*n+j, data.Data(), j)
		}
		if m != nil {
			if mask == nil {
				mask = make([]bool, out.Len())
			}
			copy(mask[i*n:], m)
		}
	}
	if mask != nil {
		return array.NewMasked(out, mask)
	}
	return out, nil
}

// emit registers v as one tile covering ex.
func emit(ctx context.Context, eng *runtime.Engine, ex core.Extent, v array.Value) ([]runtime.Result, error) {
	t, err := tile.FromValue(v)
	if err != nil {
		return nil, err
	}
	id, err := eng.Register(ctx, t)
	if err != nil {
		return nil, err
	}
	return []runtime.Result{{Extent: ex, ID: id}}, nil
}
