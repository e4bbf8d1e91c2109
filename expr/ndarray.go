package expr

import (
	"context"
	"fmt"
	"slices"

	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/runtime"
)

// Expr is a deferred array computation.
type Expr interface {
	// Shape reports the result shape without evaluating.
	Shape() ([]int, error)

	// Evaluate runs the computation on eng.
	Evaluate(ctx context.Context, eng *runtime.Engine) (*runtime.DistArray, error)
}

// NdArrayExpr creates an empty distributed array when evaluated.
type NdArrayExpr struct {
	shape    []int
	dtype    core.DType
	tileHint []int
	reducer  kernels.Reducer
	sparse   bool
}

// ArrayOption configures NdArray.
type ArrayOption func(*NdArrayExpr)

// WithTileHint sets the tile shape.
func WithTileHint(hint ...int) ArrayOption {
	return func(e *NdArrayExpr) { e.tileHint = slices.Clone(hint) }
}

// WithReducer sets how overlapping updates combine.
func WithReducer(r kernels.Reducer) ArrayOption {
	return func(e *NdArrayExpr) { e.reducer = r }
}

// WithSparse stores the array as sparse tiles.
func WithSparse() ArrayOption {
	return func(e *NdArrayExpr) { e.sparse = true }
}

// NdArray describes an array to be created lazily.
func NdArray(shape []int, dt core.DType, opts ...ArrayOption) *NdArrayExpr {
	e := &NdArrayExpr{shape: slices.Clone(shape), dtype: dt}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *NdArrayExpr) Shape() ([]int, error) { return slices.Clone(e.shape), nil }

func (e *NdArrayExpr) Evaluate(ctx context.Context, eng *runtime.Engine) (*runtime.DistArray, error) {
	return eng.Create(ctx, e.shape, e.dtype, runtime.CreateOptions{
		Reducer:  e.reducer,
		TileHint: e.tileHint,
		Sparse:   e.sparse,
	})
}

func (e *NdArrayExpr) String() string {
	return fmt.Sprintf("dist_array(%v, %v)", e.shape, e.dtype)
}

// ArrayExpr wraps an existing array.
type ArrayExpr struct{ a *runtime.DistArray }

// Lift turns an evaluated array back into an expression.
func Lift(a *runtime.DistArray) ArrayExpr { return ArrayExpr{a: a} }

func (e ArrayExpr) Shape() ([]int, error) { return e.a.Shape(), nil }

func (e ArrayExpr) Evaluate(context.Context, *runtime.Engine) (*runtime.DistArray, error) {
	return e.a, nil
}

// IndexExpr is src[idx] for an array-valued idx.
type IndexExpr struct {
	Src Expr
	Idx Expr
}

// Index describes src[idx].
func Index(src, idx Expr) IndexExpr { return IndexExpr{Src: src, Idx: idx} }

// Shape assumes boolean indexing when the shapes match and integer indexing
// otherwise.
func (e IndexExpr) Shape() ([]int, error) {
	src, err := e.Src.Shape()
	if err != nil {
		return nil, err
	}
	idx, err := e.Idx.Shape()
	if err != nil {
		return nil, err
	}
	if core.ShapeEqual(src, idx) {
		return src, nil
	}
	if len(idx) != 1 || len(src) == 0 {
		return nil, fmt.Errorf("%w: cannot index %v by %v", core.ErrShape, src, idx)
	}
	return append([]int{idx[0]}, src[1:]...), nil
}

func (e IndexExpr) Evaluate(ctx context.Context, eng *runtime.Engine) (*runtime.DistArray, error) {
	src, err := e.Src.Evaluate(ctx, eng)
	if err != nil {
		return nil, err
	}
	idx, err := e.Idx.Evaluate(ctx, eng)
	if err != nil {
		return nil, err
	}
	return EvalIndex(ctx, eng, src, idx)
}
