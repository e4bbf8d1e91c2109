package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

// CreateOptions configures a new DistArray.
type CreateOptions struct {
	// Reducer combines updates that land on already valid cells. The zero
	// value replaces.
	Reducer kernels.Reducer

	// TileHint overrides the engine's default tile shape.
	TileHint []int

	// Sparse stores tiles as COO matrices. Sparse arrays must be 2-D.
	Sparse bool
}

// DistArray is a logical array split into tiles held in the engine's store.
// Its tile layout is fixed at construction; the tile contents change only
// through Update and kernel output merges.
type DistArray struct {
	eng     *Engine
	shape   []int
	dtype   core.DType
	reducer kernels.Reducer
	sparse  bool

	extents []core.Extent
	tiles   map[string]store.TileID
}

func (a *DistArray) Shape() []int             { return slices.Clone(a.shape) }
func (a *DistArray) DType() core.DType        { return a.dtype }
func (a *DistArray) Reducer() kernels.Reducer { return a.reducer }
func (a *DistArray) Sparse() bool             { return a.sparse }
func (a *DistArray) Engine() *Engine          { return a.eng }

// Extents returns the tile extents in row-major order of their offsets.
func (a *DistArray) Extents() []core.Extent { return slices.Clone(a.extents) }

// Tiles returns the (extent, id) pairs making up the array.
func (a *DistArray) Tiles() []Result {
	out := make([]Result, len(a.extents))
	for i, ex := range a.extents {
		out[i] = Result{Extent: ex, ID: a.tiles[ex.Key()]}
	}
	return out
}

// TileID returns the identifier of the tile covering exactly ex.
func (a *DistArray) TileID(ex core.Extent) (store.TileID, bool) {
	id, ok := a.tiles[ex.Key()]
	return id, ok
}

func (a *DistArray) String() string {
	return fmt.Sprintf("distarray(%v, %v, tiles=%d)", a.shape, a.dtype, len(a.extents))
}

func (a *DistArray) rep() tile.Representation {
	if a.sparse {
		return tile.RepSparseCOO
	}
	return tile.RepDense
}

func normalizeReducer(r kernels.Reducer) (kernels.Reducer, error) {
	if r.Tag == kernels.ReduceReplace && r.Name == "" {
		return kernels.Replace, nil
	}
	if err := r.Validate(); err != nil {
		return kernels.Reducer{}, fmt.Errorf("%w: %w", core.ErrUnsupportedMerge, err)
	}
	return r, nil
}

func (e *Engine) newArray(shape []int, dt core.DType, opts CreateOptions) (*DistArray, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrDType, dt)
	}
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: array dimensions must be positive, got %v", core.ErrShape, shape)
		}
	}
	if opts.Sparse && len(shape) != 2 {
		return nil, fmt.Errorf("%w: sparse arrays must be 2-D, got %v", core.ErrShape, shape)
	}
	r, err := normalizeReducer(opts.Reducer)
	if err != nil {
		return nil, err
	}
	hint := opts.TileHint
	if hint == nil && len(e.opts.TileHint) == len(shape) {
		hint = e.opts.TileHint
	}
	extents, err := splitExtents(shape, hint, e.limit())
	if err != nil {
		return nil, err
	}
	return &DistArray{
		eng:     e,
		shape:   slices.Clone(shape),
		dtype:   dt,
		reducer: r,
		sparse:  opts.Sparse,
		extents: extents,
		tiles:   make(map[string]store.TileID, len(extents)),
	}, nil
}

// Create registers an empty array: every tile starts uninitialized with no
// valid cells.
func (e *Engine) Create(ctx context.Context, shape []int, dt core.DType, opts CreateOptions) (*DistArray, error) {
	a, err := e.newArray(shape, dt, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]store.TileID, len(a.extents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())
	for i, ex := range a.extents {
		g.Go(func() error {
			t, err := tile.FromShape(ex.Shape(), dt, a.rep())
			if err != nil {
				return err
			}
			ids[i], err = e.Register(gctx, t)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.release(ctx, ids)
		return nil, err
	}
	for i, ex := range a.extents {
		a.tiles[ex.Key()] = ids[i]
	}
	e.logger.Debug("array created",
		slog.Any("shape", shape),
		slog.String("dtype", dt.String()),
		slog.Int("tiles", len(ids)))
	return a, nil
}

// FromValue creates an array shaped like v and writes v into it.
func (e *Engine) FromValue(ctx context.Context, v array.Value, opts CreateOptions) (*DistArray, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", core.ErrUnsupportedRepresentation)
	}
	a, err := e.Create(ctx, v.Shape(), v.DType(), opts)
	if err != nil {
		return nil, err
	}
	if err := a.Update(ctx, core.FromShape(a.shape), v); err != nil {
		a.Free(ctx)
		return nil, err
	}
	return a, nil
}

// release deletes tiles that were registered before a failure.
func (e *Engine) release(ctx context.Context, ids []store.TileID) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := e.store.Delete(ctx, id); err != nil {
			e.logger.Warn("failed to release tile",
				slog.String("tile_id", id.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Free deletes every tile of the array. The array must not be used
// afterwards.
func (a *DistArray) Free(ctx context.Context) {
	ids := make([]store.TileID, 0, len(a.tiles))
	for _, ex := range a.extents {
		ids = append(ids, a.tiles[ex.Key()])
	}
	a.eng.release(ctx, ids)
	clear(a.tiles)
	a.extents = nil
}

func (a *DistArray) checkExtent(ex core.Extent) error {
	if !core.ShapeEqual(ex.ArrayShape(), a.shape) {
		return fmt.Errorf("%w: %v is not an extent of array %v", core.ErrShape, ex, a.shape)
	}
	return nil
}

type piece struct {
	overlap core.Extent
	value   array.Value
}

// Fetch assembles a copy of region ex from every intersecting tile. The
// result is Masked if any contributing tile is masked, Dense otherwise.
func (a *DistArray) Fetch(ctx context.Context, ex core.Extent) (array.Value, error) {
	if err := a.checkExtent(ex); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "DistArray.Fetch")
	defer span.End()

	var (
		sources  []core.Extent
		overlaps []core.Extent
	)
	for _, tex := range a.extents {
		if o, ok := core.Intersect(tex, ex); ok {
			sources = append(sources, tex)
			overlaps = append(overlaps, o)
		}
	}
	pieces := make([]piece, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.eng.limit())
	for i, tex := range sources {
		g.Go(func() error {
			t, err := a.eng.snapshot(gctx, a.tiles[tex.Key()])
			if err != nil {
				return err
			}
			ranges, err := core.OffsetSlice(tex, overlaps[i])
			if err != nil {
				return err
			}
			v, err := t.Read(ranges)
			if err != nil {
				return fmt.Errorf("fetch %v: %w", overlaps[i], err)
			}
			pieces[i] = piece{overlap: overlaps[i], value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assemble(ex, a.dtype, pieces)
}

func assemble(ex core.Extent, dt core.DType, pieces []piece) (array.Value, error) {
	out := array.Zeros(ex.Shape(), dt)
	var mask []bool
	for _, p := range pieces {
		ranges, err := core.OffsetSlice(ex, p.overlap)
		if err != nil {
			return nil, err
		}
		switch v := p.value.(type) {
		case *array.Dense:
			err = out.SetRegion(ranges, v)
		case *array.Masked:
			if mask == nil {
				mask = make([]bool, out.Len())
			}
			err = out.SetRegion(ranges, v.Data)
			core.ForEachIndex(out.Shape(), ranges, func(flat, local int) {
				mask[flat] = v.Mask[local]
			})
		default:
			err = fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, v)
		}
		if err != nil {
			return nil, err
		}
	}
	if mask != nil {
		return array.NewMasked(out, mask)
	}
	return out, nil
}

// Select returns leading-axis row i with that axis dropped.
func (a *DistArray) Select(ctx context.Context, i int) (array.Value, error) {
	if len(a.shape) == 0 || i < 0 || i >= a.shape[0] {
		return nil, fmt.Errorf("%w: row %d of array %v", core.ErrShape, i, a.shape)
	}
	offset := make([]int, len(a.shape))
	offset[0] = i
	shape := slices.Clone(a.shape)
	shape[0] = 1
	ex, err := core.NewExtent(offset, shape, a.shape)
	if err != nil {
		return nil, err
	}
	v, err := a.Fetch(ctx, ex)
	if err != nil {
		return nil, err
	}
	return dropLeading(v)
}

func dropLeading(v array.Value) (array.Value, error) {
	switch x := v.(type) {
	case *array.Dense:
		return x.Reshape(x.Shape()[1:])
	case *array.Masked:
		d, err := x.Data.Reshape(x.Data.Shape()[1:])
		if err != nil {
			return nil, err
		}
		return array.NewMasked(d, x.Mask)
	}
	return nil, fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, v)
}

// Glom fetches the whole array.
func (a *DistArray) Glom(ctx context.Context) (array.Value, error) {
	return a.Fetch(ctx, core.FromShape(a.shape))
}

// Update scatters v, which covers region ex, into every intersecting tile
// and merges it there with the array's reducer.
func (a *DistArray) Update(ctx context.Context, ex core.Extent, v array.Value) error {
	if err := a.checkExtent(ex); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: nil value", core.ErrUnsupportedRepresentation)
	}
	if !core.ShapeEqual(v.Shape(), ex.Shape()) {
		return fmt.Errorf("%w: value %v for region %v", core.ErrShape, v.Shape(), ex.Shape())
	}
	if v.DType() != a.dtype {
		return fmt.Errorf("%w: %v into %v array", core.ErrDType, v.DType(), a.dtype)
	}
	ctx, span := tracer.Start(ctx, "DistArray.Update")
	defer span.End()

	src, err := tile.FromValue(v)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.eng.limit())
	for _, tex := range a.extents {
		overlap, ok := core.Intersect(tex, ex)
		if !ok {
			continue
		}
		g.Go(func() error {
			part, err := a.slice(src, v, ex, overlap)
			if err != nil {
				return err
			}
			incoming, err := tile.FromIntersection(tex, overlap, part)
			if err != nil {
				return err
			}
			if !a.sparse {
				incoming.ToDense()
			}
			return a.eng.store.Update(gctx, a.tiles[tex.Key()], incoming, a.reducer)
		})
	}
	return g.Wait()
}

// slice returns the part of v, which covers ex, that falls on overlap.
// Sparse values stay sparse so that only their stored entries are written;
// dense values become COO parts for sparse arrays.
func (a *DistArray) slice(src *tile.Tile, v array.Value, ex, overlap core.Extent) (array.Value, error) {
	sparse := isSparse(v)
	if overlap.Equal(ex) && (sparse || !a.sparse) {
		return v, nil
	}
	ranges, err := core.OffsetSlice(ex, overlap)
	if err != nil {
		return nil, err
	}
	if sparse {
		return src.ReadSparse(ranges)
	}
	part, err := src.Read(ranges)
	if err != nil {
		return nil, err
	}
	if a.sparse {
		return toCOO(part)
	}
	return part, nil
}

func isSparse(v array.Value) bool {
	switch v.(type) {
	case *array.COO, *array.CSR, *array.CSC:
		return true
	}
	return false
}

// toCOO keeps the nonzero, unmasked entries of a 2-D dense or masked value.
func toCOO(v array.Value) (*array.COO, error) {
	var (
		d    *array.Dense
		mask []bool
	)
	switch x := v.(type) {
	case *array.Dense:
		d = x
	case *array.Masked:
		d, mask = x.Data, x.Mask
	default:
		return nil, fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, v)
	}
	shape := d.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: sparse value must be 2-D, got %v", core.ErrShape, shape)
	}
	var rows, cols []int
	var vals []float64
	for i, x := range d.Float64s() {
		if x == 0 || (mask != nil && mask[i]) {
			continue
		}
		rows = append(rows, i/shape[1])
		cols = append(cols, i%shape[1])
		vals = append(vals, x)
	}
	values, err := array.FromFloat64s([]int{len(vals)}, d.DType(), vals)
	if err != nil {
		return nil, err
	}
	return array.NewCOO([2]int{shape[0], shape[1]}, rows, cols, values)
}

// splitExtents cuts shape into tiles of at most hint per axis. A nil hint
// splits the leading axis into up to workers pieces.
func splitExtents(shape, hint []int, workers int) ([]core.Extent, error) {
	if len(shape) == 0 {
		return []core.Extent{core.FromShape(nil)}, nil
	}
	if hint == nil {
		hint = slices.Clone(shape)
		parts := max(1, min(workers, shape[0]))
		hint[0] = (shape[0] + parts - 1) / parts
	}
	if len(hint) != len(shape) {
		return nil, fmt.Errorf("%w: tile hint %v for shape %v", core.ErrShape, hint, shape)
	}
	for _, d := range hint {
		if d <= 0 {
			return nil, fmt.Errorf("%w: tile hint %v must be positive", core.ErrShape, hint)
		}
	}

	counts := make([]int, len(shape))
	total := 1
	for i := range shape {
		counts[i] = (shape[i] + hint[i] - 1) / hint[i]
		total *= counts[i]
	}
	out := make([]core.Extent, 0, total)
	for n := 0; n < total; n++ {
		block := core.Unravel(counts, n)
		offset := make([]int, len(shape))
		size := make([]int, len(shape))
		for i, b := range block {
			offset[i] = b * hint[i]
			size[i] = min(hint[i], shape[i]-offset[i])
		}
		ex, err := core.NewExtent(offset, size, shape)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}
