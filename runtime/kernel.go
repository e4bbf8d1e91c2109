package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/store"
)

// Result is one output tile of a kernel invocation: the region of the
// output array it covers and the identifier it was registered under.
type Result struct {
	Extent core.Extent
	ID     store.TileID
}

// Deps are the named arrays a kernel reads.
type Deps map[string]*DistArray

// Array returns the dependency registered under name.
func (d Deps) Array(name string) (*DistArray, error) {
	a, ok := d[name]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingDep, name)
	}
	return a, nil
}

// Kernel computes the output tiles for one tile extent of the array being
// mapped over. It may fetch from its dependencies and must register every
// tile it reports. Fetched values are snapshots and never merge targets.
type Kernel func(ctx context.Context, ex core.Extent, deps Deps) ([]Result, error)

// MapToArray invokes kernel once per tile extent of target and assembles the
// results into a new array with target's shape, dtype, reducer and sparsity.
// Results for an extent already produced are merged into the first tile
// with the reducer. The first error is returned once running invocations
// finish, and tiles produced so far are released.
func (e *Engine) MapToArray(ctx context.Context, target *DistArray, kernel Kernel, deps Deps) (out *DistArray, err error) {
	if target == nil || kernel == nil {
		return nil, fmt.Errorf("map: nil target or kernel")
	}
	if target.eng != e {
		return nil, ErrForeignArray
	}
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "Engine.MapToArray",
		trace.WithAttributes(
			attribute.Int("map.invocations", len(target.extents)),
			attribute.IntSlice("map.shape", target.shape),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	results := make([][]Result, len(target.extents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())
	for i, ex := range target.extents {
		g.Go(func() error {
			res, err := e.invoke(gctx, kernel, ex, deps)
			results[i] = res
			if err != nil {
				return fmt.Errorf("kernel on %v: %w", ex, err)
			}
			return checkResults(target.shape, res)
		})
	}
	if err := g.Wait(); err != nil {
		e.releaseResults(ctx, results)
		return nil, err
	}

	out = &DistArray{
		eng:     e,
		shape:   target.Shape(),
		dtype:   target.dtype,
		reducer: target.reducer,
		sparse:  target.sparse,
		tiles:   make(map[string]store.TileID),
	}
	for i, res := range results {
		for j, r := range res {
			if err := e.place(ctx, out, r); err != nil {
				e.releaseResults(ctx, [][]Result{res[j:]})
				e.releaseResults(ctx, results[i+1:])
				out.Free(ctx)
				return nil, err
			}
		}
	}
	slices.SortFunc(out.extents, func(a, b core.Extent) int {
		return slices.Compare(a.Offset(), b.Offset())
	})
	e.logger.Debug("map complete",
		slog.Int("invocations", len(target.extents)),
		slog.Int("tiles", len(out.extents)))
	return out, nil
}

func (e *Engine) invoke(ctx context.Context, kernel Kernel, ex core.Extent, deps Deps) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Kernel.Invoke",
		trace.WithAttributes(attribute.String("kernel.extent", ex.Key())))
	defer span.End()

	start := time.Now()
	res, err := kernel(ctx, ex, deps)
	e.recordKernel(ctx, start, err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// checkResults rejects results outside the output array and results of one
// invocation that overlap each other.
func checkResults(shape []int, res []Result) error {
	for i, r := range res {
		if !core.ShapeEqual(r.Extent.ArrayShape(), shape) {
			return fmt.Errorf("%w: result %v is not an extent of %v", core.ErrShape, r.Extent, shape)
		}
		for _, o := range res[:i] {
			if _, ok := core.Intersect(r.Extent, o.Extent); ok {
				return fmt.Errorf("%w: %v and %v", ErrOverlap, o.Extent, r.Extent)
			}
		}
	}
	return nil
}

// place adds r to out, merging it into an existing tile with the same
// extent. Partial overlaps with earlier results are rejected.
func (e *Engine) place(ctx context.Context, out *DistArray, r Result) error {
	key := r.Extent.Key()
	existing, ok := out.tiles[key]
	if !ok {
		for _, ex := range out.extents {
			if _, hit := core.Intersect(ex, r.Extent); hit {
				return fmt.Errorf("%w: %v and %v", ErrOverlap, ex, r.Extent)
			}
		}
		out.tiles[key] = r.ID
		out.extents = append(out.extents, r.Extent)
		return nil
	}

	incoming, err := e.store.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := e.store.Update(ctx, existing, incoming, out.reducer); err != nil {
		return fmt.Errorf("merge result into %v: %w", r.Extent, err)
	}
	e.recordCollision(ctx)
	if err := e.store.Delete(ctx, r.ID); err != nil {
		e.logger.Warn("failed to release merged tile",
			slog.String("tile_id", r.ID.String()),
			slog.String("error", err.Error()))
	}
	return nil
}

func (e *Engine) releaseResults(ctx context.Context, results [][]Result) {
	for _, res := range results {
		ids := make([]store.TileID, len(res))
		for i, r := range res {
			ids[i] = r.ID
		}
		e.release(ctx, ids)
	}
}
