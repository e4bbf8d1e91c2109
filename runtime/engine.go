// Package runtime executes kernels over distributed arrays.
//
// A DistArray is a logical n-dimensional array cut into tiles, each held in
// a store.Store under its own identifier. The Engine owns the store handle
// and a bounded worker budget. It creates arrays, fetches and updates
// regions of them, and maps kernels over their tile extents.
//
// Execution model:
//  1. MapToArray invokes the kernel once per tile extent of the target, in
//     parallel up to Workers invocations at a time.
//  2. Each invocation registers its output tiles with the store and reports
//     (extent, id) pairs.
//  3. The results are assembled into a new DistArray. When two invocations
//     produce the same extent, the later tile is merged into the earlier one
//     through Store.Update with the output array's reducer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

var (
	tracer = otel.Tracer("tessera.runtime")
	meter  = otel.Meter("tessera.runtime")
)

// EngineOptions configures engine behavior.
type EngineOptions struct {
	// Workers bounds concurrent kernel invocations and tile transfers.
	Workers int

	// TileHint is the default tile shape for new arrays. Nil splits the
	// leading axis across Workers.
	TileHint []int

	// ReadPolicy applies to every tile snapshot read by the engine.
	ReadPolicy tile.ReadPolicy

	// Logger receives engine events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultEngineOptions provides sensible runtime defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Workers:    runtime.NumCPU(),
		ReadPolicy: tile.ReadRelaxed,
	}
}

// ExecutionStats tracks engine activity.
type ExecutionStats struct {
	KernelInvocations int64
	KernelFailures    int64
	TilesCreated      int64
	CollisionMerges   int64
	AverageLatency    time.Duration
}

// Engine coordinates arrays held in one store.
type Engine struct {
	store   store.Store
	workers int
	opts    EngineOptions
	logger  *slog.Logger

	stats ExecutionStats
	mu    sync.RWMutex

	metricsOnce     sync.Once
	kernelLatency   metric.Float64Histogram
	kernelFailures  metric.Int64Counter
	collisionMerges metric.Int64Counter
}

// NewEngine creates an engine over st. A nil opts uses DefaultEngineOptions.
func NewEngine(st store.Store, opts *EngineOptions) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	engineOpts := DefaultEngineOptions()
	if opts != nil {
		engineOpts = *opts
		if opts.Workers <= 0 {
			engineOpts.Workers = DefaultEngineOptions().Workers
		}
	}
	if engineOpts.TileHint != nil {
		for _, d := range engineOpts.TileHint {
			if d <= 0 {
				return nil, fmt.Errorf("tile hint %v: dimensions must be positive", engineOpts.TileHint)
			}
		}
	}
	logger := engineOpts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		workers: engineOpts.Workers,
		opts:    engineOpts,
		logger:  logger,
	}, nil
}

// Store returns the engine's tile store.
func (e *Engine) Store() store.Store { return e.store }

// Workers returns the concurrency bound.
func (e *Engine) Workers() int { return e.limit() }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// SetWorkers changes the concurrency bound for subsequent operations.
func (e *Engine) SetWorkers(n int) {
	if n > 0 {
		e.mu.Lock()
		e.workers = n
		e.mu.Unlock()
	}
}

func (e *Engine) limit() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers
}

// Stats returns a copy of the current execution statistics.
func (e *Engine) Stats() ExecutionStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Register stores t and waits for its identifier. If ctx ends first, the
// pending create is still awaited and its tile deleted once it lands.
func (e *Engine) Register(ctx context.Context, t *tile.Tile) (store.TileID, error) {
	h := e.store.Create(ctx, t)
	id, err := h.WaitContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			go e.discard(h)
		}
		return "", fmt.Errorf("register tile: %w", err)
	}
	e.mu.Lock()
	e.stats.TilesCreated++
	e.mu.Unlock()
	return id, nil
}

// discard deletes the tile behind an abandoned create.
func (e *Engine) discard(h *store.Handle) {
	id, err := h.Wait()
	if err != nil {
		return
	}
	if err := e.store.Delete(context.Background(), id); err != nil {
		e.logger.Warn("failed to delete abandoned tile",
			slog.String("tile_id", string(id)),
			slog.Any("error", err),
		)
	}
}

// snapshot fetches a copy of a tile under the engine's read policy.
func (e *Engine) snapshot(ctx context.Context, id store.TileID) (*tile.Tile, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.SetReadPolicy(e.opts.ReadPolicy)
	return t, nil
}

// initMetrics lazily creates the otel instruments. Failures degrade to
// logging.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.kernelLatency, err = meter.Float64Histogram("tessera_kernel_duration_seconds",
			metric.WithDescription("Time spent in one kernel invocation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "kernel_latency: "+err.Error())
		}

		e.kernelFailures, err = meter.Int64Counter("tessera_kernel_failure_total",
			metric.WithDescription("Kernel invocations that returned an error"),
		)
		if err != nil {
			initErrors = append(initErrors, "kernel_failures: "+err.Error())
		}

		e.collisionMerges, err = meter.Int64Counter("tessera_collision_merge_total",
			metric.WithDescription("Result tiles merged into an existing extent"),
		)
		if err != nil {
			initErrors = append(initErrors, "collision_merges: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize runtime metrics",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// recordKernel updates invocation counts and the running average latency.
func (e *Engine) recordKernel(ctx context.Context, start time.Time, failed bool) {
	duration := time.Since(start)
	if e.kernelLatency != nil {
		e.kernelLatency.Record(ctx, duration.Seconds())
	}
	if failed && e.kernelFailures != nil {
		e.kernelFailures.Add(ctx, 1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.KernelInvocations++
	if failed {
		e.stats.KernelFailures++
	}
	n := e.stats.KernelInvocations
	if n == 1 {
		e.stats.AverageLatency = duration
	} else {
		e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*(n-1) + int64(duration)) / n)
	}
}

func (e *Engine) recordCollision(ctx context.Context) {
	if e.collisionMerges != nil {
		e.collisionMerges.Add(ctx, 1)
	}
	e.mu.Lock()
	e.stats.CollisionMerges++
	e.mu.Unlock()
}
