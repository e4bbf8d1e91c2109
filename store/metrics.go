package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/tile"
)

var tracer = otel.Tracer("tessera.store")

var (
	// mergesTotal counts completed merges.
	// Labels: backend, rep (existing tile representation), reducer
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "merges_total",
		Help:      "Total tile merges applied",
	}, []string{"backend", "rep", "reducer"})

	// mergeCells counts cells touched by merges.
	// Labels: backend, kind (replaced, updated)
	mergeCells = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "merge_cells_total",
		Help:      "Cells replaced or updated by tile merges",
	}, []string{"backend", "kind"})

	// mergeLatency measures time spent inside a merge, lock held.
	// Labels: backend
	mergeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "merge_duration_seconds",
		Help:      "Tile merge latency in seconds",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"backend"})

	// storeErrors counts failed operations.
	// Labels: backend, op (create, get, update, delete)
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed store operations by kind",
	}, []string{"backend", "op"})

	// liveTiles tracks registered tiles.
	// Labels: backend
	liveTiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "tiles",
		Help:      "Tiles currently held",
	}, []string{"backend"})

	// coldLoads counts tile loads from the persistent tier that were not
	// shared with a concurrent load of the same tile.
	// Labels: backend
	coldLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Subsystem: "store",
		Name:      "cold_loads_total",
		Help:      "Tile loads from the persistent tier",
	}, []string{"backend"})
)

func recordMerge(backend string, rep tile.Representation, r kernels.Reducer, stats tile.MergeStats, d time.Duration) {
	mergesTotal.WithLabelValues(backend, rep.String(), r.String()).Inc()
	mergeCells.WithLabelValues(backend, "replaced").Add(float64(stats.Replaced))
	mergeCells.WithLabelValues(backend, "updated").Add(float64(stats.Updated))
	mergeLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func recordError(backend, op string) {
	storeErrors.WithLabelValues(backend, op).Inc()
}

func startSpan(ctx context.Context, backend, op string, id TileID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store."+op,
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.tile_id", id.String()),
		),
	)
}

// endSpan records err on span, counts it, and ends the span.
func endSpan(span trace.Span, backend, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordError(backend, op)
	}
	span.End()
}
