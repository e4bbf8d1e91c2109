package runtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

func newTestEngine(t *testing.T, workers int) (*Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore(store.Options{})
	t.Cleanup(func() { st.Close() })
	eng, err := NewEngine(st, &EngineOptions{Workers: workers})
	require.NoError(t, err)
	return eng, st
}

func newBenchStore(b *testing.B) store.Store {
	st := store.NewMemStore(store.Options{})
	b.Cleanup(func() { st.Close() })
	return st
}

func denseOf(t *testing.T, shape []int, vals ...float64) *array.Dense {
	t.Helper()
	d, err := array.FromFloat64s(shape, core.Float64, vals)
	require.NoError(t, err)
	return d
}

func floatsOf(t *testing.T, v array.Value) []float64 {
	t.Helper()
	switch x := v.(type) {
	case *array.Dense:
		return x.Float64s()
	case *array.Masked:
		return x.Data.Float64s()
	}
	t.Fatalf("unexpected %T", v)
	return nil
}

// detachedStore completes creates even after the caller's context ends.
type detachedStore struct {
	store.Store
}

func (s detachedStore) Create(ctx context.Context, t *tile.Tile) *store.Handle {
	return s.Store.Create(context.WithoutCancel(ctx), t)
}

func TestNewEngine(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(nil, nil)
	assert.Error(t, err)

	st := store.NewMemStore(store.Options{})
	defer st.Close()

	eng, err := NewEngine(st, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineOptions().Workers, eng.Workers())
	assert.Same(t, store.Store(st), eng.Store())

	eng, err = NewEngine(st, &EngineOptions{Workers: -1})
	require.NoError(t, err)
	assert.Positive(t, eng.Workers())

	_, err = NewEngine(st, &EngineOptions{TileHint: []int{0, 2}})
	assert.Error(t, err)
}

func TestEngineOptions(t *testing.T) {
	t.Parallel()
	opts := DefaultEngineOptions()
	assert.Positive(t, opts.Workers)
	assert.Equal(t, tile.ReadRelaxed, opts.ReadPolicy)

	eng, _ := newTestEngine(t, 4)
	assert.Equal(t, 4, eng.Workers())
	eng.SetWorkers(0)
	assert.Equal(t, 4, eng.Workers())
	eng.SetWorkers(2)
	assert.Equal(t, 2, eng.Workers())
	assert.Same(t, slog.Default(), eng.Logger(), "nil logger falls back to the default")

	logger := slog.New(slog.DiscardHandler)
	st := store.NewMemStore(store.Options{})
	defer st.Close()
	eng, err := NewEngine(st, &EngineOptions{Logger: logger})
	require.NoError(t, err)
	assert.Same(t, logger, eng.Logger())
}

func TestEngineDefaultTileHint(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore(store.Options{})
	defer st.Close()
	eng, err := NewEngine(st, &EngineOptions{Workers: 2, TileHint: []int{2, 2}})
	require.NoError(t, err)

	a, err := eng.Create(context.Background(), []int{4, 4}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	assert.Len(t, a.Extents(), 4)

	// hint rank does not match, leading-axis split applies
	b, err := eng.Create(context.Background(), []int{4}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	assert.Len(t, b.Extents(), 2)
}

func TestEngineStrictReads(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore(store.Options{})
	defer st.Close()
	eng, err := NewEngine(st, &EngineOptions{Workers: 2, ReadPolicy: tile.ReadStrict})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := eng.Create(ctx, []int{4}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	_, err = a.Glom(ctx)
	assert.ErrorIs(t, err, core.ErrUninitializedRead)

	require.NoError(t, a.Update(ctx, core.FromShape([]int{4}), denseOf(t, []int{4}, 1, 2, 3, 4)))
	v, err := a.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, floatsOf(t, v))
}

func TestEngineStats(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)
	ctx := context.Background()

	a, err := eng.Create(ctx, []int{4}, core.Float64, CreateOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, eng.Stats().TilesCreated)

	_, err = eng.MapToArray(ctx, a, func(ctx context.Context, ex core.Extent, _ Deps) ([]Result, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	stats := eng.Stats()
	assert.EqualValues(t, 2, stats.KernelInvocations)
	assert.Zero(t, stats.KernelFailures)
	assert.GreaterOrEqual(t, stats.AverageLatency.Nanoseconds(), int64(0))
}

func TestEngineWorkersConcurrentAccess(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, 2)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			eng.SetWorkers(i)
		}()
		go func() {
			defer wg.Done()
			assert.Positive(t, eng.Workers())
		}()
	}
	wg.Wait()

	eng.SetWorkers(3)
	assert.Equal(t, 3, eng.Workers())
	eng.SetWorkers(0)
	assert.Equal(t, 3, eng.Workers(), "non-positive bounds are ignored")
}

func TestRegisterCancelledDropsTile(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore(store.Options{})
	t.Cleanup(func() { st.Close() })
	eng, err := NewEngine(detachedStore{st}, &EngineOptions{Workers: 1})
	require.NoError(t, err)

	tl, err := tile.FromValue(denseOf(t, []int{2}, 1, 2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var failed int
	for range 20 {
		id, err := eng.Register(ctx, tl)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			failed++
			continue
		}
		// the create won the race; it is the caller's tile to drop
		require.NoError(t, st.Delete(context.Background(), id))
	}
	t.Logf("%d of 20 registrations abandoned", failed)

	assert.Eventually(t, func() bool { return st.Len() == 0 },
		time.Second, 5*time.Millisecond, "abandoned tiles must be deleted")
}
