// Package tessera implements the tile layer of a distributed array engine.
//
// Arrays are cut into tiles: rectangular pieces addressed by extents in the
// logical array's coordinate space. Each tile carries its own
// representation (dense, masked or one of the sparse layouts), tracks which
// cells have been written and accumulates overlapping writes through a
// reducer.
//
// # Architecture Overview
//
// The engine consists of several key components:
//
//   - Extents: Immutable (offset, shape, array shape) regions with
//     intersection and re-basing
//   - Tiles: Typed buffers with validity tracking and the merge/accumulate
//     operation
//   - Store: Tile persistence keyed by identifier, in memory or on BadgerDB
//   - Runtime: Distributed arrays and a worker-bounded kernel mapper
//   - Expr: Lazy array construction and boolean/integer indexing
//
// # Basic Usage
//
//	st := store.NewMemStore(store.Options{})
//	eng, err := runtime.NewEngine(st, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	src, _ := eng.FromValue(ctx, values, runtime.CreateOptions{})
//	idx, _ := eng.FromValue(ctx, indices, runtime.CreateOptions{})
//	out, err := expr.EvalIndex(ctx, eng, src, idx)
//
// # Package Structure
//
//   - core: Extents, element types, layout and alignment helpers
//   - array: In-memory dense, masked and sparse values
//   - kernels: Reducers and typed accumulation loops
//   - tile: Tiles, representation conversion, merge and the wire codec
//   - store: Tile stores with metrics and tracing
//   - runtime: Engine, distributed arrays and MapToArray
//   - expr: Array expressions and indexing kernels
//   - config, telemetry: Process configuration and otel providers
//   - cmd: Command-line tool (tessera)
package tessera
