package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/tessera/array"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

type benchOptions struct {
	rows, cols int
	iterations int
	reducer    string
	dtype      string
}

func newBenchCmd(a *app) *cobra.Command {
	o := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure merge throughput against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.cfg.OpenStore(a.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			res, err := runBench(cmd.Context(), st, o)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tile: %dx%d %s, reducer %s\n", o.rows, o.cols, o.dtype, o.reducer)
			fmt.Fprintf(out, "Merges: %d in %v\n", o.iterations, res.elapsed)
			fmt.Fprintf(out, "Per merge: %v\n", res.perMerge())
			fmt.Fprintf(out, "Throughput: %.2f Mcells/s\n", res.cellRate()/1e6)
			return nil
		},
	}
	cmd.Flags().IntVar(&o.rows, "rows", 256, "tile rows")
	cmd.Flags().IntVar(&o.cols, "cols", 256, "tile columns")
	cmd.Flags().IntVar(&o.iterations, "iter", 100, "number of merges")
	cmd.Flags().StringVar(&o.reducer, "reducer", "add", "accumulation function")
	cmd.Flags().StringVar(&o.dtype, "dtype", "float32", "element type")
	return cmd
}

type benchResult struct {
	merges  int
	cells   int
	elapsed time.Duration
}

func (r benchResult) perMerge() time.Duration {
	if r.merges == 0 {
		return 0
	}
	return r.elapsed / time.Duration(r.merges)
}

func (r benchResult) cellRate() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.cells) / r.elapsed.Seconds()
}

// runBench repeatedly merges random dense tiles into one stored tile.
func runBench(ctx context.Context, st store.Store, o benchOptions) (benchResult, error) {
	if o.rows <= 0 || o.cols <= 0 || o.iterations <= 0 {
		return benchResult{}, fmt.Errorf("%w: rows, cols and iter must be positive", core.ErrShape)
	}
	r, err := kernels.ParseReducer(o.reducer)
	if err != nil {
		return benchResult{}, err
	}
	dt, err := core.ParseDType(o.dtype)
	if err != nil {
		return benchResult{}, err
	}
	shape := []int{o.rows, o.cols}
	base, err := tile.FromShape(shape, dt, tile.RepDense)
	if err != nil {
		return benchResult{}, err
	}
	id, err := st.Create(ctx, base).WaitContext(ctx)
	if err != nil {
		return benchResult{}, err
	}
	defer st.Delete(ctx, id)

	vals := make([]float64, o.rows*o.cols)
	for i := range vals {
		vals[i] = rand.Float64()
	}
	d, err := array.FromFloat64s(shape, dt, vals)
	if err != nil {
		return benchResult{}, err
	}
	inc, err := tile.FromValue(d)
	if err != nil {
		return benchResult{}, err
	}

	res := benchResult{}
	start := time.Now()
	for i := 0; i < o.iterations; i++ {
		if err := st.Update(ctx, id, inc, r); err != nil {
			return res, err
		}
		res.merges++
		res.cells += len(vals)
	}
	res.elapsed = time.Since(start)
	return res, nil
}
