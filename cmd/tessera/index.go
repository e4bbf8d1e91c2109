package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sbl8/tessera/expr"
	"github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/tile"
)

func newIndexCmd(a *app) *cobra.Command {
	var src, idx, out string
	cmd := &cobra.Command{
		Use:   "index --src <file> --idx <file> --out <file>",
		Short: "Evaluate src[idx] on the configured engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srcTile, err := readTile(src)
			if err != nil {
				return err
			}
			idxTile, err := readTile(idx)
			if err != nil {
				return err
			}
			sv, err := srcTile.Materialize()
			if err != nil {
				return err
			}
			iv, err := idxTile.Materialize()
			if err != nil {
				return err
			}

			eng, st, err := a.engine()
			if err != nil {
				return err
			}
			defer st.Close()

			srcArr, err := eng.FromValue(ctx, sv, runtime.CreateOptions{})
			if err != nil {
				return err
			}
			idxArr, err := eng.FromValue(ctx, iv, runtime.CreateOptions{})
			if err != nil {
				return err
			}
			res, err := expr.Index(expr.Lift(srcArr), expr.Lift(idxArr)).Evaluate(ctx, eng)
			if err != nil {
				return err
			}
			v, err := res.Glom(ctx)
			if err != nil {
				return err
			}
			t, err := tile.FromValue(v)
			if err != nil {
				return err
			}
			if err := writeTile(out, t); err != nil {
				return err
			}

			stats := eng.Stats()
			a.logger.Info("index evaluated",
				slog.Any("shape", res.Shape()),
				slog.Int64("kernels", stats.KernelInvocations),
				slog.Duration("avg_latency", stats.AverageLatency))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %v %v to %s\n", res.Shape(), res.DType(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "source tile file")
	cmd.Flags().StringVar(&idx, "idx", "", "index tile file")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	for _, name := range []string{"src", "idx", "out"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}
