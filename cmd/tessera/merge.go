package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/tile"
)

func newMergeCmd(a *app) *cobra.Command {
	var (
		reducer string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "merge <base> <incoming>...",
		Short: "Accumulate tiles into a base tile",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := kernels.ParseReducer(reducer)
			if err != nil {
				return err
			}
			base, err := readTile(args[0])
			if err != nil {
				return err
			}
			var total tile.MergeStats
			for _, path := range args[1:] {
				inc, err := readTile(path)
				if err != nil {
					return err
				}
				stats, err := tile.MergeWithStats(base, inc, r)
				if err != nil {
					return fmt.Errorf("merge %s: %w", path, err)
				}
				a.logger.Debug("merged tile",
					slog.String("file", path),
					slog.Int("replaced", stats.Replaced),
					slog.Int("updated", stats.Updated))
				total.Replaced += stats.Replaced
				total.Updated += stats.Updated
			}
			if out == "" {
				out = args[0]
			}
			if err := writeTile(out, base); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d tiles with %v into %s: %d replaced, %d updated\n",
				len(args)-1, r, out, total.Replaced, total.Updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&reducer, "reducer", "replace", "accumulation function")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, defaults to the base")
	return cmd
}
