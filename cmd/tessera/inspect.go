package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	var showValues bool
	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Print the header of encoded tiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				t, err := readTile(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", path)
				fmt.Fprintf(out, "  shape:       %v\n", t.Shape())
				fmt.Fprintf(out, "  dtype:       %v\n", t.DType())
				fmt.Fprintf(out, "  rep:         %v\n", t.Rep())
				fmt.Fprintf(out, "  initialized: %t\n", t.Initialized())
				fmt.Fprintf(out, "  valid:       %d/%d\n", t.ValidCount(), t.Size())
				if showValues {
					v, err := t.Materialize()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "  values:      %v\n", v)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showValues, "values", false, "print the materialized values")
	return cmd
}
