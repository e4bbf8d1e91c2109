package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/telemetry"
	"github.com/sbl8/tessera/tile"
)

// app carries state shared by every subcommand.
type app struct {
	cfgPath  string
	logLevel string

	cfg       config.Config
	logger    *slog.Logger
	providers *telemetry.Providers
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tessera",
		Short:         "Work with tessera tile files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newInspectCmd(a),
		newMergeCmd(a),
		newIndexCmd(a),
		newBenchCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	a.cfg = cfg
	a.logger = cfg.Logger()
	slog.SetDefault(a.logger)

	a.providers, err = telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{Logger: a.logger})
	return err
}

func (a *app) teardown(ctx context.Context) error {
	if a.providers == nil {
		return nil
	}
	return a.providers.Shutdown(ctx)
}

// engine opens the configured store and an engine over it. The caller
// closes the store.
func (a *app) engine() (*runtime.Engine, store.Store, error) {
	st, err := a.cfg.OpenStore(a.logger)
	if err != nil {
		return nil, nil, err
	}
	eng, err := runtime.NewEngine(st, &runtime.EngineOptions{
		Workers:    a.cfg.Runtime.Workers,
		TileHint:   a.cfg.Runtime.TileHint,
		ReadPolicy: a.cfg.ReadPolicy(),
		Logger:     a.logger,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return eng, st, nil
}

func readTile(path string) (*tile.Tile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := tile.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func writeTile(path string, t *tile.Tile) error {
	data, err := tile.Encode(t)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
