package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/catalog"
	"github.com/datallboy/presetdl/internal/infra/config"
	"github.com/datallboy/presetdl/internal/infra/logger"
	"github.com/datallboy/presetdl/internal/store"
)

var Version = "dev"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "presetdl",
		Short:        "Background downloader for model presets",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(newServeCmd(), newFetchCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "presetdl", Version)
		},
	}
}

// bootstrap loads config and builds the shared application context. The
// returned cleanup closes the store and the log file.
func bootstrap(ctx context.Context, quiet bool) (*app.Context, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	opts := logger.Options{
		FilePath:      cfg.Log.Path,
		Level:         logger.ParseLevel(cfg.Log.Level),
		IncludeStdout: cfg.Log.IncludeStdout && !quiet,
		JSON:          cfg.Log.JSON,
	}
	log, err := logger.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	appCtx := app.NewContext(cfg, log)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	appCtx.Store = st

	if cfg.Catalog.Path != "" {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			log.Warn("Preset catalog unavailable: %v", err)
		} else {
			appCtx.Catalog = cat
			log.Info("Loaded %d presets from %s", len(cat.IDs()), cfg.Catalog.Path)
		}
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Warn("Failed to close store: %v", err)
		}
		log.Close()
	}
	return appCtx, cleanup, nil
}
