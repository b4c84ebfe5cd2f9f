// Package main provides the tilemosaic command-line tool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// app carries state shared by every command.
type app struct {
	configPath string
	workDir    string
	logLevel   string
	logFormat  string
	metrics    bool

	cfg   *config.Config
	runID string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, finishing current work", "signal", sig.String())
		cancel()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "tilemosaic",
		Short: "Download map tiles and assemble them into GeoTIFF mosaics",
		Long: `tilemosaic downloads a rectangular range of map tiles in batches,
georeferences every tile and merges batches into GeoTIFF mosaics.

Every stage checkpoints its progress under the work directory and resumes
where it stopped.

Commands:
  fetch     Download tiles
  georef    Georeference downloaded tiles
  merge     Merge georeferenced batches into mosaics
  list      Show the state of every batch
  export    Write a Parquet catalog of tiles and mosaics`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default is ./tilemosaic.yaml)")
	flags.StringVarP(&a.workDir, "work-dir", "w", "", "work directory holding raw, georeferenced and merged")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.BoolVar(&a.metrics, "metrics", false, "serve Prometheus metrics while running")

	root.AddCommand(a.fetchCmd())
	root.AddCommand(a.georefCmd())
	root.AddCommand(a.mergeCmd())
	root.AddCommand(a.listCmd())
	root.AddCommand(a.exportCmd())
	root.AddCommand(versionCmd())

	return root
}

// setup loads configuration, applies global flag overrides and starts
// logging and metrics.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.workDir != "" {
		cfg.WorkDir = a.workDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.metrics {
		cfg.Metrics.Enabled = true
	}
	a.cfg = cfg

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	a.runID = logging.GenerateCorrelationID()
	slog.SetDefault(slog.Default().With("run_id", a.runID))
	slog.Info("tilemosaic starting",
		"version", Version,
		"git_sha", GitSHA,
		"command", cmd.Name(),
		"work_dir", cfg.WorkDir)

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		ctx := cmd.Context()
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "address", cfg.Metrics.Address, "error", err)
			}
		}()
		slog.Info("serving metrics", "address", cfg.Metrics.Address)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tilemosaic %s (commit: %s)\n", Version, GitSHA)
		},
	}
}

// interrupted logs a clean stop after cancellation. Cancellation is not
// an error: progress has been saved.
func interrupted(ctx context.Context, stage string) bool {
	if ctx.Err() == nil {
		return false
	}
	slog.Info("shutdown complete, progress saved", "stage", stage)
	return true
}
