package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tilemosaic/internal/gdal"
	"github.com/withObsrvr/tilemosaic/internal/georef"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

func (a *app) georefCmd() *cobra.Command {
	var (
		batch      int
		batches    string
		batchRange string
		all        bool
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "georef",
		Short: "Georeference downloaded tiles",
		Long: `Write a GeoTIFF for every downloaded tile into georeferenced/batch-NNN.

Without a selection every batch under raw/ is processed. Batches recorded as
complete are skipped unless new tiles have been downloaded since.`,
		Example: `  tilemosaic georef --all
  tilemosaic georef --batch 3
  tilemosaic georef --batches 1,2,5
  tilemosaic georef --range 1-10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if cmd.Flags().Changed("workers") {
				cfg.Georef.Workers = workers
			}

			nums, err := selectBatches(batch, batches, batchRange, all)
			if err != nil {
				return err
			}

			runner, err := a.gdalRunner(gdal.Translate)
			if err != nil {
				return err
			}

			g := georef.New(cfg.Georef, cfg.RawDir(), cfg.GeorefDir(), runner, georef.WithMetrics(metrics.Get()))
			sum, err := g.Run(ctx, nums)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batches:     %d processed, %d skipped\n", len(sum.Processed), len(sum.SkippedBatches))
			fmt.Fprintf(out, "Tiles:       %s georeferenced, %s already done, %s failed\n",
				humanize.Comma(int64(sum.Succeeded)), humanize.Comma(int64(sum.Skipped)), humanize.Comma(int64(sum.Failed)))
			fmt.Fprintf(out, "Elapsed:     %s\n", sum.Elapsed.Round(time.Millisecond))
			if sum.Interrupted {
				fmt.Fprintln(out, "Interrupted: run again to resume")
			}
			interrupted(ctx, "georef")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&batch, "batch", 0, "a single batch")
	flags.StringVar(&batches, "batches", "", "batch list, e.g. 1,2,5")
	flags.StringVar(&batchRange, "range", "", "batch range, e.g. 1-10")
	flags.BoolVar(&all, "all", false, "every downloaded batch (default)")
	flags.IntVar(&workers, "workers", 0, "concurrent GDAL processes")
	cmd.MarkFlagsMutuallyExclusive("batch", "batches", "range", "all")

	return cmd
}

// selectBatches resolves the batch selection flags. An empty result means
// every batch.
func selectBatches(batch int, list, rng string, all bool) ([]int, error) {
	switch {
	case all:
		return nil, nil
	case batch > 0:
		return []int{batch}, nil
	case batch < 0:
		return nil, errors.New("--batch must be positive")
	case list != "":
		return planner.ParseBatchList(list)
	case rng != "":
		return planner.ParseBatchList(rng)
	}
	return nil, nil
}

// gdalRunner returns a runner for the configured GDAL installation after
// checking that tools are available.
func (a *app) gdalRunner(tools ...string) (*gdal.ExecRunner, error) {
	r := gdal.NewExecRunner(a.cfg.Tools.BinDir, a.cfg.Tools.CacheMaxMB)
	if err := r.Check(tools...); err != nil {
		return nil, err
	}
	return r, nil
}
