package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/fetcher"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

var errBadBBox = errors.New("bbox must be min_lon,min_lat,max_lon,max_lat")

func (a *app) fetchCmd() *cobra.Command {
	var (
		xStart, xEnd, yStart, yEnd int
		zoom, batchSize, workers   int
		bbox, batches              string
		retryFailed, resume        bool
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download tiles in batches",
		Long: `Download every tile of a range, batch by batch, into raw/batch-NNN.

The range comes from --x-start/--x-end/--y-start/--y-end, from --bbox, from
the configuration file, or with --resume from the previous run's progress.
Tiles already on disk are never requested again.`,
		Example: `  tilemosaic fetch --x-start 865000 --x-end 865099 --y-start 525600 --y-end 525699
  tilemosaic fetch --bbox 106.80,-6.25,106.85,-6.20 --zoom 18
  tilemosaic fetch --resume
  tilemosaic fetch --retry-failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			flags := cmd.Flags()

			if flags.Changed("zoom") {
				cfg.Fetch.Zoom = zoom
			}
			if flags.Changed("batch-size") {
				cfg.Fetch.BatchSize = batchSize
			}
			if flags.Changed("concurrency") {
				cfg.Fetch.Concurrency = workers
			}

			rangeSet := false
			for name, v := range map[string]struct {
				dst *int
				val int
			}{
				"x-start": {&cfg.Fetch.XStart, xStart},
				"x-end":   {&cfg.Fetch.XEnd, xEnd},
				"y-start": {&cfg.Fetch.YStart, yStart},
				"y-end":   {&cfg.Fetch.YEnd, yEnd},
			} {
				if flags.Changed(name) {
					*v.dst = v.val
					rangeSet = true
				}
			}

			if bbox != "" {
				if rangeSet {
					return errors.New("--bbox cannot be combined with an explicit tile range")
				}
				b, err := parseBBox(bbox)
				if err != nil {
					return err
				}
				cfg.Fetch.SetRange(planner.RangeForBound(b, cfg.Fetch.Zoom))
				rangeSet = true
			}

			if (resume || retryFailed) && !rangeSet {
				restoreRun(cfg)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			f := fetcher.New(cfg.Fetch, cfg.RawDir(), fetcher.WithRunID(a.runID))

			if retryFailed {
				sum, err := f.RetryFailed(ctx)
				if err != nil {
					return err
				}
				printFetchSummary(cmd, sum)
				interrupted(ctx, "fetch")
				return nil
			}

			r := cfg.Fetch.Range()
			plan, err := planner.Plan(r, cfg.Fetch.BatchSize)
			if err != nil {
				return err
			}
			var nums []int
			if batches != "" {
				if nums, err = planner.ParseBatchList(batches); err != nil {
					return err
				}
				if len(planner.Select(plan, nums)) == 0 {
					return fmt.Errorf("none of batches %s is in the plan of %d batches", batches, len(plan))
				}
			}

			slog.Info("fetch plan",
				"x", fmt.Sprintf("%d-%d", r.XStart, r.XEnd),
				"y", fmt.Sprintf("%d-%d", r.YStart, r.YEnd),
				"zoom", cfg.Fetch.Zoom,
				"tiles", humanize.Comma(int64(r.TileCount())),
				"batches", len(plan),
				"selected", len(nums))

			sum, err := f.Run(ctx, plan, nums...)
			if err != nil {
				return err
			}
			printFetchSummary(cmd, sum)
			interrupted(ctx, "fetch")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&xStart, "x-start", 0, "first tile column")
	flags.IntVar(&xEnd, "x-end", 0, "last tile column (inclusive)")
	flags.IntVar(&yStart, "y-start", 0, "first tile row")
	flags.IntVar(&yEnd, "y-end", 0, "last tile row (inclusive)")
	flags.IntVarP(&zoom, "zoom", "z", 0, "zoom level")
	flags.StringVar(&bbox, "bbox", "", "geographic range as min_lon,min_lat,max_lon,max_lat")
	flags.IntVar(&batchSize, "batch-size", 0, "tiles per batch side")
	flags.IntVar(&workers, "concurrency", 0, "concurrent downloads")
	flags.StringVar(&batches, "batches", "", "only these batches, e.g. 1,2,5 or 1-10")
	flags.BoolVar(&resume, "resume", false, "continue the previous run's range")
	flags.BoolVar(&retryFailed, "retry-failed", false, "retry only tiles recorded as failed")

	return cmd
}

// restoreRun copies the grid of the stored fetch run into cfg.
func restoreRun(cfg *config.Config) {
	p := checkpoint.NewFetchStore(cfg.FetchProgressPath()).Load()
	if p.Empty() {
		return
	}
	run := p.Run
	cfg.Fetch.SetRange(planner.Range{XStart: run.XStart, XEnd: run.XEnd, YStart: run.YStart, YEnd: run.YEnd})
	cfg.Fetch.Zoom = run.Zoom
	cfg.Fetch.Variant = run.Variant
	cfg.Fetch.BatchSize = run.BatchSize
	slog.Info("resuming stored run",
		"completed_batches", len(p.CompletedBatches),
		"total_batches", p.TotalBatches)
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, errBadBBox
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: %v", errBadBBox, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return orb.Bound{}, fmt.Errorf("%w: minimum must be below maximum", errBadBBox)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func printFetchSummary(cmd *cobra.Command, sum *fetcher.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batches:     %d\n", len(sum.Processed))
	fmt.Fprintf(out, "Downloaded:  %s tiles (%s)\n", humanize.Comma(int64(sum.Succeeded)), humanize.Bytes(uint64(sum.Bytes)))
	fmt.Fprintf(out, "Skipped:     %s tiles\n", humanize.Comma(int64(sum.Skipped)))
	fmt.Fprintf(out, "Failed:      %s tiles\n", humanize.Comma(int64(sum.Failed)))
	fmt.Fprintf(out, "Elapsed:     %s\n", sum.Elapsed.Round(time.Millisecond))
	if sum.Interrupted {
		fmt.Fprintln(out, "Interrupted: run again to resume")
	}
}
