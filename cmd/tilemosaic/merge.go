package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/gdal"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
	"github.com/withObsrvr/tilemosaic/internal/mosaic"
	"github.com/withObsrvr/tilemosaic/internal/notify"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/storage"
	"github.com/withObsrvr/tilemosaic/internal/watcher"
)

var errMergeFailed = errors.New("some batches failed to merge")

func (a *app) mergeCmd() *cobra.Command {
	var (
		batches       string
		parallel      bool
		workers       int
		singleFile    bool
		outputName    string
		watch         bool
		resume        bool
		checkInterval time.Duration
		readiness     string
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge georeferenced batches into mosaics",
		Long: `Merge each ready batch into merged/batch-NNN.tif, or every selected batch
into one mosaic with --single-file.

With --watch the command keeps polling until every requested batch has been
merged or has failed, merging batches as the georeference stage completes
them. Its state is saved to merged/watch_progress.json; --resume continues
it.`,
		Example: `  tilemosaic merge --batches 1-4
  tilemosaic merge --single-file
  tilemosaic merge --watch --batches 1-20 --parallel --workers 4
  tilemosaic merge --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			flags := cmd.Flags()

			if flags.Changed("parallel") {
				cfg.Merge.Parallel = parallel
			}
			if flags.Changed("workers") {
				cfg.Merge.Workers = workers
			}
			if flags.Changed("check-interval") {
				cfg.Merge.CheckInterval = checkInterval
			}
			if flags.Changed("readiness") {
				cfg.Merge.Readiness = readiness
			}
			if flags.Changed("output-name") {
				cfg.Merge.OutputName = outputName
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if resume {
				watch = true
			}

			runner, err := a.gdalRunner(gdal.BuildVRT, gdal.Translate)
			if err != nil {
				return err
			}
			ready, err := watcher.NewReadiness(cfg.Merge.Readiness, cfg.RawDir(), cfg.GeorefDir())
			if err != nil {
				return err
			}

			publisher, err := storage.New(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer publisher.Close()

			emitter := notify.NewEmitter(cfg.Notify, filepath.Join(cfg.MergedDir(), "events"))
			defer emitter.Close()

			builder := mosaic.New(runner, mosaic.OptionsFromConfig(cfg.Merge, cfg.Georef.SRS))
			store := checkpoint.NewWatchStore(cfg.WatchProgressPath())
			c := watcher.NewCoordinator(
				watcher.NewMerger(builder, cfg.GeorefDir(), cfg.MergedDir()),
				ready,
				store,
				watcher.Options{
					Parallel:      cfg.Merge.Parallel,
					Workers:       cfg.Merge.EffectiveWorkers(),
					CheckInterval: cfg.Merge.CheckInterval,
				},
				watcher.WithPublisher(publisher),
				watcher.WithEmitter(emitter, notify.ProducerInfo{Name: "tilemosaic", Version: Version, GitSHA: GitSHA}),
				watcher.WithMetrics(metrics.Get()),
				watcher.WithRunID(a.runID),
			)

			nums, err := a.mergeSelection(batches, watch, resume, store)
			if err != nil {
				return err
			}
			if len(nums) == 0 {
				return errors.New("no batches to merge")
			}

			switch {
			case singleFile:
				art, err := c.MergeRun(ctx, cfg.Merge.OutputName, nums)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Mosaic: %s (%d tiles, %s)\n",
					art.Path, art.Tiles, humanize.Bytes(uint64(art.SizeBytes)))
				fmt.Fprintf(cmd.OutOrStdout(), "Log:    %s\n", mosaic.LogPath(art.Path))
				return nil

			case watch:
				state, err := c.Run(ctx, nums)
				if err != nil {
					return err
				}
				printWatchState(cmd, state)
				interrupted(ctx, "merge")
				return nil

			default:
				results := c.MergeBatches(ctx, nums)
				printMergeResults(cmd, results)
				for _, r := range results {
					if r.Err != nil {
						return errMergeFailed
					}
				}
				interrupted(ctx, "merge")
				return nil
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&batches, "batches", "", "batches to merge, e.g. 1,2,5 or 1-10 (default: all)")
	flags.BoolVar(&parallel, "parallel", false, "merge several batches at once")
	flags.IntVar(&workers, "workers", 0, "concurrent merges with --parallel (default: CPU count)")
	flags.BoolVar(&singleFile, "single-file", false, "merge every selected batch into one mosaic")
	flags.StringVar(&outputName, "output-name", "", "base name of the --single-file mosaic")
	flags.BoolVar(&watch, "watch", false, "keep merging batches as they become ready")
	flags.BoolVar(&resume, "resume", false, "resume the previous watch")
	flags.DurationVar(&checkInterval, "check-interval", 0, "polling interval with --watch")
	flags.StringVar(&readiness, "readiness", "", "when a batch is ready: complete or any")
	cmd.MarkFlagsMutuallyExclusive("single-file", "watch")
	cmd.MarkFlagsMutuallyExclusive("single-file", "resume")

	return cmd
}

// mergeSelection resolves which batches a merge covers. Explicit batches
// win; a resumed watch reuses its requested set; otherwise every batch
// found on disk is used.
func (a *app) mergeSelection(list string, watch, resume bool, store *checkpoint.WatchStore) ([]int, error) {
	if list != "" {
		return planner.ParseBatchList(list)
	}
	if resume {
		if prev := store.Load(); !prev.Empty() {
			return prev.Requested, nil
		}
	}
	if watch {
		infos, err := watcher.Inventory(a.cfg.RawDir(), a.cfg.GeorefDir(), a.cfg.MergedDir())
		if err != nil {
			return nil, err
		}
		nums := make([]int, len(infos))
		for i, info := range infos {
			nums[i] = info.Batch
		}
		return nums, nil
	}
	return planner.ListBatches(a.cfg.GeorefDir())
}

func printWatchState(cmd *cobra.Command, s checkpoint.WatchProgress) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Merged:  %v\n", s.Merged)
	fmt.Fprintf(out, "Waiting: %v\n", s.Waiting)
	fmt.Fprintf(out, "Failed:  %v\n", s.Failed)
	for _, n := range s.Failed {
		fmt.Fprintf(out, "  batch %d: %s\n", n, s.Errors[n])
	}
}

func printMergeResults(cmd *cobra.Command, results []watcher.Result) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(cmd.OutOrStdout())
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Batch", "Status", "Tiles", "Size", "Output"})

	for _, r := range results {
		switch {
		case r.NotReady:
			tbl.AppendRow(table.Row{r.Batch, "not ready", "", "", ""})
		case r.Err != nil:
			tbl.AppendRow(table.Row{r.Batch, "failed", "", "", r.Err.Error()})
		case r.Artifact.AlreadyExisted:
			tbl.AppendRow(table.Row{r.Batch, "exists", "", humanize.Bytes(uint64(r.Artifact.SizeBytes)), filepath.Base(r.Artifact.Path)})
		default:
			tbl.AppendRow(table.Row{r.Batch, "merged", r.Artifact.Tiles, humanize.Bytes(uint64(r.Artifact.SizeBytes)), filepath.Base(r.Artifact.Path)})
		}
	}
	tbl.Render()
}
