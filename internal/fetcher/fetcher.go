// Package fetcher downloads tile batches with bounded concurrency and
// records resumable progress.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
	"github.com/withObsrvr/tilemosaic/internal/outcome"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// Fetcher downloads the tiles of a plan into rawDir/batch-NNN.
type Fetcher struct {
	cfg      config.FetchConfig
	rawDir   string
	client   *Client
	sem      *semaphore.Weighted
	progress *checkpoint.FetchStore
	ledger   *checkpoint.LedgerStore
	metrics  *metrics.Metrics
	runID    string
	log      *slog.Logger

	mu          sync.Mutex // guards state and failed
	state       *checkpoint.FetchProgress
	failed      *checkpoint.FailedLedger
	onBatchDone func(checkpoint.BatchStats)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMetrics records metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithRunID tags fresh progress with id.
func WithRunID(id string) Option {
	return func(f *Fetcher) { f.runID = id }
}

// WithBatchHook calls fn after each batch has been recorded and saved.
func WithBatchHook(fn func(checkpoint.BatchStats)) Option {
	return func(f *Fetcher) { f.onBatchDone = fn }
}

// Summary reports what a Run did.
type Summary struct {
	Processed   []int
	Interrupted bool
	Succeeded   int
	Skipped     int
	Failed      int
	Bytes       int64
	Elapsed     time.Duration
}

// New creates a fetcher storing tiles and progress under rawDir.
func New(cfg config.FetchConfig, rawDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:      cfg,
		rawDir:   rawDir,
		sem:      semaphore.NewWeighted(int64(max(cfg.Concurrency, 1))),
		progress: checkpoint.NewFetchStore(filepath.Join(rawDir, "progress.json")),
		ledger:   checkpoint.NewLedgerStore(filepath.Join(rawDir, "failed_tiles.json")),
		metrics:  metrics.Get(),
		runID:    logging.GenerateCorrelationID(),
		log:      logging.Component("fetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client = NewClient(cfg, f.metrics)
	return f
}

// RunSpec describes the configured run for progress matching.
func (f *Fetcher) RunSpec() checkpoint.RunSpec {
	return checkpoint.RunSpec{
		XStart:      f.cfg.XStart,
		XEnd:        f.cfg.XEnd,
		YStart:      f.cfg.YStart,
		YEnd:        f.cfg.YEnd,
		Zoom:        f.cfg.Zoom,
		Variant:     f.cfg.Variant,
		BatchSize:   f.cfg.BatchSize,
		Concurrency: f.cfg.Concurrency,
	}
}

// Progress returns a snapshot of the loaded progress, loading it if needed.
func (f *Fetcher) Progress() checkpoint.FetchProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadLocked()
	return *f.state
}

func (f *Fetcher) loadLocked() {
	if f.state == nil {
		f.state = f.progress.Load()
		if f.state.Empty() {
			f.state = checkpoint.NewFetchProgress(f.runID, f.RunSpec(), 0, 0, time.Now().UTC())
		}
	}
	if f.failed == nil {
		f.failed = f.ledger.Load()
	}
}

// Run fetches every batch of the plan that earlier runs have not completed,
// or only the batches numbered in only when it is non-empty. Totals and the
// ETA always describe the whole plan. Progress recorded for a different grid
// is discarded. Cancelling ctx stops the run between batches and stops new
// requests inside the current batch; the partial batch is recorded before
// Run returns. Failing to persist progress is an error.
func (f *Fetcher) Run(ctx context.Context, plan []planner.Batch, only ...int) (*Summary, error) {
	start := time.Now()

	totalTiles := 0
	for _, b := range plan {
		totalTiles += b.TileCount
	}
	batches := plan
	if len(only) > 0 {
		batches = planner.Select(plan, only)
	}

	f.mu.Lock()
	f.loadLocked()
	if !f.state.Run.SameGrid(f.RunSpec()) {
		if len(f.state.CompletedBatches) > 0 {
			f.log.Warn("stored progress belongs to a different tile grid, starting fresh",
				"stored", f.state.Run, "current", f.RunSpec())
		}
		f.state = checkpoint.NewFetchProgress(f.runID, f.RunSpec(), totalTiles, len(plan), time.Now().UTC())
		f.failed = &checkpoint.FailedLedger{}
	}
	f.state.Run.Concurrency = f.cfg.Concurrency
	f.state.TotalTiles = totalTiles
	f.state.TotalBatches = len(plan)
	pending := planner.Pending(batches, f.state.CompletedBatches)
	completed := len(f.state.CompletedBatches)
	f.mu.Unlock()

	if completed > 0 {
		f.log.Info("resuming fetch",
			"completed_batches", completed,
			"remaining_batches", len(pending),
			"tiles_downloaded", f.state.TilesDownloaded)
	} else {
		f.log.Info("starting fetch",
			"batches", len(batches),
			"tiles", humanize.Comma(int64(totalTiles)),
			"concurrency", f.cfg.Concurrency)
	}

	sum := &Summary{}
	for _, b := range pending {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}

		stats, err := f.FetchBatch(ctx, b)
		if err != nil {
			return sum, err
		}
		sum.Processed = append(sum.Processed, b.Num)
		sum.Succeeded += stats.Succeeded
		sum.Skipped += stats.Skipped
		sum.Failed += stats.Failed
		sum.Bytes += stats.Bytes
		if stats.Status == checkpoint.StatusInterrupted {
			sum.Interrupted = true
			break
		}
	}
	sum.Elapsed = time.Since(start)

	f.log.Info("fetch finished",
		"batches", len(sum.Processed),
		"succeeded", sum.Succeeded,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"bytes", humanize.Bytes(uint64(sum.Bytes)),
		"interrupted", sum.Interrupted,
		"duration_ms", sum.Elapsed.Milliseconds())

	return sum, nil
}

// FetchBatch downloads every missing tile of b. Tiles already on disk are
// skipped without a request. Failed tiles do not stop the batch; they are
// written to the failed-tile ledger. The returned error is reserved for
// local failures such as an uncreatable batch directory or progress that
// cannot be saved.
func (f *Fetcher) FetchBatch(ctx context.Context, b planner.Batch) (checkpoint.BatchStats, error) {
	start := time.Now()
	log := logging.BatchLogger("fetch", b.Num)

	dir := filepath.Join(f.rawDir, b.Dir())
	if err := util.EnsureDir(dir); err != nil {
		return checkpoint.BatchStats{}, fmt.Errorf("create batch directory %s: %w", dir, err)
	}

	f.mu.Lock()
	f.loadLocked()
	f.state.SetCurrent(b.Num)
	err := f.progress.Save(f.state)
	f.mu.Unlock()
	if err != nil {
		return checkpoint.BatchStats{}, fmt.Errorf("save fetch progress: %w", err)
	}

	log.Info("fetching batch",
		"x", fmt.Sprintf("%d-%d", b.XStart, b.XEnd),
		"y", fmt.Sprintf("%d-%d", b.YStart, b.YEnd),
		"tiles", b.TileCount)

	var (
		tallyMu sync.Mutex
		tally   outcome.Tally
		wg      sync.WaitGroup
	)
	add := func(o outcome.Outcome) {
		tallyMu.Lock()
		tally.Add(o)
		tallyMu.Unlock()
	}

	interrupted := false
	for _, t := range b.Tiles(f.cfg.Zoom) {
		path := filepath.Join(dir, geo.FileName(t, f.cfg.TileExt))
		if util.FileExists(path) {
			add(outcome.Skipped{Tile: t})
			f.metrics.IncTile("skipped", 0)
			continue
		}

		// Acquire may succeed on a done context, so check first.
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if err := f.sem.Acquire(ctx, 1); err != nil {
			interrupted = true
			break
		}

		wg.Add(1)
		f.metrics.AddInFlight("fetch", 1)
		go func(t geo.Tile, path string) {
			defer wg.Done()
			defer f.sem.Release(1)
			defer f.metrics.AddInFlight("fetch", -1)
			add(f.fetchTile(ctx, t, path))
		}(t, path)
	}
	wg.Wait()

	if ctx.Err() != nil {
		interrupted = true
	}

	status := checkpoint.StatusCompleted
	if interrupted {
		status = checkpoint.StatusInterrupted
	}
	stats := tally.Stats(b.Num, b.TileCount, time.Since(start), status)

	f.mu.Lock()
	f.state.RecordBatch(stats, !interrupted, f.cfg.DetailLimit, time.Now().UTC())
	var saveErr error
	if !interrupted {
		f.failed.Set(b.Num, tally.FailedTiles())
		if err := f.ledger.Save(f.failed); err != nil {
			saveErr = fmt.Errorf("save failed tile ledger: %w", err)
		}
	}
	if err := f.progress.Save(f.state); err != nil && saveErr == nil {
		saveErr = fmt.Errorf("save fetch progress: %w", err)
	}
	eta := f.state.EstimatedCompletion
	done := len(f.state.CompletedBatches)
	total := f.state.TotalBatches
	f.mu.Unlock()

	if saveErr != nil {
		log.Error("cannot record batch", "error", saveErr)
		return stats, saveErr
	}

	f.metrics.ObserveBatch("fetch", status, stats.Seconds)

	attrs := []any{
		"status", status,
		"succeeded", stats.Succeeded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"bytes", humanize.Bytes(uint64(stats.Bytes)),
		"rate_per_sec", fmt.Sprintf("%.1f", stats.TilesPerSecond),
		"duration_ms", time.Since(start).Milliseconds(),
		"progress", fmt.Sprintf("%d/%d", done, total),
	}
	if eta != nil {
		attrs = append(attrs, "eta", humanize.Time(*eta))
	}
	log.Info("batch finished", attrs...)

	if f.onBatchDone != nil {
		f.onBatchDone(stats)
	}
	return stats, nil
}

func (f *Fetcher) fetchTile(ctx context.Context, t geo.Tile, path string) outcome.Outcome {
	size, retries, err := f.client.Download(ctx, f.client.URL(t), path)
	if err != nil {
		f.metrics.IncTile("failed", 0)
		return outcome.Failed{Tile: t, Err: err, Retries: retries}
	}
	f.metrics.IncTile("success", size)
	return outcome.Success{Tile: t, SizeBytes: size}
}

// RetryFailed re-requests only the tiles in the failed-tile ledger. Tiles
// that now succeed leave the ledger; the rest stay with their new error.
func (f *Fetcher) RetryFailed(ctx context.Context) (*Summary, error) {
	start := time.Now()

	f.mu.Lock()
	f.loadLocked()
	nums := f.failed.BatchNums()
	entries := make(map[int][]checkpoint.FailedTile, len(nums))
	for _, n := range nums {
		entries[n] = append([]checkpoint.FailedTile(nil), f.failed.Batches[n]...)
	}
	zoom := f.state.Run.Zoom
	f.mu.Unlock()

	if zoom == 0 {
		zoom = f.cfg.Zoom
	}

	sum := &Summary{}
	for _, n := range nums {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}

		dir := filepath.Join(f.rawDir, planner.DirName(n))
		if err := util.EnsureDir(dir); err != nil {
			return sum, fmt.Errorf("create batch directory %s: %w", dir, err)
		}

		var (
			mu        sync.Mutex
			tally     outcome.Tally
			remaining []checkpoint.FailedTile
			wg        sync.WaitGroup
		)
		for i, ft := range entries[n] {
			if ctx.Err() != nil || f.sem.Acquire(ctx, 1) != nil {
				sum.Interrupted = true
				mu.Lock()
				remaining = append(remaining, entries[n][i:]...)
				mu.Unlock()
				break
			}
			wg.Add(1)
			go func(ft checkpoint.FailedTile) {
				defer wg.Done()
				defer f.sem.Release(1)
				t := geo.Tile{X: ft.X, Y: ft.Y, Zoom: zoom}
				path := filepath.Join(dir, geo.FileName(t, f.cfg.TileExt))
				var o outcome.Outcome
				if util.FileExists(path) {
					o = outcome.Skipped{Tile: t}
				} else {
					o = f.fetchTile(ctx, t, path)
				}
				mu.Lock()
				tally.Add(o)
				mu.Unlock()
			}(ft)
		}
		wg.Wait()
		remaining = append(remaining, tally.FailedTiles()...)

		recovered := tally.Succeeded + tally.Skipped
		f.mu.Lock()
		f.failed.Set(n, remaining)
		f.state.RecordRecovered(recovered, tally.Bytes)
		err := f.ledger.Save(f.failed)
		if err != nil {
			err = fmt.Errorf("save failed tile ledger: %w", err)
		} else if err = f.progress.Save(f.state); err != nil {
			err = fmt.Errorf("save fetch progress: %w", err)
		}
		f.mu.Unlock()
		if err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		logging.BatchLogger("fetch", n).Info("retried failed tiles",
			"recovered", recovered,
			"still_failing", len(remaining))

		sum.Processed = append(sum.Processed, n)
		sum.Succeeded += tally.Succeeded
		sum.Skipped += tally.Skipped
		sum.Failed += len(remaining)
		sum.Bytes += tally.Bytes
	}
	sum.Elapsed = time.Since(start)
	return sum, nil
}
