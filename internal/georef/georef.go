// Package georef turns downloaded tiles into GeoTIFFs by assigning each one
// its Web Mercator bounds in EPSG:4326.
package georef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/gdal"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
	"github.com/withObsrvr/tilemosaic/internal/outcome"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

const (
	defaultWorkers = 4
	defaultSRS     = "EPSG:4326"
)

// ErrNoRawTiles is returned for a batch directory without downloaded tiles.
var ErrNoRawTiles = errors.New("no raw tiles in batch")

// Georeferencer converts raw batches into georeferenced batches.
type Georeferencer struct {
	rawDir  string
	outDir  string
	runner  gdal.Runner
	srs     string
	workers int
	timeout time.Duration
	store   *checkpoint.GeorefStore
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	state *checkpoint.GeorefProgress
}

// Option configures a Georeferencer.
type Option func(*Georeferencer)

// WithMetrics records metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Georeferencer) { g.metrics = m }
}

// New creates a georeferencer reading rawDir/batch-NNN and writing
// outDir/batch-NNN.
func New(cfg config.GeorefConfig, rawDir, outDir string, runner gdal.Runner, opts ...Option) *Georeferencer {
	g := &Georeferencer{
		rawDir:  rawDir,
		outDir:  outDir,
		runner:  runner,
		srs:     cfg.SRS,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		store:   checkpoint.NewGeorefStore(filepath.Join(outDir, "progress.json")),
		metrics: metrics.Get(),
		log:     logging.Component("georef"),
	}
	if g.srs == "" {
		g.srs = defaultSRS
	}
	if g.workers <= 0 {
		g.workers = defaultWorkers
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Summary reports what a Run did.
type Summary struct {
	Processed      []int
	SkippedBatches []int
	Interrupted    bool
	Succeeded      int
	Skipped        int
	Failed         int
	Elapsed        time.Duration
}

// RawTiles lists the downloaded tiles of a batch directory. Temporary and
// unrelated files are ignored.
func RawTiles(dir string) ([]geo.TilePath, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []geo.TilePath
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		t, ok := geo.ParseFileName(e.Name())
		if !ok || filepath.Ext(e.Name()) == geo.GeoTIFFExt {
			continue
		}
		out = append(out, geo.TilePath{Tile: t, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Tile, out[j].Tile
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return out, nil
}

// GeoreferenceTile writes dst as a GeoTIFF copy of src bounded by t. An
// existing dst is skipped. The tool call outlives ctx cancellation but not
// the configured timeout.
func (g *Georeferencer) GeoreferenceTile(ctx context.Context, src string, t geo.Tile, dst string) outcome.Outcome {
	if util.FileExists(dst) {
		return outcome.Skipped{Tile: t}
	}

	runCtx := context.WithoutCancel(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, g.timeout)
		defer cancel()
	}

	tmp := dst + ".partial"
	err := g.runner.Run(runCtx, gdal.Translate, gdal.GeoreferenceArgs(src, tmp, t.Bounds(), g.srs)...)
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return outcome.Failed{Tile: t, Err: err}
	}
	return outcome.Success{Tile: t, SizeBytes: util.FileSize(dst)}
}

// GeoreferenceBatch georeferences every raw tile of batch num with a fixed
// worker pool. The batch is recorded as completed only when every tile has
// a GeoTIFF; failed tiles are retried by the next pass. Progress that cannot
// be saved is returned as an error.
func (g *Georeferencer) GeoreferenceBatch(ctx context.Context, num int) (checkpoint.BatchStats, error) {
	start := time.Now()
	log := logging.BatchLogger("georef", num)

	tiles, err := RawTiles(filepath.Join(g.rawDir, planner.DirName(num)))
	if err != nil {
		return checkpoint.BatchStats{}, fmt.Errorf("list raw tiles of batch %d: %w", num, err)
	}
	if len(tiles) == 0 {
		return checkpoint.BatchStats{}, fmt.Errorf("batch %d: %w", num, ErrNoRawTiles)
	}

	outDir := filepath.Join(g.outDir, planner.DirName(num))
	if err := util.EnsureDir(outDir); err != nil {
		return checkpoint.BatchStats{}, fmt.Errorf("create output directory %s: %w", outDir, err)
	}

	log.Info("georeferencing batch", "tiles", len(tiles), "workers", g.workers)

	jobs := make(chan geo.TilePath)
	var (
		mu    sync.Mutex
		tally outcome.Tally
		wg    sync.WaitGroup
	)
	for i := 0; i < g.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := logging.WorkerLogger(workerID).With("batch", num)
			for tp := range jobs {
				dst := filepath.Join(outDir, geo.FileName(tp.Tile, geo.GeoTIFFExt))
				g.metrics.AddInFlight("georef", 1)
				o := g.GeoreferenceTile(ctx, tp.Path, tp.Tile, dst)
				g.metrics.AddInFlight("georef", -1)

				switch v := o.(type) {
				case outcome.Success:
					g.metrics.IncGeoreferenced("success")
				case outcome.Skipped:
					g.metrics.IncGeoreferenced("skipped")
				case outcome.Failed:
					g.metrics.IncGeoreferenced("failed")
					wlog.Warn("georeference failed", "tile", v.Tile.String(), "error", v.Err)
				}

				mu.Lock()
				tally.Add(o)
				mu.Unlock()
			}
		}(i)
	}

	interrupted := false
send:
	for _, tp := range tiles {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		select {
		case <-ctx.Done():
			interrupted = true
			break send
		case jobs <- tp:
		}
	}
	close(jobs)
	wg.Wait()

	status := checkpoint.StatusCompleted
	if interrupted {
		status = checkpoint.StatusInterrupted
	}
	stats := tally.Stats(num, len(tiles), time.Since(start), status)
	stats.FailedTiles = tally.FailedTiles()

	g.mu.Lock()
	g.loadLocked()
	g.state.RecordBatch(stats, !interrupted && tally.Failed == 0)
	err = g.store.Save(g.state)
	g.mu.Unlock()
	if err != nil {
		return stats, fmt.Errorf("save georeference progress: %w", err)
	}

	g.metrics.ObserveBatch("georef", status, stats.Seconds)

	log.Info("batch georeferenced",
		"status", status,
		"succeeded", stats.Succeeded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"duration_ms", time.Since(start).Milliseconds())

	return stats, nil
}

func (g *Georeferencer) loadLocked() {
	if g.state == nil {
		g.state = g.store.Load()
	}
}

// Progress returns a snapshot of the stored progress.
func (g *Georeferencer) Progress() checkpoint.GeorefProgress {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()
	return *g.state
}

// needsWork reports whether batch num must be processed. A completed batch
// is revisited only when more raw tiles have arrived since.
func (g *Georeferencer) needsWork(num int) bool {
	g.mu.Lock()
	g.loadLocked()
	completed := g.state.IsCompleted(num)
	stats, _ := g.state.Details(num)
	g.mu.Unlock()

	if !completed {
		return true
	}
	tiles, err := RawTiles(filepath.Join(g.rawDir, planner.DirName(num)))
	if err != nil {
		return true
	}
	return len(tiles) > stats.Tiles
}

// Run georeferences the given batches, or every batch under the raw
// directory when nums is empty. Batches without raw tiles are logged and
// skipped.
func (g *Georeferencer) Run(ctx context.Context, nums []int) (*Summary, error) {
	start := time.Now()

	if len(nums) == 0 {
		var err error
		nums, err = planner.ListBatches(g.rawDir)
		if err != nil {
			return nil, fmt.Errorf("list raw batches: %w", err)
		}
	}

	g.log.Info("starting georeference", "batches", len(nums), "workers", g.workers)

	sum := &Summary{}
	for _, num := range nums {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}
		if !g.needsWork(num) {
			sum.SkippedBatches = append(sum.SkippedBatches, num)
			continue
		}

		stats, err := g.GeoreferenceBatch(ctx, num)
		if errors.Is(err, ErrNoRawTiles) || errors.Is(err, os.ErrNotExist) {
			g.log.Warn("skipping batch without raw tiles", "batch", num)
			sum.SkippedBatches = append(sum.SkippedBatches, num)
			continue
		}
		if err != nil {
			return sum, err
		}

		sum.Processed = append(sum.Processed, num)
		sum.Succeeded += stats.Succeeded
		sum.Skipped += stats.Skipped
		sum.Failed += stats.Failed
		if stats.Status == checkpoint.StatusInterrupted {
			sum.Interrupted = true
			break
		}
	}
	sum.Elapsed = time.Since(start)

	g.log.Info("georeference finished",
		"batches", len(sum.Processed),
		"skipped_batches", len(sum.SkippedBatches),
		"succeeded", sum.Succeeded,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"interrupted", sum.Interrupted,
		"duration_ms", sum.Elapsed.Milliseconds())

	return sum, nil
}
