package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
	"github.com/withObsrvr/tilemosaic/internal/mosaic"
	"github.com/withObsrvr/tilemosaic/internal/notify"
	"github.com/withObsrvr/tilemosaic/internal/storage"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// StateStore persists the coordinator's state.
type StateStore interface {
	Load() *checkpoint.WatchProgress
	Save(*checkpoint.WatchProgress) error
}

// Options configure a Coordinator.
type Options struct {
	Parallel      bool
	Workers       int // zero means runtime.NumCPU()
	CheckInterval time.Duration
}

// Result is the outcome of one batch in a merge pass.
type Result struct {
	Batch    int
	Artifact *mosaic.Artifact
	Err      error
	NotReady bool
}

// Coordinator merges batches as they become ready.
type Coordinator struct {
	merger    *Merger
	readiness Readiness
	store     StateStore
	opts      Options

	publisher storage.ArtifactStore
	emitter   notify.Emitter
	producer  notify.ProducerInfo
	metrics   *metrics.Metrics
	runID     string
	log       *slog.Logger

	mu      sync.Mutex // guards state, saveErr and store
	state   *checkpoint.WatchProgress
	saveErr error
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithPublisher copies merged artifacts to s.
func WithPublisher(s storage.ArtifactStore) Option {
	return func(c *Coordinator) { c.publisher = s }
}

// WithEmitter announces merged artifacts through e.
func WithEmitter(e notify.Emitter, producer notify.ProducerInfo) Option {
	return func(c *Coordinator) {
		c.emitter = e
		c.producer = producer
	}
}

// WithMetrics records metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRunID tags fresh watch state with id.
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(merger *Merger, readiness Readiness, store StateStore, opts Options, options ...Option) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	c := &Coordinator{
		merger:    merger,
		readiness: readiness,
		store:     store,
		opts:      opts,
		publisher: storage.Noop{},
		emitter:   notify.Noop{},
		metrics:   metrics.Get(),
		runID:     logging.GenerateCorrelationID(),
		log:       logging.Component("watch"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Run merges every requested batch as it becomes ready and returns when
// none is left waiting or ctx is cancelled. Earlier state is resumed:
// merged and failed batches stay resolved and newly requested batches join
// the waiting set. State is saved after every resolution; a failed save
// stops the watch and is returned. Merges already running when ctx is
// cancelled are allowed to finish.
func (c *Coordinator) Run(ctx context.Context, requested []int) (checkpoint.WatchProgress, error) {
	c.mu.Lock()
	c.saveErr = nil
	c.state = c.store.Load()
	if c.state.Empty() {
		c.state.RunID = c.runID
		c.state.StartTime = time.Now().UTC()
	} else {
		c.log.Info("resuming watch",
			"merged", len(c.state.Merged),
			"waiting", len(c.state.Waiting),
			"failed", len(c.state.Failed))
	}
	c.state.Request(requested...)
	c.state.CheckInterval = c.opts.CheckInterval.Seconds()
	c.state.Parallel = c.opts.Parallel
	c.state.Workers = c.opts.Workers
	if err := c.saveLocked(); err != nil {
		final := *c.state
		c.mu.Unlock()
		return final, err
	}
	c.mu.Unlock()

	c.log.Info("watching batches",
		"requested", len(requested),
		"check_interval", c.opts.CheckInterval,
		"parallel", c.opts.Parallel,
		"workers", c.opts.Workers)

	for {
		c.pass(ctx)
		if err := c.failedSave(); err != nil {
			break
		}

		waiting := c.waiting()
		if len(waiting) == 0 {
			break
		}
		if !c.sleep(ctx) {
			c.log.Info("watch interrupted", "waiting", waiting)
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr == nil {
		c.saveErr = c.saveLocked()
	}
	final := *c.state
	if c.saveErr != nil {
		c.log.Error("watch stopped", "error", c.saveErr)
		return final, c.saveErr
	}
	c.log.Info("watch finished",
		"merged", len(final.Merged),
		"waiting", len(final.Waiting),
		"failed", len(final.Failed))
	return final, nil
}

func (c *Coordinator) failedSave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveErr
}

// sleep waits one check interval. Cancellation is checked before sleeping
// and again after waking.
func (c *Coordinator) sleep(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(c.opts.CheckInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return ctx.Err() == nil
}

func (c *Coordinator) waiting() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.state.Waiting...)
}

// pass probes every waiting batch and merges the ready ones.
func (c *Coordinator) pass(ctx context.Context) {
	var ready []int
	for _, num := range c.waiting() {
		p, err := c.readiness.Probe(num)
		if err != nil {
			c.log.Warn("probe failed", "batch", num, "error", err)
			continue
		}
		if p.Ready {
			ready = append(ready, num)
		} else {
			c.log.Debug("batch not ready", "batch", num, "raw", p.Raw, "georeferenced", p.Georeferenced)
		}
	}
	if len(ready) == 0 {
		return
	}

	c.log.Info("merging ready batches", "batches", ready)
	c.forEach(ctx, ready, func(num int) {
		if c.failedSave() != nil {
			return
		}
		r := c.merge(ctx, num)
		c.resolve(r)
		c.announce(ctx, r)
	})
}

// forEach calls fn for each batch, sequentially or with up to Workers in
// flight. No new batch is started once ctx is cancelled, including one that
// was waiting for a free worker.
func (c *Coordinator) forEach(ctx context.Context, nums []int, fn func(num int)) {
	if !c.opts.Parallel || c.opts.Workers <= 1 || len(nums) <= 1 {
		for _, num := range nums {
			if ctx.Err() != nil {
				return
			}
			fn(num)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for _, num := range nums {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(num)
			return nil
		})
	}
	g.Wait()
}

// merge builds one batch. The build is detached from ctx so an interrupt
// does not leave a half-written mosaic; the builder's timeout still applies.
func (c *Coordinator) merge(ctx context.Context, num int) Result {
	start := time.Now()
	log := logging.BatchLogger("merge", num)

	c.metrics.AddInFlight("merge", 1)
	a, err := c.merger.MergeBatch(context.WithoutCancel(ctx), num)
	c.metrics.AddInFlight("merge", -1)

	secs := time.Since(start).Seconds()
	switch {
	case err != nil:
		c.metrics.ObserveMerge("failed", secs, 0)
		log.Error("merge failed", "error", err)
	case a.AlreadyExisted:
		c.metrics.ObserveMerge("skipped", secs, a.SizeBytes)
		log.Info("batch already merged", "output", filepath.Base(a.Path))
	default:
		c.metrics.ObserveMerge("merged", secs, a.SizeBytes)
		log.Info("batch merged",
			"output", filepath.Base(a.Path),
			"tiles", a.Tiles,
			"size", humanize.Bytes(uint64(a.SizeBytes)),
			"duration_ms", a.Duration.Milliseconds())
	}
	return Result{Batch: num, Artifact: a, Err: err}
}

// resolve records a merge result and saves immediately. The first save
// error is kept for Run to return.
func (c *Coordinator) resolve(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Err != nil {
		c.state.MarkFailed(r.Batch, r.Err.Error())
	} else {
		c.state.MarkMerged(r.Batch)
	}
	if err := c.saveLocked(); err != nil && c.saveErr == nil {
		c.saveErr = err
	}
}

func (c *Coordinator) saveLocked() error {
	c.metrics.SetWatchState(len(c.state.Merged), len(c.state.Waiting), len(c.state.Failed))
	if err := c.store.Save(c.state); err != nil {
		return fmt.Errorf("save watch progress: %w", err)
	}
	return nil
}

// announce publishes a newly built artifact and emits its event. Failures
// are logged and never change the batch's state.
func (c *Coordinator) announce(ctx context.Context, r Result) {
	if r.Err != nil || r.Artifact == nil || r.Artifact.AlreadyExisted {
		return
	}
	c.publishAndNotify(context.WithoutCancel(ctx), notify.EventBatchMerged, r.Artifact, nil)
}

func (c *Coordinator) publishAndNotify(ctx context.Context, eventType string, a *mosaic.Artifact, batches []int) {
	log := c.log.With("output", filepath.Base(a.Path))

	var uri, checksum string
	res, err := c.publisher.Publish(ctx, a.Path)
	if err != nil {
		c.metrics.IncSinkErrors("storage")
		log.Warn("publish failed", "error", err)
	} else {
		uri, checksum = res.URI, res.Checksum
		if res.Uploaded {
			log.Info("artifact published", "uri", res.URI, "size", humanize.Bytes(uint64(res.ByteSize)))
		}
	}

	evt := notify.MergeEvent{
		EventType: eventType,
		RunID:     c.runID,
		Artifact: notify.ArtifactInfo{
			Batch:    a.BatchNum,
			Batches:  batches,
			Path:     a.Path,
			URI:      uri,
			Checksum: checksum,
			ByteSize: a.SizeBytes,
			Tiles:    a.Tiles,
			Zoom:     a.Zoom,
			Bounds:   a.Bounds,
		},
		Producer: c.producer,
	}
	if err := c.emitter.Emit(ctx, evt); err != nil {
		c.metrics.IncSinkErrors("notify")
		log.Warn("notification failed", "error", err)
	}
}

// MergeBatches merges the ready batches among nums once, without watch
// state. Batches that are not ready are reported with NotReady.
func (c *Coordinator) MergeBatches(ctx context.Context, nums []int) []Result {
	var (
		mu      sync.Mutex
		results []Result
		ready   []int
	)
	for _, num := range nums {
		if util.FileExists(c.merger.OutputPath(num)) {
			ready = append(ready, num)
			continue
		}
		p, err := c.readiness.Probe(num)
		if err != nil {
			results = append(results, Result{Batch: num, Err: err})
			continue
		}
		if !p.Ready {
			results = append(results, Result{Batch: num, NotReady: true})
			continue
		}
		ready = append(ready, num)
	}

	c.forEach(ctx, ready, func(num int) {
		r := c.merge(ctx, num)
		c.announce(ctx, r)
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	slices.SortFunc(results, func(a, b Result) int { return a.Batch - b.Batch })
	return results
}

// MergeRun merges every batch in nums into one whole-run mosaic.
func (c *Coordinator) MergeRun(ctx context.Context, base string, nums []int) (*mosaic.Artifact, error) {
	a, _, err := c.merger.builder.BuildRun(context.WithoutCancel(ctx), c.merger.georefDir, c.merger.mergedDir, base, c.runID, nums)
	if err != nil {
		c.metrics.ObserveMerge("failed", 0, 0)
		return nil, err
	}
	c.metrics.ObserveMerge("merged", a.Duration.Seconds(), a.SizeBytes)
	c.log.Info("run mosaic built",
		"output", a.Path,
		"batches", len(nums),
		"tiles", a.Tiles,
		"size", humanize.Bytes(uint64(a.SizeBytes)))
	c.publishAndNotify(context.WithoutCancel(ctx), notify.EventRunMerged, a, nums)
	return a, nil
}
