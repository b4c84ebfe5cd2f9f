// Package watcher merges georeferenced batches into per-batch mosaics,
// either once or by polling until every requested batch is resolved.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/georef"
	"github.com/withObsrvr/tilemosaic/internal/mosaic"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

// Readiness policies.
const (
	// PolicyComplete requires a GeoTIFF for every tile the batch is expected
	// to hold.
	PolicyComplete = "complete"
	// PolicyAny requires at least one GeoTIFF.
	PolicyAny = "any"
)

// Probe is the observed state of one batch. Expected is the number of tiles
// the fetch plan leaves for the batch after ledgered failures, or zero when
// no fetch progress describes it.
type Probe struct {
	Batch         int
	Raw           int
	Georeferenced int
	Expected      int
	Ready         bool
}

// Readiness decides whether a batch can be merged.
type Readiness interface {
	Probe(num int) (Probe, error)
}

// DirReadiness probes the raw and georeferenced batch directories. Under the
// complete policy a batch described by fetch progress in the raw directory
// must also be fetched, and its GeoTIFFs must cover the planned tiles that
// did not end in the failed-tile ledger. Batches the progress does not
// describe are compared against the raw tiles on disk.
type DirReadiness struct {
	rawDir    string
	georefDir string
	policy    string
	progress  *checkpoint.FetchStore
	ledger    *checkpoint.LedgerStore

	mu      sync.Mutex // guards grid and planned
	grid    checkpoint.RunSpec
	planned map[int]int
}

// NewReadiness returns a probe for policy.
func NewReadiness(policy, rawDir, georefDir string) (*DirReadiness, error) {
	switch policy {
	case "":
		policy = PolicyComplete
	case PolicyComplete, PolicyAny:
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidReadiness, policy)
	}
	return &DirReadiness{
		rawDir:    rawDir,
		georefDir: georefDir,
		policy:    policy,
		progress:  checkpoint.NewFetchStore(filepath.Join(rawDir, "progress.json")),
		ledger:    checkpoint.NewLedgerStore(filepath.Join(rawDir, "failed_tiles.json")),
	}, nil
}

// Policy returns the configured policy.
func (r *DirReadiness) Policy() string {
	return r.policy
}

// Probe counts the batch's raw and georeferenced tiles. Missing directories
// count as empty.
func (r *DirReadiness) Probe(num int) (Probe, error) {
	p := Probe{Batch: num}

	tifs, err := mosaic.CollectTiles(filepath.Join(r.georefDir, planner.DirName(num)))
	if err != nil {
		return p, fmt.Errorf("probe georeferenced batch %d: %w", num, err)
	}
	p.Georeferenced = len(tifs)

	raw, err := georef.RawTiles(filepath.Join(r.rawDir, planner.DirName(num)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return p, fmt.Errorf("probe raw batch %d: %w", num, err)
	}
	p.Raw = len(raw)

	if r.policy == PolicyAny {
		p.Ready = p.Georeferenced > 0
		return p, nil
	}

	ready := p.Georeferenced > 0 && p.Georeferenced >= p.Raw
	expected, fetched, known, err := r.expected(num)
	if err != nil {
		return p, err
	}
	if known {
		p.Expected = expected
		ready = ready && fetched && p.Georeferenced >= expected
	}
	p.Ready = ready
	return p, nil
}

// expected returns the tiles batch num should end up with according to the
// stored fetch progress and whether the fetch stage has completed it. known
// is false when no progress covers the batch.
func (r *DirReadiness) expected(num int) (expected int, fetched, known bool, err error) {
	progress := r.progress.Load()
	if progress.Empty() || progress.Run.BatchSize < 1 {
		return 0, false, false, nil
	}

	planned, ok, err := r.plannedTiles(progress.Run, num)
	if err != nil || !ok {
		return 0, false, false, err
	}
	if !progress.IsCompleted(num) {
		return planned, false, true, nil
	}

	failed := len(r.ledger.Load().Batches[num])
	return max(planned-failed, 0), true, true, nil
}

// plannedTiles returns the tile count of batch num in the plan for run. The
// plan is recomputed only when the grid changes.
func (r *DirReadiness) plannedTiles(run checkpoint.RunSpec, num int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.planned == nil || !r.grid.SameGrid(run) {
		rng := planner.Range{XStart: run.XStart, XEnd: run.XEnd, YStart: run.YStart, YEnd: run.YEnd}
		batches, err := planner.Plan(rng, run.BatchSize)
		if err != nil {
			return 0, false, fmt.Errorf("plan stored fetch run: %w", err)
		}
		r.planned = make(map[int]int, len(batches))
		for _, b := range batches {
			r.planned[b.Num] = b.TileCount
		}
		r.grid = run
	}
	n, ok := r.planned[num]
	return n, ok, nil
}
