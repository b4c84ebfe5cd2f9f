package checkpoint

import (
	"sort"
	"time"
)

// Batch statuses recorded in BatchStats.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// BatchStats summarises one pass over a batch.
type BatchStats struct {
	Batch          int          `json:"batch"`
	Status         string       `json:"status"`
	Tiles          int          `json:"tiles"`
	Succeeded      int          `json:"succeeded"`
	Skipped        int          `json:"skipped"`
	Failed         int          `json:"failed"`
	Bytes          int64        `json:"bytes"`
	Seconds        float64      `json:"seconds"`
	TilesPerSecond float64      `json:"tiles_per_second"`
	FailedTiles    []FailedTile `json:"failed_tiles,omitempty"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// RunSpec identifies a fetch run. Progress recorded for one run spec is not
// reused by a run with a different one.
type RunSpec struct {
	XStart      int `json:"x_start"`
	XEnd        int `json:"x_end"`
	YStart      int `json:"y_start"`
	YEnd        int `json:"y_end"`
	Zoom        int `json:"zoom"`
	Variant     int `json:"variant"`
	BatchSize   int `json:"batch_size"`
	Concurrency int `json:"max_concurrent"`
}

// SameGrid reports whether two specs describe the same batches. Concurrency
// may change between resumes.
func (r RunSpec) SameGrid(o RunSpec) bool {
	r.Concurrency, o.Concurrency = 0, 0
	return r == o
}

// FetchProgress is the durable state of the fetch stage.
type FetchProgress struct {
	RunID               string             `json:"run_id"`
	Run                 RunSpec            `json:"config"`
	TotalTiles          int                `json:"total_tiles"`
	TotalBatches        int                `json:"total_batches"`
	CompletedBatches    []int              `json:"completed_batches"`
	CurrentBatch        *int               `json:"current_batch"`
	TilesDownloaded     int                `json:"tiles_downloaded"`
	TilesFailed         int                `json:"tiles_failed"`
	BytesDownloaded     int64              `json:"bytes_downloaded"`
	BatchDetails        map[int]BatchStats `json:"batch_details"`
	CompletedSeconds    float64            `json:"completed_seconds"`
	AvgSecondsPerBatch  float64            `json:"avg_time_per_batch"`
	EstimatedCompletion *time.Time         `json:"estimated_completion,omitempty"`
	StartTime           time.Time          `json:"start_time"`
	LastUpdate          time.Time          `json:"last_update"`
}

// NewFetchProgress returns fresh progress for a run.
func NewFetchProgress(runID string, run RunSpec, totalTiles, totalBatches int, now time.Time) *FetchProgress {
	return &FetchProgress{
		RunID:            runID,
		Run:              run,
		TotalTiles:       totalTiles,
		TotalBatches:     totalBatches,
		CompletedBatches: []int{},
		BatchDetails:     make(map[int]BatchStats),
		StartTime:        now,
	}
}

func (p *FetchProgress) Stamp(now time.Time) { p.LastUpdate = now }

// Empty reports whether nothing has been recorded yet.
func (p *FetchProgress) Empty() bool {
	return p.StartTime.IsZero()
}

// IsCompleted reports whether batch num finished in an earlier pass.
func (p *FetchProgress) IsCompleted(num int) bool {
	return containsInt(p.CompletedBatches, num)
}

// SetCurrent records the batch in flight.
func (p *FetchProgress) SetCurrent(num int) {
	p.CurrentBatch = &num
}

// RecordBatch folds a batch pass into the totals. Only completed passes add
// the batch to the completed set and count failures, since an interrupted
// batch is fetched again on resume. detailLimit bounds the number of
// BatchDetails kept (most recent first); zero keeps all.
func (p *FetchProgress) RecordBatch(stats BatchStats, completed bool, detailLimit int, now time.Time) {
	p.CurrentBatch = nil
	p.TilesDownloaded += stats.Succeeded
	p.BytesDownloaded += stats.Bytes

	if p.BatchDetails == nil {
		p.BatchDetails = make(map[int]BatchStats)
	}
	p.BatchDetails[stats.Batch] = stats
	p.trimDetails(detailLimit)

	if !completed {
		return
	}

	p.TilesFailed += stats.Failed
	p.CompletedBatches = addInt(p.CompletedBatches, stats.Batch)
	p.CompletedSeconds += stats.Seconds

	done := len(p.CompletedBatches)
	p.AvgSecondsPerBatch = p.CompletedSeconds / float64(done)
	remaining := p.TotalBatches - done
	if remaining > 0 {
		eta := now.Add(time.Duration(float64(remaining) * p.AvgSecondsPerBatch * float64(time.Second)))
		p.EstimatedCompletion = &eta
	} else {
		p.EstimatedCompletion = nil
	}
}

// RecordRecovered moves tiles recovered by a retry pass from failed to
// downloaded.
func (p *FetchProgress) RecordRecovered(tiles int, bytes int64) {
	p.TilesFailed = max(0, p.TilesFailed-tiles)
	p.TilesDownloaded += tiles
	p.BytesDownloaded += bytes
}

func (p *FetchProgress) trimDetails(limit int) {
	if limit <= 0 || len(p.BatchDetails) <= limit {
		return
	}
	nums := make([]int, 0, len(p.BatchDetails))
	for n := range p.BatchDetails {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool {
		a, b := p.BatchDetails[nums[i]], p.BatchDetails[nums[j]]
		if !a.FinishedAt.Equal(b.FinishedAt) {
			return a.FinishedAt.After(b.FinishedAt)
		}
		return nums[i] > nums[j]
	})
	for _, n := range nums[limit:] {
		delete(p.BatchDetails, n)
	}
}

// addInt inserts v into the sorted set s.
func addInt(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// removeInt deletes v from the sorted set s.
func removeInt(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i < len(s) && s[i] == v {
		return append(s[:i], s[i+1:]...)
	}
	return s
}

func containsInt(s []int, v int) bool {
	i := sort.SearchInts(s, v)
	return i < len(s) && s[i] == v
}
