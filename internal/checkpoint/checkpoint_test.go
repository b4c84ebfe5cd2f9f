package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreMissingFileIsFresh(t *testing.T) {
	store := NewFetchStore(filepath.Join(t.TempDir(), "raw", "progress.json"))

	p := store.Load()
	require.NotNil(t, p)
	assert.True(t, p.Empty())
	assert.Empty(t, p.CompletedBatches)
}

func TestStoreCorruptFileIsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"completed_batches": [1, 2`), 0644))

	store := NewFetchStore(path)
	p := store.Load()
	assert.True(t, p.Empty())

	_, err := os.Stat(path + ".corrupt")
	assert.NoError(t, err, "corrupt file should be kept for inspection")

	// The next save starts a clean file.
	p = NewFetchProgress("run", RunSpec{Zoom: 20}, 4, 1, time.Now())
	require.NoError(t, store.Save(p))
	assert.False(t, store.Load().Empty())
}

func TestStoreSaveRoundTrip(t *testing.T) {
	store := NewFetchStore(filepath.Join(t.TempDir(), "progress.json"))
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	p := NewFetchProgress("run-1", RunSpec{XStart: 1, XEnd: 10, YStart: 1, YEnd: 10, Zoom: 20, Variant: 2, BatchSize: 5}, 100, 4, start)
	p.RecordBatch(BatchStats{Batch: 2, Status: StatusCompleted, Tiles: 25, Succeeded: 24, Failed: 1, Bytes: 2400, Seconds: 10}, true, 0, start.Add(10*time.Second))
	require.NoError(t, store.Save(p))
	assert.False(t, p.LastUpdate.IsZero())

	loaded := store.Load()
	assert.Equal(t, []int{2}, loaded.CompletedBatches)
	assert.Equal(t, 24, loaded.TilesDownloaded)
	assert.Equal(t, 1, loaded.TilesFailed)
	assert.Equal(t, 24, loaded.BatchDetails[2].Succeeded)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.True(t, loaded.Run.SameGrid(p.Run))

	_, err := os.Stat(store.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRecordBatchETA(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := NewFetchProgress("run", RunSpec{}, 40, 4, now)

	p.RecordBatch(BatchStats{Batch: 1, Seconds: 10, Succeeded: 10}, true, 0, now)
	p.RecordBatch(BatchStats{Batch: 2, Seconds: 30, Succeeded: 10}, true, 0, now)

	assert.InDelta(t, 20.0, p.AvgSecondsPerBatch, 1e-9)
	require.NotNil(t, p.EstimatedCompletion)
	assert.Equal(t, now.Add(40*time.Second), *p.EstimatedCompletion)

	p.RecordBatch(BatchStats{Batch: 3, Seconds: 20, Succeeded: 10}, true, 0, now)
	p.RecordBatch(BatchStats{Batch: 4, Seconds: 20, Succeeded: 10}, true, 0, now)
	assert.Nil(t, p.EstimatedCompletion)
	assert.Equal(t, 40, p.TilesDownloaded)
}

func TestRecordBatchInterrupted(t *testing.T) {
	now := time.Now()
	p := NewFetchProgress("run", RunSpec{}, 20, 2, now)
	p.SetCurrent(1)

	p.RecordBatch(BatchStats{Batch: 1, Status: StatusInterrupted, Succeeded: 4, Failed: 3}, false, 0, now)

	assert.Nil(t, p.CurrentBatch)
	assert.False(t, p.IsCompleted(1))
	assert.Equal(t, 4, p.TilesDownloaded)
	assert.Equal(t, 0, p.TilesFailed)
	assert.Equal(t, StatusInterrupted, p.BatchDetails[1].Status)
}

func TestRecordBatchTrimsDetails(t *testing.T) {
	base := time.Now()
	p := NewFetchProgress("run", RunSpec{}, 0, 5, base)
	for n := 1; n <= 5; n++ {
		p.RecordBatch(BatchStats{Batch: n, FinishedAt: base.Add(time.Duration(n) * time.Second)}, true, 3, base)
	}

	require.Len(t, p.BatchDetails, 3)
	for _, n := range []int{3, 4, 5} {
		assert.Contains(t, p.BatchDetails, n)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, p.CompletedBatches)
}

func TestRunSpecSameGrid(t *testing.T) {
	a := RunSpec{XStart: 1, XEnd: 5, Zoom: 20, BatchSize: 50, Concurrency: 500}
	b := a
	b.Concurrency = 100
	assert.True(t, a.SameGrid(b))

	b.BatchSize = 25
	assert.False(t, a.SameGrid(b))
}

func TestFailedLedger(t *testing.T) {
	store := NewLedgerStore(filepath.Join(t.TempDir(), "failed_tiles.json"))

	l := store.Load()
	l.Set(3, []FailedTile{{X: 1, Y: 2, Error: "HTTP 503", Retries: 3}})
	l.Set(1, []FailedTile{{X: 4, Y: 5, Error: "timeout", Retries: 3}, {X: 4, Y: 6, Error: "timeout", Retries: 3}})
	require.NoError(t, store.Save(l))

	loaded := store.Load()
	assert.Equal(t, []int{1, 3}, loaded.BatchNums())
	assert.Equal(t, 3, loaded.Total())

	loaded.Set(1, nil)
	assert.Equal(t, []int{3}, loaded.BatchNums())
}

func TestGeorefProgress(t *testing.T) {
	p := &GeorefProgress{}
	p.RecordBatch(BatchStats{Batch: 2, Succeeded: 3}, true)
	p.RecordBatch(BatchStats{Batch: 1, Succeeded: 1}, false)

	assert.True(t, p.IsCompleted(2))
	assert.False(t, p.IsCompleted(1))

	p.RecordBatch(BatchStats{Batch: 2, Succeeded: 1}, false)
	assert.False(t, p.IsCompleted(2))

	s, ok := p.Details(2)
	require.True(t, ok)
	assert.Equal(t, 1, s.Succeeded)
}

func TestWatchProgressTransitions(t *testing.T) {
	w := &WatchProgress{}
	w.Request(3, 1, 2)
	require.NoError(t, w.Validate())
	assert.Equal(t, []int{1, 2, 3}, w.Waiting)

	w.MarkMerged(1)
	w.MarkFailed(2, "gdalbuildvrt exited 1")
	require.NoError(t, w.Validate())
	assert.Equal(t, []int{1}, w.Merged)
	assert.Equal(t, []int{2}, w.Failed)
	assert.Equal(t, []int{3}, w.Waiting)

	// Terminal states are sticky.
	w.MarkMerged(2)
	w.MarkFailed(1, "late failure")
	assert.Equal(t, []int{1}, w.Merged)
	assert.Equal(t, []int{2}, w.Failed)

	// Re-requesting known batches changes nothing; new ones start waiting.
	w.Request(1, 2, 4)
	require.NoError(t, w.Validate())
	assert.Equal(t, []int{3, 4}, w.Waiting)

	// Unknown batches are ignored.
	w.MarkMerged(99)
	require.NoError(t, w.Validate())
}

func TestWatchProgressValidate(t *testing.T) {
	w := &WatchProgress{Requested: []int{1, 2}, Merged: []int{1}, Waiting: []int{1, 2}}
	assert.ErrorIs(t, w.Validate(), ErrInconsistentWatchState)

	w = &WatchProgress{Requested: []int{1, 2}, Merged: []int{1}}
	assert.ErrorIs(t, w.Validate(), ErrInconsistentWatchState)

	w = &WatchProgress{Requested: []int{1}, Merged: []int{1}, Failed: []int{5}}
	assert.ErrorIs(t, w.Validate(), ErrInconsistentWatchState)
}

func TestWatchStoreRoundTrip(t *testing.T) {
	store := NewWatchStore(filepath.Join(t.TempDir(), "watch_progress.json"))

	w := store.Load()
	require.True(t, w.Empty())
	w.Request(1, 2)
	w.MarkMerged(2)
	w.CheckInterval = 30
	require.NoError(t, store.Save(w))

	loaded := store.Load()
	assert.Equal(t, []int{1, 2}, loaded.Requested)
	assert.Equal(t, []int{2}, loaded.Merged)
	assert.Equal(t, []int{1}, loaded.Waiting)
	assert.Equal(t, []int{}, loaded.Failed)
	require.NoError(t, loaded.Validate())
}
