package fetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// tileServer serves "tile <path>" for every request unless fail says otherwise.
type tileServer struct {
	*httptest.Server
	requests atomic.Int64

	mu   sync.Mutex
	seen map[string]int
	fail func(path string, attempt int) int // status to return, 0 for success
}

func newTileServer(t *testing.T) *tileServer {
	s := &tileServer{seen: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.mu.Lock()
		s.seen[r.URL.Path]++
		attempt := s.seen[r.URL.Path]
		fail := s.fail
		s.mu.Unlock()

		if fail != nil {
			if code := fail(r.URL.Path, attempt); code != 0 {
				w.WriteHeader(code)
				return
			}
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("tile " + r.URL.Path))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *tileServer) attempts(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[path]
}

func testConfig(url string) config.FetchConfig {
	return config.FetchConfig{
		URLTemplate:    url + "/{z}/{x}/{y}.jpg?v={variant}",
		TileExt:        "jpg",
		XStart:         10,
		XEnd:           13,
		YStart:         20,
		YEnd:           22,
		Zoom:           18,
		Variant:        2,
		BatchSize:      2,
		Concurrency:    4,
		RetryAttempts:  2,
		RetryDelay:     time.Millisecond,
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		ChunkSize:      1024,
	}
}

func testPlan(t *testing.T, cfg config.FetchConfig) []planner.Batch {
	batches, err := planner.Plan(cfg.Range(), cfg.BatchSize)
	require.NoError(t, err)
	require.Len(t, batches, 4)
	return batches
}

func countTiles(t *testing.T, rawDir string) int {
	n := 0
	nums, err := planner.ListBatches(rawDir)
	require.NoError(t, err)
	for _, num := range nums {
		files, err := util.ListFiles(filepath.Join(rawDir, planner.DirName(num)), ".jpg")
		require.NoError(t, err)
		n += len(files)
	}
	return n
}

func TestRunDownloadsEveryTile(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	sum, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)

	assert.False(t, sum.Interrupted)
	assert.Equal(t, []int{1, 2, 3, 4}, sum.Processed)
	assert.Equal(t, 12, sum.Succeeded)
	assert.EqualValues(t, 12, srv.requests.Load())
	assert.Equal(t, 12, countTiles(t, raw))

	data, err := os.ReadFile(filepath.Join(raw, "batch-001", "tile_18_10_20.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "tile /18/10/20.jpg", string(data))

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, []int{1, 2, 3, 4}, p.CompletedBatches)
	assert.Equal(t, 12, p.TotalTiles)
	assert.Equal(t, 4, p.TotalBatches)
	assert.Equal(t, 12, p.TilesDownloaded)
	assert.Nil(t, p.CurrentBatch)
	assert.Nil(t, p.EstimatedCompletion)
}

func TestRunIsIdempotent(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()
	batches := testPlan(t, cfg)

	_, err := New(cfg, raw).Run(context.Background(), batches)
	require.NoError(t, err)
	require.EqualValues(t, 12, srv.requests.Load())

	// Completed batches are not revisited.
	sum, err := New(cfg, raw).Run(context.Background(), batches)
	require.NoError(t, err)
	assert.Empty(t, sum.Processed)
	assert.EqualValues(t, 12, srv.requests.Load())

	// Without progress every tile is found on disk and skipped.
	require.NoError(t, os.Remove(filepath.Join(raw, "progress.json")))
	sum, err = New(cfg, raw).Run(context.Background(), batches)
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Skipped)
	assert.Zero(t, sum.Succeeded)
	assert.EqualValues(t, 12, srv.requests.Load())
}

func TestRunRetriesTransientErrors(t *testing.T) {
	srv := newTileServer(t)
	srv.fail = func(_ string, attempt int) int {
		if attempt == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	sum, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)

	assert.Equal(t, 12, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.EqualValues(t, 24, srv.requests.Load())

	ledger := checkpoint.NewLedgerStore(filepath.Join(raw, "failed_tiles.json")).Load()
	assert.Zero(t, ledger.Total())
}

func TestRunLedgersExhaustedTiles(t *testing.T) {
	srv := newTileServer(t)
	srv.fail = func(path string, _ int) int {
		if path == "/18/10/20.jpg" {
			return http.StatusNotFound
		}
		return 0
	}
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	sum, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, 11, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, srv.attempts("/18/10/20.jpg"))

	ledger := checkpoint.NewLedgerStore(filepath.Join(raw, "failed_tiles.json")).Load()
	require.Equal(t, []int{1}, ledger.BatchNums())
	ft := ledger.Batches[1][0]
	assert.Equal(t, 10, ft.X)
	assert.Equal(t, 20, ft.Y)
	assert.Equal(t, 2, ft.Retries)
	assert.Contains(t, ft.Error, "HTTP 404")

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, 1, p.TilesFailed)
	assert.Contains(t, p.CompletedBatches, 1)
	assert.NoFileExists(t, filepath.Join(raw, "batch-001", "tile_18_10_20.jpg"))
	assert.NoFileExists(t, filepath.Join(raw, "batch-001", "tile_18_10_20.jpg.part"))
}

func TestRetryFailedRecoversLedgeredTiles(t *testing.T) {
	srv := newTileServer(t)
	broken := atomic.Bool{}
	broken.Store(true)
	srv.fail = func(path string, _ int) int {
		if broken.Load() && path == "/18/13/22.jpg" {
			return http.StatusBadGateway
		}
		return 0
	}
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	_, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)
	before := srv.requests.Load()

	broken.Store(false)
	sum, err := New(cfg, raw).RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{4}, sum.Processed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, before+1, srv.requests.Load())

	assert.FileExists(t, filepath.Join(raw, "batch-004", "tile_18_13_22.jpg"))
	ledger := checkpoint.NewLedgerStore(filepath.Join(raw, "failed_tiles.json")).Load()
	assert.Zero(t, ledger.Total())

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Zero(t, p.TilesFailed)
	assert.Equal(t, 12, p.TilesDownloaded)
}

func TestRunResumesAfterInterrupt(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()
	batches := testPlan(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook := WithBatchHook(func(s checkpoint.BatchStats) {
		if s.Batch == 2 {
			cancel()
		}
	})

	sum, err := New(cfg, raw, hook).Run(ctx, batches)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, []int{1, 2}, sum.Processed)

	sum, err = New(cfg, raw).Run(context.Background(), batches)
	require.NoError(t, err)
	assert.False(t, sum.Interrupted)
	assert.Equal(t, []int{3, 4}, sum.Processed)

	// Same totals as an uninterrupted run.
	assert.EqualValues(t, 12, srv.requests.Load())
	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, []int{1, 2, 3, 4}, p.CompletedBatches)
	assert.Equal(t, 12, p.TilesDownloaded)
	assert.Equal(t, 12, countTiles(t, raw))
}

func TestRunCancelledBeforeStart(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := New(cfg, t.TempDir()).Run(ctx, testPlan(t, cfg))
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Empty(t, sum.Processed)
	assert.Zero(t, srv.requests.Load())
}

func TestFetchBatchInterruptedIsNotCompleted(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()
	b := testPlan(t, cfg)[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := New(cfg, raw).FetchBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, stats.Status)

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.NotContains(t, p.CompletedBatches, b.Num)
	assert.Equal(t, checkpoint.StatusInterrupted, p.BatchDetails[b.Num].Status)
}

func TestRunDiscardsProgressForOtherGrid(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	_, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)

	cfg.Variant = 3
	sum, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, sum.Processed)
	assert.Equal(t, 12, sum.Skipped)

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, 3, p.Run.Variant)
	assert.Zero(t, p.TilesDownloaded)
}

func TestDownloadDecodesContentEncoding(t *testing.T) {
	payload := bytes.Repeat([]byte("jpeg-bytes"), 100)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			w.Write(gz.Bytes())
		case "/zstd":
			w.Header().Set("Content-Encoding", "zstd")
			w.Write(zs)
		default:
			w.Write(payload)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	dir := t.TempDir()
	for _, enc := range []string{"gzip", "zstd", "plain"} {
		t.Run(enc, func(t *testing.T) {
			dst := filepath.Join(dir, enc+".jpg")
			n, retries, err := c.Download(context.Background(), srv.URL+"/"+enc, dst)
			require.NoError(t, err)
			assert.Zero(t, retries)
			assert.EqualValues(t, len(payload), n)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestDownloadStopsRetryingOnCancel(t *testing.T) {
	srv := newTileServer(t)
	srv.fail = func(string, int) int { return http.StatusServiceUnavailable }

	cfg := testConfig(srv.URL)
	cfg.RetryAttempts = 5
	c := NewClient(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, retries, err := c.Download(ctx, srv.URL+"/x.jpg", filepath.Join(t.TempDir(), "x.jpg"))
	require.Error(t, err)
	assert.Zero(t, retries)
	assert.EqualValues(t, 1, srv.requests.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestClientURL(t *testing.T) {
	c := NewClient(config.FetchConfig{
		URLTemplate: "https://tiles.example/wms/?d={x}/{y}/{z}/{variant}",
		Variant:     2,
	}, nil)
	assert.Equal(t, "https://tiles.example/wms/?d=865069/525622/20/2",
		c.URL(geo.Tile{X: 865069, Y: 525622, Zoom: 20}))
}

func TestRunSelectionKeepsPlanTotals(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()
	plan := testPlan(t, cfg)

	sum, err := New(cfg, raw).Run(context.Background(), plan, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, sum.Processed)
	assert.Equal(t, 6, sum.Succeeded)

	p := checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, []int{2, 3}, p.CompletedBatches)
	assert.Equal(t, 4, p.TotalBatches)
	assert.Equal(t, 12, p.TotalTiles)
	assert.NotNil(t, p.EstimatedCompletion, "two batches of the plan remain")

	sum, err = New(cfg, raw).Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, sum.Processed)

	p = checkpoint.NewFetchStore(filepath.Join(raw, "progress.json")).Load()
	assert.Equal(t, []int{1, 2, 3, 4}, p.CompletedBatches)
	assert.Equal(t, 4, p.TotalBatches)
}

func TestRunFailsWhenProgressCannotBeSaved(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(srv.URL)
	raw := t.TempDir()

	// A directory in place of the progress file makes every save fail.
	blocker := filepath.Join(raw, "progress.json")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), 0755))

	sum, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save fetch progress")
	assert.Empty(t, sum.Processed)
	assert.Zero(t, srv.requests.Load(), "no tile is fetched without a saved checkpoint")
}

func TestRetryFailedFailsWhenLedgerCannotBeSaved(t *testing.T) {
	srv := newTileServer(t)
	srv.fail = func(string, int) int { return http.StatusBadGateway }
	cfg := testConfig(srv.URL)
	cfg.RetryAttempts = 0
	raw := t.TempDir()

	_, err := New(cfg, raw).Run(context.Background(), testPlan(t, cfg), 1)
	require.NoError(t, err)

	ledger := filepath.Join(raw, "failed_tiles.json")
	require.NoError(t, os.Remove(ledger))
	require.NoError(t, os.MkdirAll(filepath.Join(ledger, "keep"), 0755))

	srv.mu.Lock()
	srv.fail = nil
	srv.mu.Unlock()

	f := New(cfg, raw)
	// The ledger was loaded before it was replaced by a directory.
	f.failed = &checkpoint.FailedLedger{Batches: map[int][]checkpoint.FailedTile{
		1: {{X: 10, Y: 20}, {X: 11, Y: 20}},
	}}
	_, err = f.RetryFailed(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save failed tile ledger")
}
