package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/tilemosaic/internal/config"
)

func batchEvent(batch int, checksum string) MergeEvent {
	return MergeEvent{
		EventType: EventBatchMerged,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RunID:     "run-1",
		Artifact: ArtifactInfo{
			Batch:    batch,
			Path:     "/work/merged/batch-001.tif",
			Checksum: checksum,
			ByteSize: 1234,
			Tiles:    2500,
			Zoom:     20,
		},
		Producer: ProducerInfo{Name: "tilemosaic", Version: "test"},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := batchEvent(1, "sha256:abc")
	evt.SetChainHashes("")

	assert.NotEmpty(t, evt.Chain.EventHash)
	assert.Contains(t, evt.Chain.EventHash, "sha256:")
	assert.Empty(t, evt.Chain.PrevEventHash)
}

func TestHashChainDeterminism(t *testing.T) {
	a := batchEvent(1, "sha256:abc")
	a.SetChainHashes("prev")
	b := batchEvent(1, "sha256:abc")
	b.SetChainHashes("prev")
	assert.Equal(t, a.Chain.EventHash, b.Chain.EventHash)

	c := batchEvent(1, "sha256:abc")
	c.SetChainHashes("other")
	assert.NotEqual(t, a.Chain.EventHash, c.Chain.EventHash)

	d := batchEvent(1, "sha256:def")
	d.SetChainHashes("prev")
	assert.NotEqual(t, a.Chain.EventHash, d.Chain.EventHash, "content change must change the hash")
}

func TestChainTrackerPersists(t *testing.T) {
	dir := t.TempDir()

	ct, err := NewChainTracker(dir)
	require.NoError(t, err)
	_, err = ct.GetHead(EventBatchMerged)
	assert.ErrorIs(t, err, ErrNoChainHead)

	require.NoError(t, ct.SetHead(EventBatchMerged, "sha256:1"))

	ct, err = NewChainTracker(dir)
	require.NoError(t, err)
	head, err := ct.GetHead(EventBatchMerged)
	require.NoError(t, err)
	assert.Equal(t, "sha256:1", head)
}

func readEvent(t *testing.T, path string) MergeEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var evt MergeEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestFileOnlyEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	e := NewEmitter(config.NotifyConfig{Dir: dir}, "")
	defer e.Close()

	first := batchEvent(1, "sha256:a")
	require.NoError(t, e.Emit(context.Background(), first))

	second := batchEvent(2, "sha256:b")
	second.Artifact.Path = "/work/merged/batch-002.tif"
	require.NoError(t, e.Emit(context.Background(), second))

	one := readEvent(t, filepath.Join(dir, "batch_merged_batch-001.json"))
	two := readEvent(t, filepath.Join(dir, "batch_merged_batch-002.json"))

	assert.Empty(t, one.Chain.PrevEventHash)
	assert.Equal(t, one.Chain.EventHash, two.Chain.PrevEventHash)
	assert.NotEmpty(t, one.EventID)
	assert.Equal(t, eventVersion, one.Version)

	// The stored hash verifies against the stored content.
	assert.Equal(t, two.Chain.EventHash, ComputeEventHash(&two))
}

func TestHTTPEmitterPostsAndBacksUp(t *testing.T) {
	var (
		calls atomic.Int32
		got   MergeEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(srv.URL, dir, time.Second)
	require.NoError(t, err)
	e.retryDelay = time.Millisecond

	evt := batchEvent(1, "sha256:a")
	require.NoError(t, e.Emit(context.Background(), &evt))

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, evt.Chain.EventHash, got.Chain.EventHash)
	assert.FileExists(t, filepath.Join(dir, "batch_merged_batch-001.json"))

	head, err := e.chainTracker.GetHead(EventBatchMerged)
	require.NoError(t, err)
	assert.Equal(t, evt.Chain.EventHash, head)
}

func TestHTTPEmitterGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(srv.URL, dir, time.Second)
	require.NoError(t, err)
	e.retryDelay = time.Millisecond

	evt := batchEvent(1, "sha256:a")
	err = e.Emit(context.Background(), &evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")

	// The local copy survives and the chain does not advance.
	assert.FileExists(t, filepath.Join(dir, "batch_merged_batch-001.json"))
	_, err = e.chainTracker.GetHead(EventBatchMerged)
	assert.ErrorIs(t, err, ErrNoChainHead)
}

func TestNewEmitterSelection(t *testing.T) {
	assert.IsType(t, Noop{}, NewEmitter(config.NotifyConfig{}, ""))
	assert.IsType(t, &fileOnlyEmitterWrapper{}, NewEmitter(config.NotifyConfig{Dir: t.TempDir()}, ""))
	assert.IsType(t, &httpEmitterWrapper{}, NewEmitter(config.NotifyConfig{Endpoint: "http://127.0.0.1:1"}, t.TempDir()))
}
