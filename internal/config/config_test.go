package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Fetch.Zoom)
	assert.Equal(t, 2, cfg.Fetch.Variant)
	assert.Equal(t, 50, cfg.Fetch.BatchSize)
	assert.Equal(t, 500, cfg.Fetch.Concurrency)
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Fetch.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Fetch.ReadTimeout)
	assert.Equal(t, 16384, cfg.Fetch.ChunkSize)
	assert.Equal(t, 4, cfg.Georef.Workers)
	assert.Equal(t, 30*time.Second, cfg.Georef.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Merge.CheckInterval)
	assert.Equal(t, "complete", cfg.Merge.Readiness)
	assert.Equal(t, "cubic", cfg.Merge.Resampling)
	assert.True(t, cfg.Merge.Compress)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tilemosaic.yaml")
	content := `
work_dir: /data/run
fetch:
  x_start: 865000
  x_end: 865099
  y_start: 525600
  y_end: 525699
  concurrency: 64
  retry_delay: 2s
merge:
  parallel: true
  workers: 3
  readiness: any
  resampling: lanczos
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/run", cfg.WorkDir)
	assert.Equal(t, planner.Range{XStart: 865000, XEnd: 865099, YStart: 525600, YEnd: 525699}, cfg.Fetch.Range())
	assert.Equal(t, 64, cfg.Fetch.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Fetch.RetryDelay)
	assert.True(t, cfg.Merge.Parallel)
	assert.Equal(t, 3, cfg.Merge.EffectiveWorkers())
	assert.Equal(t, "any", cfg.Merge.Readiness)
	assert.Equal(t, filepath.Join("/data/run", "raw", "progress.json"), cfg.FetchProgressPath())
	assert.Equal(t, filepath.Join("/data/run", "merged", "watch_progress.json"), cfg.WatchProgressPath())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TILEMOSAIC_FETCH_CONCURRENCY", "12")
	t.Setenv("TILEMOSAIC_MERGE_CHECK_INTERVAL", "5s")

	path := filepath.Join(t.TempDir(), "tilemosaic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("work_dir: /tmp/x\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Fetch.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Merge.CheckInterval)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"zero concurrency", func(c *config.Config) { c.Fetch.Concurrency = 0 }, config.ErrInvalidConcurrency},
		{"negative retries", func(c *config.Config) { c.Fetch.RetryAttempts = -1 }, config.ErrInvalidRetries},
		{"zero batch size", func(c *config.Config) { c.Fetch.BatchSize = 0 }, config.ErrInvalidBatchSize},
		{"bad template", func(c *config.Config) { c.Fetch.URLTemplate = "https://example.com/{z}" }, config.ErrInvalidURLTemplate},
		{"bad resampling", func(c *config.Config) { c.Merge.Resampling = "average" }, config.ErrInvalidResampling},
		{"bad readiness", func(c *config.Config) { c.Merge.Readiness = "eventually" }, config.ErrInvalidReadiness},
		{"zero interval", func(c *config.Config) { c.Merge.CheckInterval = 0 }, config.ErrInvalidInterval},
		{"negative workers", func(c *config.Config) { c.Merge.Workers = -2 }, config.ErrInvalidWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestEffectiveWorkersDefaultsToCPUCount(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), config.Default().Merge.EffectiveWorkers())
}
