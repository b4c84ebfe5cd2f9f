package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "tilemosaic "+Version)
}

func TestParseBBox(t *testing.T) {
	b, err := parseBBox("106.80, -6.25,106.85,-6.20")
	require.NoError(t, err)
	assert.InDelta(t, 106.80, b.Min.X(), 1e-12)
	assert.InDelta(t, -6.25, b.Min.Y(), 1e-12)
	assert.InDelta(t, 106.85, b.Max.X(), 1e-12)
	assert.InDelta(t, -6.20, b.Max.Y(), 1e-12)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "2,0,1,1", "0,2,1,1"} {
		_, err := parseBBox(bad)
		assert.ErrorIs(t, err, errBadBBox, bad)
	}
}

func TestSelectBatches(t *testing.T) {
	nums, err := selectBatches(0, "", "", false)
	require.NoError(t, err)
	assert.Nil(t, nums)

	nums, err = selectBatches(4, "", "", false)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, nums)

	nums, err = selectBatches(0, "1,2,5", "", false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 5}, nums)

	nums, err = selectBatches(0, "", "3-5", false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, nums)

	_, err = selectBatches(-1, "", "", false)
	assert.Error(t, err)
}

func TestListCommand(t *testing.T) {
	work := t.TempDir()
	tile := geo.Tile{X: 5, Y: 6, Zoom: 12}
	raw := filepath.Join(work, "raw", planner.DirName(2))
	require.NoError(t, os.MkdirAll(raw, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(raw, geo.FileName(tile, "jpg")), []byte("jpg"), 0644))

	_, err := run(t, "list", "--work-dir", work, "--config", filepath.Join(work, "none.yaml"))
	// A named config file that does not exist is an error.
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(work, "tilemosaic.yaml"), []byte("logging:\n  level: error\n"), 0644))
	out, err := run(t, "list", "--work-dir", work, "--config", filepath.Join(work, "tilemosaic.yaml"))
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "1 batches")
}

func TestExportCommand(t *testing.T) {
	work := t.TempDir()
	cfgPath := filepath.Join(work, "tilemosaic.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: error\n"), 0644))

	out, err := run(t, "export", "--work-dir", work, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "tiles")
	assert.FileExists(t, filepath.Join(work, "catalog", "tiles.parquet"))
	assert.FileExists(t, filepath.Join(work, "catalog", "artifacts.parquet"))
}
