package mosaic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

// BatchEntry is one batch in a merge log.
type BatchEntry struct {
	Batch int `yaml:"batch"`
	Tiles int `yaml:"tiles"`
}

// MergeLog is written beside a whole-run mosaic.
type MergeLog struct {
	Date       time.Time    `yaml:"date"`
	RunID      string       `yaml:"run_id,omitempty"`
	Output     string       `yaml:"output"`
	Resampling string       `yaml:"resampling"`
	Compressed bool         `yaml:"compressed"`
	Batches    []BatchEntry `yaml:"batches"`
	TotalTiles int          `yaml:"total_tiles"`
	Artifact   Artifact     `yaml:"artifact"`
}

// LogPath returns the merge log path for a mosaic.
func LogPath(outputPath string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".log.yaml"
}

// BuildRun merges the georeferenced tiles of every batch in nums into one
// mosaic named after base, numbered if the name is taken, and writes a merge
// log beside it. Batches without tiles are left out of the log.
func (b *Builder) BuildRun(ctx context.Context, georefDir, outDir, base, runID string, nums []int) (*Artifact, *MergeLog, error) {
	var (
		tiles   []geo.TilePath
		entries []BatchEntry
	)
	for _, n := range nums {
		bt, err := CollectTiles(filepath.Join(georefDir, planner.DirName(n)))
		if err != nil {
			return nil, nil, fmt.Errorf("collect batch %d: %w", n, err)
		}
		if len(bt) == 0 {
			continue
		}
		tiles = append(tiles, bt...)
		entries = append(entries, BatchEntry{Batch: n, Tiles: len(bt)})
	}
	if len(tiles) == 0 {
		return nil, nil, geo.ErrNoTiles
	}

	out, err := UniquePath(outDir, base, geo.GeoTIFFExt)
	if err != nil {
		return nil, nil, err
	}

	b.log.Info("merging batches into one mosaic",
		"batches", len(entries),
		"tiles", len(tiles),
		"output", out)

	a, err := b.Build(ctx, tiles, out)
	if err != nil {
		return nil, nil, err
	}

	ml := &MergeLog{
		Date:       time.Now().UTC(),
		RunID:      runID,
		Output:     out,
		Resampling: b.opts.Resampling,
		Compressed: b.opts.Compress,
		Batches:    entries,
		TotalTiles: len(tiles),
		Artifact:   *a,
	}
	data, err := yaml.Marshal(ml)
	if err != nil {
		return a, nil, fmt.Errorf("marshal merge log: %w", err)
	}
	if err := os.WriteFile(LogPath(out), data, 0644); err != nil {
		return a, nil, fmt.Errorf("write merge log: %w", err)
	}
	return a, ml, nil
}
