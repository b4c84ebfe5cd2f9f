package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/mosaic"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// ErrBatchEmpty is returned when a batch has no georeferenced tiles.
var ErrBatchEmpty = errors.New("batch has no georeferenced tiles")

// Merger builds one mosaic per batch.
type Merger struct {
	builder   *mosaic.Builder
	georefDir string
	mergedDir string
}

// NewMerger creates a merger reading georefDir/batch-NNN and writing
// mergedDir/batch-NNN.tif.
func NewMerger(builder *mosaic.Builder, georefDir, mergedDir string) *Merger {
	return &Merger{builder: builder, georefDir: georefDir, mergedDir: mergedDir}
}

// OutputPath returns the mosaic path for batch num.
func (m *Merger) OutputPath(num int) string {
	return filepath.Join(m.mergedDir, planner.DirName(num)+geo.GeoTIFFExt)
}

// MergeBatch builds the mosaic of batch num. An existing mosaic is
// reported with AlreadyExisted and not rebuilt.
func (m *Merger) MergeBatch(ctx context.Context, num int) (*mosaic.Artifact, error) {
	out := m.OutputPath(num)
	if util.FileExists(out) {
		return &mosaic.Artifact{
			BatchNum:       num,
			Path:           out,
			SizeBytes:      util.FileSize(out),
			AlreadyExisted: true,
		}, nil
	}

	tiles, err := mosaic.CollectTiles(filepath.Join(m.georefDir, planner.DirName(num)))
	if err != nil {
		return nil, fmt.Errorf("collect batch %d: %w", num, err)
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("batch %d: %w", num, ErrBatchEmpty)
	}

	a, err := m.builder.Build(ctx, tiles, out)
	if err != nil {
		return nil, fmt.Errorf("merge batch %d: %w", num, err)
	}
	a.BatchNum = num
	return a, nil
}
