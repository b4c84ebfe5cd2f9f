// Package mosaic assembles georeferenced tiles into a single GeoTIFF through
// a GDAL virtual raster.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/gdal"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// maxSuffix is the highest numbered variant UniquePath will try.
const maxSuffix = 9999

// ErrTooManyOutputs is returned by UniquePath when every numbered variant of
// a name is taken.
var ErrTooManyOutputs = errors.New("too many outputs with the same name")

// Options control how a mosaic is rendered.
type Options struct {
	Resampling string
	Compress   bool
	BlockSize  int
	SRS        string
	Timeout    time.Duration // bounds one Build; zero means no limit
}

// OptionsFromConfig derives build options from the merge configuration.
func OptionsFromConfig(m config.MergeConfig, srs string) Options {
	return Options{
		Resampling: m.Resampling,
		Compress:   m.Compress,
		BlockSize:  m.BlockSize,
		SRS:        srs,
		Timeout:    m.Timeout,
	}
}

// Artifact describes a mosaic on disk.
type Artifact struct {
	BatchNum       int             `yaml:"batch,omitempty"`
	Path           string          `yaml:"path"`
	Tiles          int             `yaml:"tiles"`
	Zoom           int             `yaml:"zoom"`
	Bounds         geo.BoundingBox `yaml:"bounds"`
	SizeBytes      int64           `yaml:"size_bytes"`
	AlreadyExisted bool            `yaml:"already_existed,omitempty"`
	Duration       time.Duration   `yaml:"duration"`
}

// Builder renders mosaics with gdalbuildvrt and gdal_translate.
type Builder struct {
	runner gdal.Runner
	opts   Options
	log    *slog.Logger
}

// New creates a builder.
func New(runner gdal.Runner, opts Options) *Builder {
	if opts.Resampling == "" {
		opts.Resampling = "cubic"
	}
	if opts.SRS == "" {
		opts.SRS = "EPSG:4326"
	}
	return &Builder{runner: runner, opts: opts, log: logging.Component("mosaic")}
}

// Options returns the builder's options.
func (b *Builder) Options() Options {
	return b.opts
}

// Build merges tiles into outputPath. If outputPath already exists nothing
// is rebuilt. The GeoTIFF is written under a temporary name and renamed
// when complete, so an existing output is always whole. The tile list and
// VRT are removed on success and left for inspection on failure.
func (b *Builder) Build(ctx context.Context, tiles []geo.TilePath, outputPath string) (*Artifact, error) {
	start := time.Now()

	if util.FileExists(outputPath) {
		return &Artifact{
			Path:           outputPath,
			Tiles:          len(tiles),
			SizeBytes:      util.FileSize(outputPath),
			AlreadyExisted: true,
		}, nil
	}

	coords := make([]geo.Tile, len(tiles))
	for i, tp := range tiles {
		coords[i] = tp.Tile
	}
	bounds, zoom, err := geo.Extent(coords)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(outputPath)
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	listFile := filepath.Join(dir, "tile_list_"+stem+".txt")
	vrtFile := filepath.Join(dir, stem+".vrt")
	partial := outputPath + ".partial"

	var list strings.Builder
	for _, tp := range tiles {
		list.WriteString(filepath.ToSlash(tp.Path))
		list.WriteByte('\n')
	}
	if err := os.WriteFile(listFile, []byte(list.String()), 0644); err != nil {
		return nil, fmt.Errorf("write tile list: %w", err)
	}

	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	log := b.log.With("output", filepath.Base(outputPath))
	log.Debug("building virtual raster", "tiles", len(tiles), "zoom", zoom)

	if err := b.runner.Run(ctx, gdal.BuildVRT,
		gdal.BuildVRTArgs(listFile, vrtFile, bounds, b.opts.Resampling, b.opts.SRS)...); err != nil {
		return nil, fmt.Errorf("build vrt: %w", err)
	}

	if err := b.runner.Run(ctx, gdal.Translate, gdal.TranslateArgs(vrtFile, partial, gdal.TranslateOptions{
		Resampling: b.opts.Resampling,
		Compress:   b.opts.Compress,
		BlockSize:  b.opts.BlockSize,
	})...); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("translate mosaic: %w", err)
	}

	if err := os.Rename(partial, outputPath); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("finalize mosaic: %w", err)
	}

	os.Remove(vrtFile)
	os.Remove(listFile)

	a := &Artifact{
		Path:      outputPath,
		Tiles:     len(tiles),
		Zoom:      zoom,
		Bounds:    bounds,
		SizeBytes: util.FileSize(outputPath),
		Duration:  time.Since(start),
	}
	log.Debug("mosaic built", "size_bytes", a.SizeBytes, "duration_ms", a.Duration.Milliseconds())
	return a, nil
}

// CollectTiles returns the georeferenced tiles in dir. Files that are not
// named after a tile, and unfinished outputs, are ignored.
func CollectTiles(dir string) ([]geo.TilePath, error) {
	files, err := util.ListFiles(dir, geo.GeoTIFFExt)
	if err != nil {
		return nil, err
	}
	out := make([]geo.TilePath, 0, len(files))
	for _, f := range files {
		t, ok := geo.ParseFileName(f)
		if !ok {
			continue
		}
		out = append(out, geo.TilePath{Tile: t, Path: f})
	}
	return out, nil
}

// UniquePath returns dir/base+ext if it is free, otherwise the first free
// dir/base_NNN+ext.
func UniquePath(dir, base, ext string) (string, error) {
	p := filepath.Join(dir, base+ext)
	if !exists(p) {
		return p, nil
	}
	for i := 1; i <= maxSuffix; i++ {
		p = filepath.Join(dir, fmt.Sprintf("%s_%03d%s", base, i, ext))
		if !exists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s%s in %s", ErrTooManyOutputs, base, ext, dir)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
