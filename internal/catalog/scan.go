package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/georef"
	"github.com/withObsrvr/tilemosaic/internal/mosaic"
	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// Snapshot is the scanned state of a work directory.
type Snapshot struct {
	Tiles     []TileRecord
	Artifacts []ArtifactRecord
}

type tileKey struct {
	batch int
	tile  geo.Tile
}

// Scan walks the raw, georeferenced and merged directories of cfg and the
// failed-tile ledger. Tiles are keyed by batch and coordinates, so a tile
// seen by several stages yields one row.
func Scan(cfg *config.Config, now time.Time) (*Snapshot, error) {
	rows := make(map[tileKey]*TileRecord)
	row := func(batch int, t geo.Tile) *TileRecord {
		k := tileKey{batch, t}
		r, ok := rows[k]
		if !ok {
			b := t.Bounds()
			r = &TileRecord{
				Batch:       int32(batch),
				Zoom:        int32(t.Zoom),
				X:           int32(t.X),
				Y:           int32(t.Y),
				MinLon:      b.MinLon,
				MinLat:      b.MinLat,
				MaxLon:      b.MaxLon,
				MaxLat:      b.MaxLat,
				CatalogedAt: now,
			}
			rows[k] = r
		}
		return r
	}

	rawBatches, err := planner.ListBatches(cfg.RawDir())
	if err != nil {
		return nil, err
	}
	for _, n := range rawBatches {
		tiles, err := georef.RawTiles(filepath.Join(cfg.RawDir(), planner.DirName(n)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scan raw batch %d: %w", n, err)
		}
		for _, tp := range tiles {
			r := row(n, tp.Tile)
			r.Downloaded = true
			r.RawBytes = util.FileSize(tp.Path)
		}
	}

	geoBatches, err := planner.ListBatches(cfg.GeorefDir())
	if err != nil {
		return nil, err
	}
	for _, n := range geoBatches {
		tiles, err := mosaic.CollectTiles(filepath.Join(cfg.GeorefDir(), planner.DirName(n)))
		if err != nil {
			return nil, fmt.Errorf("scan georeferenced batch %d: %w", n, err)
		}
		for _, tp := range tiles {
			r := row(n, tp.Tile)
			r.Georeferenced = true
			r.GeoTIFFBytes = util.FileSize(tp.Path)
		}
	}

	// The ledger stores coordinates only; the zoom comes from the run.
	if util.FileExists(cfg.FailedLedgerPath()) {
		zoom := cfg.Fetch.Zoom
		if p := checkpoint.NewFetchStore(cfg.FetchProgressPath()).Load(); !p.Empty() {
			zoom = p.Run.Zoom
		}
		ledger := checkpoint.NewLedgerStore(cfg.FailedLedgerPath()).Load()
		for _, n := range ledger.BatchNums() {
			for _, ft := range ledger.Batches[n] {
				r := row(n, geo.Tile{X: ft.X, Y: ft.Y, Zoom: zoom})
				r.Failed = true
				r.FailureReason = ft.Error
				r.Retries = int32(ft.Retries)
			}
		}
	}

	snap := &Snapshot{Tiles: make([]TileRecord, 0, len(rows))}
	for _, r := range rows {
		snap.Tiles = append(snap.Tiles, *r)
	}
	sort.Slice(snap.Tiles, func(i, j int) bool {
		a, b := snap.Tiles[i], snap.Tiles[j]
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})

	snap.Artifacts, err = scanArtifacts(cfg.MergedDir(), now)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func scanArtifacts(dir string, now time.Time) ([]ArtifactRecord, error) {
	files, err := util.ListFiles(dir, geo.GeoTIFFExt)
	if err != nil {
		return nil, fmt.Errorf("scan merged: %w", err)
	}
	sort.Strings(files)

	out := make([]ArtifactRecord, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		sum, err := util.FileChecksum(f)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(f)
		rec := ArtifactRecord{
			Name:        name,
			Path:        f,
			SizeBytes:   info.Size(),
			SHA256:      strings.TrimPrefix(sum, "sha256:"),
			ModTime:     info.ModTime().UTC(),
			CatalogedAt: now,
		}
		if n, ok := planner.ParseDirName(strings.TrimSuffix(name, geo.GeoTIFFExt)); ok {
			rec.Batch = int32(n)
		}
		out = append(out, rec)
	}
	return out, nil
}
