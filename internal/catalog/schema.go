// Package catalog exports an inventory of a work directory's tiles and
// merged artifacts as Parquet tables.
package catalog

import (
	"time"
)

// TileRecord is one row of the tiles table: a tile known to any stage.
type TileRecord struct {
	// Identity
	Batch int32 `parquet:"batch"`
	Zoom  int32 `parquet:"zoom"`
	X     int32 `parquet:"x"`
	Y     int32 `parquet:"y"`

	// Geographic bounds in EPSG:4326 degrees
	MinLon float64 `parquet:"min_lon"`
	MinLat float64 `parquet:"min_lat"`
	MaxLon float64 `parquet:"max_lon"`
	MaxLat float64 `parquet:"max_lat"`

	// Stage state
	Downloaded    bool   `parquet:"downloaded"`
	RawBytes      int64  `parquet:"raw_bytes"`
	Georeferenced bool   `parquet:"georeferenced"`
	GeoTIFFBytes  int64  `parquet:"geotiff_bytes"`
	Failed        bool   `parquet:"failed"`
	FailureReason string `parquet:"failure_reason,optional"`
	Retries       int32  `parquet:"retries"`

	CatalogedAt time.Time `parquet:"cataloged_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (TileRecord) TableName() string {
	return "tiles"
}

// ArtifactRecord is one row of the artifacts table: a merged mosaic.
type ArtifactRecord struct {
	Name      string    `parquet:"name"`
	Batch     int32     `parquet:"batch,optional"` // zero for whole-run mosaics
	Path      string    `parquet:"path"`
	SizeBytes int64     `parquet:"size_bytes"`
	SHA256    string    `parquet:"sha256"`
	ModTime   time.Time `parquet:"mod_time,timestamp(millisecond)"`

	CatalogedAt time.Time `parquet:"cataloged_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (ArtifactRecord) TableName() string {
	return "artifacts"
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{Compression: "zstd"}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
