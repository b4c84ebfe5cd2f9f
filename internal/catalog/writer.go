package catalog

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/logging"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// Table is a row type with a canonical table name.
type Table interface {
	TableName() string
}

// Output describes one written table.
type Output struct {
	Table    string
	Path     string
	Rows     int
	ByteSize int64
	Checksum string
}

func codec(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", name)
	}
}

// Encode renders rows as a Parquet file.
func Encode[T Table](rows []T, cfg ParquetConfig) ([]byte, error) {
	c, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf,
		parquet.Compression(c),
		parquet.KeyValueMetadata("schema_version", SchemaVersion),
	)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTable writes rows to dir/<table>.parquet, replacing any earlier
// export atomically.
func WriteTable[T Table](dir string, rows []T, cfg ParquetConfig) (*Output, error) {
	var zero T
	name := zero.TableName()

	data, err := Encode(rows, cfg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(dir, name+".parquet")
	if err := util.WriteFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	return &Output{
		Table:    name,
		Path:     path,
		Rows:     len(rows),
		ByteSize: int64(len(data)),
		Checksum: util.ComputeChecksum(data),
	}, nil
}

// Export scans cfg's work directory and writes the tiles and artifacts
// tables to outDir.
func Export(cfg *config.Config, outDir string, pc ParquetConfig) ([]Output, error) {
	log := logging.Component("catalog")
	start := time.Now()

	snap, err := Scan(cfg, start.UTC())
	if err != nil {
		return nil, err
	}
	if err := util.EnsureDir(outDir); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	tiles, err := WriteTable(outDir, snap.Tiles, pc)
	if err != nil {
		return nil, err
	}
	artifacts, err := WriteTable(outDir, snap.Artifacts, pc)
	if err != nil {
		return nil, err
	}

	outputs := []Output{*tiles, *artifacts}
	for _, o := range outputs {
		log.Info("table exported",
			slog.String("table", o.Table),
			slog.String("path", o.Path),
			slog.Int("rows", o.Rows),
			slog.Int64("bytes", o.ByteSize))
	}
	log.Debug("export finished", "duration_ms", time.Since(start).Milliseconds())
	return outputs, nil
}
