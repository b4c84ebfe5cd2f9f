// Package storage publishes merged mosaics to a blob bucket.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/config"
)

// ArtifactStore abstracts copying finished artifacts to durable storage.
type ArtifactStore interface {
	// Publish uploads the file at localPath under the store's prefix. An
	// object of the same size already under that key is left untouched.
	Publish(ctx context.Context, localPath string) (*PublishResult, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns the published keys under the store's prefix.
	List(ctx context.Context) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	ETag     string
	Checksum string // sha256 recorded at upload, if any
	ModTime  time.Time
}

// PublishResult contains the result of a publish.
type PublishResult struct {
	Key      string
	URI      string
	Checksum string
	ByteSize int64
	Uploaded bool // false when an identical-size object already existed
}

// Key returns the object key for a local artifact.
func Key(prefix, localPath string) string {
	return prefix + filepath.Base(localPath)
}

// New opens the store configured by cfg. An empty URL disables publishing
// and yields a store that accepts and discards every artifact.
func New(ctx context.Context, cfg config.StorageConfig) (ArtifactStore, error) {
	if cfg.URL == "" {
		return Noop{}, nil
	}
	s, err := OpenBlobStore(ctx, cfg.URL, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return s, nil
}

// Noop is an ArtifactStore that stores nothing.
type Noop struct{}

func (Noop) Publish(context.Context, string) (*PublishResult, error) {
	return &PublishResult{}, nil
}

func (Noop) Head(_ context.Context, key string) (*ObjectInfo, error) {
	return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
}

func (Noop) List(context.Context) ([]string, error) { return nil, nil }
func (Noop) URI(string) string                      { return "" }
func (Noop) Close() error                           { return nil }
