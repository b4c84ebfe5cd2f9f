package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/tilemosaic/internal/util"
)

// ErrNotFound is returned by Head for a missing object.
var ErrNotFound = errors.New("object not found")

const checksumKey = "sha256"

// BlobStore writes artifacts to any bucket gocloud.dev can open.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// OpenBlobStore opens the bucket at url (file://, mem://, gs://, s3://).
func OpenBlobStore(ctx context.Context, url, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}

	base, _, _ := strings.Cut(url, "?")
	return &BlobStore{
		bucket:    bucket,
		bucketURL: strings.TrimSuffix(base, "/"),
		prefix:    prefix,
	}, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, bucketURL, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, bucketURL: strings.TrimSuffix(bucketURL, "/"), prefix: prefix}
}

// Publish uploads localPath to a temporary key and copies it into place, so
// readers never see a partial object.
func (s *BlobStore) Publish(ctx context.Context, localPath string) (*PublishResult, error) {
	key := Key(s.prefix, localPath)
	size := util.FileSize(localPath)

	if info, err := s.Head(ctx, key); err == nil && info.Size == size {
		return &PublishResult{
			Key:      key,
			URI:      s.URI(key),
			Checksum: info.Checksum,
			ByteSize: info.Size,
		}, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	checksum, err := util.FileChecksum(localPath)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", localPath, err)
	}

	tempKey := key + ".tmp." + uuid.New().String()
	if err := s.upload(ctx, localPath, tempKey, checksum); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return nil, err
	}

	if err := s.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return nil, fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}
	s.bucket.Delete(ctx, tempKey) // ignore errors

	return &PublishResult{
		Key:      key,
		URI:      s.URI(key),
		Checksum: checksum,
		ByteSize: size,
		Uploaded: true,
	}, nil
}

func (s *BlobStore) upload(ctx context.Context, localPath, key, checksum string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "image/tiff",
		Metadata:    map[string]string{checksumKey: checksum},
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:      key,
		Size:     attrs.Size,
		ETag:     attrs.ETag,
		Checksum: attrs.Metadata[checksumKey],
		ModTime:  attrs.ModTime,
	}, nil
}

// List returns all published keys under the prefix.
func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.prefix, err)
		}
		// Skip temp files
		if obj.IsDir || strings.Contains(obj.Key, ".tmp.") {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.bucketURL + "/" + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements ArtifactStore.
var _ ArtifactStore = (*BlobStore)(nil)
