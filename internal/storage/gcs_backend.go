package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/vidmsg/internal/domain"
)

// gcsBackend satisfies backend against a single GCS bucket, grounded
// on internal/clients/gcp/bucket.go's UploadFile/DownloadFile/
// DeleteFile pattern — adapted from a category→bucket map to a
// tier→prefix layout within one bucket.
type gcsBackend struct {
	client *storage.Client
	bucket string
}

// newGCSBackend dials GCS with the given client options (e.g.
// option.WithCredentialsFile, option.WithoutAuthentication for tests).
func newGCSBackend(ctx context.Context, bucket string, opts ...option.ClientOption) (*gcsBackend, error) {
	cl, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &gcsBackend{client: cl, bucket: bucket}, nil
}

// NewGCSBackend is newGCSBackend exported for callers outside this
// package (cmd/server/main.go) to build a Config.TierBackends entry,
// e.g. to put the videos tier in GCS instead of on local disk.
func NewGCSBackend(ctx context.Context, bucket string, opts ...option.ClientOption) (Backend, error) {
	return newGCSBackend(ctx, bucket, opts...)
}

func (b *gcsBackend) objectKey(tier domain.Tier, name string) string {
	return string(tier) + "/" + name
}

func (b *gcsBackend) writeAtomic(ctx context.Context, tier domain.Tier, name string, data []byte) (string, error) {
	key := b.objectKey(tier, name)
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer %s: %w", key, err)
	}
	// GCS object writes are create-or-replace-whole-object, already
	// atomic from the reader's perspective; no temp-then-rename needed.
	return "gs://" + b.bucket + "/" + key, nil
}

func (b *gcsBackend) read(ctx context.Context, path string) ([]byte, error) {
	key, err := b.keyFromPath(path)
	if err != nil {
		return nil, err
	}
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gcs reader %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *gcsBackend) remove(ctx context.Context, path string) error {
	key, err := b.keyFromPath(path)
	if err != nil {
		return err
	}
	err = b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return nil
	}
	return err
}

// freeBytes: GCS capacity is effectively unbounded from this module's
// perspective, so disk-pressure policy does not apply to this backend.
func (b *gcsBackend) freeBytes(context.Context) (int64, error) {
	return -1, nil
}

func (b *gcsBackend) keyFromPath(path string) (string, error) {
	prefix := "gs://" + b.bucket + "/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", fmt.Errorf("path %q does not belong to bucket %q", path, b.bucket)
	}
	return path[len(prefix):], nil
}
