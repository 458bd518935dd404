package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/yungbote/vidmsg/internal/domain"
)

// Backend is the seam Put/Get/Release are mediated through (spec.md
// §E.4.4): a default localBackend writing to disk, or an optional
// per-tier gcsBackend grounded on internal/clients/gcp/bucket.go.
// Exported (as an alias of the internal backend interface) so callers
// assembling Config.TierBackends from outside this package — e.g.
// cmd/server/main.go wiring a GCS-backed videos tier — can name the
// map's value type and hold a constructed backend without this package
// exposing its concrete struct types.
type Backend = backend

type backend interface {
	// writeAtomic stores data under tier and returns the assigned path.
	writeAtomic(ctx context.Context, tier domain.Tier, name string, data []byte) (string, error)
	read(ctx context.Context, path string) ([]byte, error)
	remove(ctx context.Context, path string) error
	// freeBytes reports free capacity, or a negative number if the
	// backend has no meaningful notion of it (e.g. cloud object
	// storage), in which case the disk-pressure policy is skipped.
	freeBytes(ctx context.Context) (int64, error)
}

// localBackend implements spec.md §4.4's atomic write directly against
// the filesystem: write to a temp sibling, rename into place, unlink
// the temp file on any failure.
type localBackend struct {
	root string
}

func newLocalBackend(root string) *localBackend {
	return &localBackend{root: root}
}

func (b *localBackend) writeAtomic(_ context.Context, tier domain.Tier, name string, data []byte) (string, error) {
	dir := filepath.Join(b.root, string(tier))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp-"+uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return final, nil
}

func (b *localBackend) read(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (b *localBackend) remove(_ context.Context, path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// freeBytes uses syscall.Statfs directly; no library in the retrieval
// pack wraps disk-usage queries, and this is a thin, platform-specific
// one-call wrapper rather than a concern worth a dependency.
func (b *localBackend) freeBytes(_ context.Context) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(b.root, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
