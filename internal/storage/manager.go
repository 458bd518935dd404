// Package storage implements the tiered artifact store (spec.md §4.4):
// atomic put, tier-scoped retention sweeping, and a disk-pressure
// policy, with an in-memory index rebuilt from a compact on-disk log at
// startup. It follows internal/jobs/orchestrator/engine.go's discipline
// of "mutate in memory, persist best-effort, tolerate a crash between
// the two" applied to files instead of DB rows, and mediates actual
// reads/writes through a small backend seam (internal/storage/backend.go)
// grounded on internal/clients/gcp/bucket.go's category-bucket design.
package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/pkg/ctxutil"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/platform/clock"
)

// walOp is one entry in index.log.
type walOp string

const (
	walOpPut     walOp = "put"
	walOpRelease walOp = "release"
)

type walRecord struct {
	Op        walOp       `json:"op"`
	Path      string      `json:"path"`
	Tier      domain.Tier `json:"tier"`
	Size      int64       `json:"size"`
	TaskID    uuid.UUID   `json:"task_id"`
	CreatedAt time.Time   `json:"created_at"`
	Retention int64       `json:"retention_ns,omitempty"`
}

// TaskLivenessChecker reports whether taskID is still non-terminal.
// Artifacts belonging to a non-terminal task are exempt from retention
// sweeping regardless of age (spec.md §4.4). A nil checker is treated
// as "nothing is exempt" (e.g. standalone tests of the storage layer).
type TaskLivenessChecker func(taskID uuid.UUID) bool

// Stats is Stat()'s return value.
type Stats struct {
	FreeBytes int64
	Tiers     map[domain.Tier]TierStats
}

// TierStats summarizes one tier's live artifacts.
type TierStats struct {
	Count      int
	TotalBytes int64
}

// Manager is the tiered artifact store. One Manager instance is shared
// by the whole process.
type Manager struct {
	mu    sync.RWMutex
	index map[string]*domain.Artifact // path -> artifact

	root      string
	backends  map[domain.Tier]backend
	retention map[domain.Tier]time.Duration

	diskPressureBytes int64
	isNonTerminal     TaskLivenessChecker

	log   *logger.Logger
	clock clock.Clock

	walMu   sync.Mutex
	walFile *os.File
}

// Config configures a Manager at construction.
type Config struct {
	Root              string
	Retention         map[domain.Tier]time.Duration // falls back to Tier.DefaultRetention() when absent
	DiskPressureBytes int64
	IsNonTerminal     TaskLivenessChecker
	// TierBackends overrides the default localBackend for specific
	// tiers, e.g. {domain.TierVideos: gcsBackend}. Tiers not present
	// here use a localBackend rooted at Root.
	TierBackends map[domain.Tier]backend
}

// New opens (or creates) the store at cfg.Root and rebuilds the index
// from index.log plus a directory reconciliation pass.
func New(cfg Config, log *logger.Logger, clk clock.Clock) (*Manager, error) {
	if log == nil {
		log = logger.Noop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Root == "" {
		return nil, verrors.E(verrors.KindInvalidInput, "storage.New", "root is required", nil)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, verrors.E(verrors.KindStorageError, "storage.New", "cannot create storage root", err)
	}

	local := newLocalBackend(cfg.Root)
	backends := map[domain.Tier]backend{
		domain.TierTemp:      local,
		domain.TierUploads:   local,
		domain.TierProcessed: local,
		domain.TierVideos:    local,
	}
	for tier, b := range cfg.TierBackends {
		backends[tier] = b
	}

	retention := map[domain.Tier]time.Duration{}
	for _, tier := range []domain.Tier{domain.TierTemp, domain.TierUploads, domain.TierProcessed, domain.TierVideos} {
		if d, ok := cfg.Retention[tier]; ok && d > 0 {
			retention[tier] = d
		} else {
			retention[tier] = tier.DefaultRetention()
		}
	}

	diskPressure := cfg.DiskPressureBytes
	if diskPressure <= 0 {
		diskPressure = 5 * 1024 * 1024 * 1024
	}

	m := &Manager{
		index:             make(map[string]*domain.Artifact),
		root:              cfg.Root,
		backends:          backends,
		retention:         retention,
		diskPressureBytes: diskPressure,
		isNonTerminal:     cfg.IsNonTerminal,
		log:               log.With("component", "StorageManager"),
		clock:             clk,
	}

	walPath := filepath.Join(cfg.Root, "index.log")
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, verrors.E(verrors.KindStorageError, "storage.New", "cannot open index.log", err)
	}
	m.walFile = f

	if err := m.loadIndex(walPath); err != nil {
		return nil, err
	}
	m.reconcileOrphans()

	return m, nil
}

// loadIndex replays index.log into the in-memory index.
func (m *Manager) loadIndex(walPath string) error {
	f, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return verrors.E(verrors.KindStorageError, "storage.loadIndex", "cannot open index.log", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			m.log.Warn("skipping corrupt index.log line", "error", err)
			continue
		}
		switch rec.Op {
		case walOpPut:
			m.index[rec.Path] = &domain.Artifact{
				Tier:      rec.Tier,
				Path:      rec.Path,
				Size:      rec.Size,
				TaskID:    rec.TaskID,
				CreatedAt: rec.CreatedAt,
				Retention: time.Duration(rec.Retention),
			}
		case walOpRelease:
			delete(m.index, rec.Path)
		}
	}
	return sc.Err()
}

// reconcileOrphans adds files present on disk but missing from the
// index (crash between file creation and WAL append) using the file's
// mtime as CreatedAt, and drops index entries whose backing file is
// gone (spec.md §4.4 "crashes between file creation and index update
// are recoverable").
func (m *Manager) reconcileOrphans() {
	for tier := range m.backends {
		dir := filepath.Join(m.root, string(tier))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if _, ok := m.index[path]; ok {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			m.log.Warn("adopting orphan artifact found on disk", "path", path)
			m.index[path] = &domain.Artifact{
				Tier:      tier,
				Path:      path,
				Size:      info.Size(),
				CreatedAt: info.ModTime(),
			}
		}
	}
	for path := range m.index {
		if _, err := os.Stat(path); err != nil {
			delete(m.index, path)
		}
	}
}

func (m *Manager) appendWAL(rec walRecord) {
	m.walMu.Lock()
	defer m.walMu.Unlock()
	raw, err := json.Marshal(rec)
	if err != nil {
		m.log.Error("failed to marshal index.log record", "error", err)
		return
	}
	if _, err := m.walFile.Write(append(raw, '\n')); err != nil {
		m.log.Error("failed to append to index.log", "error", err)
	}
}

// Put stores data in tier and returns its assigned path. suggestedName
// is advisory only; the manager assigns the actual unique name.
func (m *Manager) Put(ctx context.Context, tier domain.Tier, data []byte, suggestedName string, taskID uuid.UUID) (string, error) {
	ctx = ctxutil.Default(ctx)
	b, ok := m.backends[tier]
	if !ok {
		return "", verrors.E(verrors.KindInvalidInput, "storage.Put", fmt.Sprintf("unknown tier %q", tier), nil)
	}
	name := uuid.NewString() + extOf(suggestedName)
	path, err := b.writeAtomic(ctx, tier, name, data)
	if err != nil {
		return "", verrors.E(verrors.KindStorageError, "storage.Put", "atomic write failed", err)
	}

	now := m.clock.Now()
	art := &domain.Artifact{Tier: tier, Path: path, Size: int64(len(data)), TaskID: taskID, CreatedAt: now}

	m.mu.Lock()
	m.index[path] = art
	m.mu.Unlock()

	m.appendWAL(walRecord{Op: walOpPut, Path: path, Tier: tier, Size: art.Size, TaskID: taskID, CreatedAt: now})
	return path, nil
}

func extOf(suggestedName string) string {
	ext := filepath.Ext(suggestedName)
	if len(ext) > 16 {
		return "" // defensive: never trust an absurd "extension"
	}
	return ext
}

// Get reads back the bytes at path.
func (m *Manager) Get(ctx context.Context, path string) ([]byte, error) {
	ctx = ctxutil.Default(ctx)
	m.mu.RLock()
	art, ok := m.index[path]
	m.mu.RUnlock()
	if !ok {
		return nil, verrors.E(verrors.KindStorageError, "storage.Get", fmt.Sprintf("unknown artifact %q", path), nil)
	}
	b := m.backends[art.Tier]
	data, err := b.read(ctx, path)
	if err != nil {
		return nil, verrors.E(verrors.KindStorageError, "storage.Get", "read failed", err)
	}
	return data, nil
}

// Release immediately deletes the artifact at path. Used by the
// orchestrator's rollback path; safe to call on an already-released
// path (no-op).
func (m *Manager) Release(ctx context.Context, path string) error {
	ctx = ctxutil.Default(ctx)
	m.mu.Lock()
	art, ok := m.index[path]
	if ok {
		delete(m.index, path)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	b := m.backends[art.Tier]
	if err := b.remove(ctx, path); err != nil {
		return verrors.E(verrors.KindStorageError, "storage.Release", "delete failed", err)
	}
	m.appendWAL(walRecord{Op: walOpRelease, Path: path})
	return nil
}

// Stat reports free capacity (from the temp tier's backend, as a
// representative of local disk pressure) and per-tier live-artifact
// counts.
func (m *Manager) Stat(ctx context.Context) (Stats, error) {
	ctx = ctxutil.Default(ctx)
	free, err := m.backends[domain.TierTemp].freeBytes(ctx)
	if err != nil {
		return Stats{}, verrors.E(verrors.KindStorageError, "storage.Stat", "free bytes query failed", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	tiers := make(map[domain.Tier]TierStats)
	for _, art := range m.index {
		t := tiers[art.Tier]
		t.Count++
		t.TotalBytes += art.Size
		tiers[art.Tier] = t
	}
	return Stats{FreeBytes: free, Tiers: tiers}, nil
}

// Cleanup sweeps every tier concurrently, deleting artifacts whose age
// exceeds the tier's retention unless their owning task is still
// non-terminal. Under disk pressure it runs an aggressive pass: temp
// is compacted regardless of age and processed's retention is halved
// for this pass only (spec.md §4.4 "disk-pressure policy").
func (m *Manager) Cleanup(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	free, err := m.backends[domain.TierTemp].freeBytes(ctx)
	underPressure := err == nil && free >= 0 && free < m.diskPressureBytes
	if err != nil {
		m.log.Warn("free-bytes query failed; skipping disk-pressure check this cycle", "error", err)
	}
	if underPressure {
		m.log.Warn("disk pressure detected; running aggressive cleanup", "free_bytes", free, "threshold", m.diskPressureBytes)
	}

	tiers := make([]domain.Tier, 0, len(m.backends))
	for tier := range m.backends {
		tiers = append(tiers, tier)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range tiers {
		tier := tier
		g.Go(func() error {
			return m.sweepTier(gctx, tier, underPressure)
		})
	}
	return g.Wait()
}

func (m *Manager) sweepTier(ctx context.Context, tier domain.Tier, underPressure bool) error {
	now := m.clock.Now()
	retention := m.retention[tier]
	if underPressure && tier == domain.TierProcessed {
		retention /= 2
	}
	aggressiveTemp := underPressure && tier == domain.TierTemp

	m.mu.RLock()
	var candidates []*domain.Artifact
	for _, art := range m.index {
		if art.Tier != tier {
			continue
		}
		candidates = append(candidates, art)
	}
	m.mu.RUnlock()

	for _, art := range candidates {
		if m.isNonTerminal != nil && art.TaskID != (uuid.UUID{}) && m.isNonTerminal(art.TaskID) {
			continue
		}
		age := now.Sub(art.CreatedAt)
		eff := retention
		if art.Retention > 0 {
			eff = art.Retention
		}
		if !aggressiveTemp && age < eff {
			continue
		}
		if err := m.Release(ctx, art.Path); err != nil {
			m.log.Warn("cleanup: failed to release artifact", "path", art.Path, "error", err)
		}
	}
	return nil
}

// Close flushes and closes the index log file.
func (m *Manager) Close() error {
	m.walMu.Lock()
	defer m.walMu.Unlock()
	if m.walFile == nil {
		return nil
	}
	return m.walFile.Close()
}
