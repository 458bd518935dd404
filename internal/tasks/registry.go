// Package tasks is the task registry (spec.md §4.5): the single
// source of truth for each task's Stage/Progress/artifacts, mutated
// only through Update's per-task-locked, invariant-checked mutator
// pattern. It generalizes internal/jobs/runtime/context.go's
// Progress/Fail/Succeed guarded-update discipline (serialize a mutation
// against a single row, reject it if the row already reached a terminal
// status) from one fixed set of transitions to spec.md §4.1's full
// stage table, and borrows internal/jobs/orchestrator/state.go's
// "everything needed to resume lives in one persisted snapshot" shape
// for the optional durable mirror.
package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidmsg/internal/domain"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/pkg/pointers"
	"github.com/yungbote/vidmsg/internal/platform/clock"
)

// Mutator receives the current record (a private copy, safe to mutate
// in place) and returns the record to persist. Returning an error
// aborts the Update without persisting anything.
type Mutator func(*domain.Task) (*domain.Task, error)

// Mirror optionally persists task records durably, e.g. GORM
// (mirror_gorm.go).
// A Registry with no Mirror attached is purely in-memory.
type Mirror interface {
	Save(task *domain.Task) error
	Delete(taskID uuid.UUID) error
}

type entry struct {
	mu   sync.Mutex
	task *domain.Task
}

// Registry is the process-local task store. One instance is shared by
// the whole process; mutation of distinct tasks proceeds in parallel,
// mutation of the same task is serialized (spec.md §5 "task records").
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	purgeGrace time.Duration
	log        *logger.Logger
	clock      clock.Clock
	mirror     Mirror
}

// New builds a Registry. purgeGrace is spec.md §4.5's configurable
// grace period (default 60 minutes) a terminal record must outlive
// before Purge will remove it.
func New(purgeGrace time.Duration, log *logger.Logger, clk clock.Clock, mirror Mirror) *Registry {
	if log == nil {
		log = logger.Noop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if purgeGrace <= 0 {
		purgeGrace = 60 * time.Minute
	}
	return &Registry{
		entries:    make(map[uuid.UUID]*entry),
		purgeGrace: purgeGrace,
		log:        log.With("component", "TaskRegistry"),
		clock:      clk,
		mirror:     mirror,
	}
}

// Register creates taskID's record. Fails if taskID is already known.
func (r *Registry) Register(taskID uuid.UUID, initial *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[taskID]; exists {
		return verrors.E(verrors.KindInvalidInput, "tasks.Register", fmt.Sprintf("task %s already registered", taskID), nil)
	}
	cp := initial.Clone()
	if cp == nil {
		cp = &domain.Task{}
	}
	cp.ID = taskID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.clock.Now()
	}
	r.entries[taskID] = &entry{task: cp}
	if r.mirror != nil {
		if err := r.mirror.Save(cp); err != nil {
			r.log.Warn("mirror save failed on register", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// Get returns a snapshot copy of taskID's record.
func (r *Registry) Get(taskID uuid.UUID) (*domain.Task, error) {
	e := r.lookup(taskID)
	if e == nil {
		return nil, verrors.E(verrors.KindInvalidInput, "tasks.Get", fmt.Sprintf("unknown task %s", taskID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (r *Registry) lookup(taskID uuid.UUID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[taskID]
}

// Update applies mutate to taskID's current record under that task's
// lock, enforcing stage-transition and progress-monotonicity
// invariants before persisting the result. A terminal record rejects
// every Update (spec.md §4.5 "terminal records are frozen").
func (r *Registry) Update(taskID uuid.UUID, mutate Mutator) (*domain.Task, error) {
	e := r.lookup(taskID)
	if e == nil {
		return nil, verrors.E(verrors.KindInvalidInput, "tasks.Update", fmt.Sprintf("unknown task %s", taskID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Stage.IsTerminal() {
		return nil, verrors.E(verrors.KindInvalidInput, "tasks.Update", "task record is terminal and frozen", nil)
	}

	next, err := mutate(e.task.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, verrors.E(verrors.KindInternal, "tasks.Update", "mutator returned a nil record", nil)
	}
	if !validTransition(e.task.Stage, next.Stage) {
		return nil, verrors.E(verrors.KindInvalidInput, "tasks.Update",
			fmt.Sprintf("illegal stage transition %s -> %s", e.task.Stage, next.Stage), nil)
	}
	if next.Progress < e.task.Progress {
		return nil, verrors.E(verrors.KindInvalidInput, "tasks.Update", "progress must not regress", nil)
	}

	now := r.clock.Now()
	if e.task.StartedAt == nil && next.Stage != domain.StageInitialized {
		next.StartedAt = pointers.Ptr(now)
	}
	if next.Stage.IsTerminal() && next.FinishedAt == nil {
		next.FinishedAt = pointers.Ptr(now)
	}

	e.task = next
	if r.mirror != nil {
		if err := r.mirror.Save(next); err != nil {
			r.log.Warn("mirror save failed on update", "task_id", taskID, "error", err)
		}
	}
	return next.Clone(), nil
}

// MarkCanceled idempotently sets the cancel flag, observable at the
// orchestrator's next suspension point (spec.md §4.1 "Cancellation").
// It bypasses stage/progress validation since it changes neither; a
// record that has already gone terminal simply ignores it.
func (r *Registry) MarkCanceled(taskID uuid.UUID) error {
	e := r.lookup(taskID)
	if e == nil {
		return verrors.E(verrors.KindInvalidInput, "tasks.MarkCanceled", fmt.Sprintf("unknown task %s", taskID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Stage.IsTerminal() || e.task.Canceled {
		return nil
	}
	cp := e.task.Clone()
	cp.Canceled = true
	e.task = cp
	if r.mirror != nil {
		if err := r.mirror.Save(cp); err != nil {
			r.log.Warn("mirror save failed on cancel", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// IsNonTerminal reports whether taskID names a currently non-terminal
// task. Used as storage.TaskLivenessChecker so the Storage Manager can
// exempt in-flight artifacts from retention sweeps. An unknown task is
// treated as terminal (not exempt) so cleanup is never blocked by a
// task this registry has already forgotten.
func (r *Registry) IsNonTerminal(taskID uuid.UUID) bool {
	e := r.lookup(taskID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.task.Stage.IsTerminal()
}

// Purge removes taskID's record. Permitted only once the record is
// terminal and has outlived the registry's purge grace period.
func (r *Registry) Purge(taskID uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.mu.Lock()
	if !e.task.Stage.IsTerminal() {
		e.mu.Unlock()
		r.mu.Unlock()
		return verrors.E(verrors.KindInvalidInput, "tasks.Purge", "task is not terminal", nil)
	}
	if e.task.FinishedAt != nil && r.clock.Now().Sub(*e.task.FinishedAt) < r.purgeGrace {
		e.mu.Unlock()
		r.mu.Unlock()
		return verrors.E(verrors.KindInvalidInput, "tasks.Purge", "purge grace period has not elapsed", nil)
	}
	e.mu.Unlock()
	delete(r.entries, taskID)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Delete(taskID); err != nil {
			r.log.Warn("mirror delete failed on purge", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// validTransition implements spec.md §4.1's "stages advance strictly;
// the orchestrator never skips or repeats a stage". Any stage may
// transition to failed; a stage may update in place (progress moving
// within the same stage); otherwise the only legal move is exactly one
// step forward in the success-path order.
func validTransition(from, to domain.Stage) bool {
	if to == domain.StageFailed {
		return true
	}
	if from == to {
		return true
	}
	fromOrder, toOrder := from.Order(), to.Order()
	if fromOrder < 0 || toOrder < 0 {
		return false
	}
	return toOrder == fromOrder+1
}
