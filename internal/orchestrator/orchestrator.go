// Package orchestrator drives one request end-to-end through
// spec.md §4.1's stage table, coordinating the GPU scheduler, the
// external engines, the storage manager, the progress hub, and the task
// registry without owning any state of its own (spec.md §3
// "Ownership"). It translates internal/jobs/orchestrator/engine.go's
// stage-table/retry/backoff/rollback discipline from that teacher's
// DB-polled "yield to queue, resume on next worker pickup" model to a
// goroutine-per-task model: Execute spawns the worker directly
// (spec.md §9 "async/await chains map to explicit task handles"), and
// cancellation is a context threaded through every suspension point
// instead of a queue re-dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/engines"
	"github.com/yungbote/vidmsg/internal/gpuscheduler"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/platform/clock"
	"github.com/yungbote/vidmsg/internal/progress"
	"github.com/yungbote/vidmsg/internal/storage"
	"github.com/yungbote/vidmsg/internal/tasks"
)

// Config bundles spec.md §4.1/§5's timeouts, retry counts, backoff
// shape, and admission cap. Zero-valued fields fall back to the spec's
// documented defaults.
type Config struct {
	MaxActiveTasks int // default 50 (spec.md §5 "backpressure on admission")

	DetectionTimeout    time.Duration // default 30s
	SegmentationTimeout time.Duration // default 60s
	VideoSubmitTimeout  time.Duration // default 30s
	VideoPollDeadline   time.Duration // default 5m
	FinalizingTimeout   time.Duration // default 30s

	PollInitialDelay time.Duration // default 2s
	PollBackoffMult  float64       // default 1.5
	PollMaxDelay     time.Duration // default 15s

	EngineErrorMaxRetries    int // default 2, per stage attempt
	TransportErrorMaxRetries int // default 3, video-engine polling only
}

func (c *Config) setDefaults() {
	if c.MaxActiveTasks <= 0 {
		c.MaxActiveTasks = 50
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 30 * time.Second
	}
	if c.SegmentationTimeout <= 0 {
		c.SegmentationTimeout = 60 * time.Second
	}
	if c.VideoSubmitTimeout <= 0 {
		c.VideoSubmitTimeout = 30 * time.Second
	}
	if c.VideoPollDeadline <= 0 {
		c.VideoPollDeadline = 5 * time.Minute
	}
	if c.FinalizingTimeout <= 0 {
		c.FinalizingTimeout = 30 * time.Second
	}
	if c.PollInitialDelay <= 0 {
		c.PollInitialDelay = 2 * time.Second
	}
	if c.PollBackoffMult <= 1 {
		c.PollBackoffMult = 1.5
	}
	if c.PollMaxDelay <= 0 {
		c.PollMaxDelay = 15 * time.Second
	}
	if c.EngineErrorMaxRetries <= 0 {
		c.EngineErrorMaxRetries = 2
	}
	if c.TransportErrorMaxRetries <= 0 {
		c.TransportErrorMaxRetries = 3
	}
}

// Engines bundles the three outbound contracts spec.md §6 requires.
type Engines struct {
	Detector engines.PersonDetector
	Remover  engines.BackgroundRemover
	Synth    engines.VideoSynthesizer
}

// Orchestrator is the pipeline's single public entry point. Construct
// once at startup and share across all requests (spec.md §9).
type Orchestrator struct {
	cfg Config

	gpu      *gpuscheduler.Scheduler
	hub      *progress.Hub
	store    *storage.Manager
	registry *tasks.Registry
	engines  Engines

	log   *logger.Logger
	clock clock.Clock

	mu      sync.Mutex
	active  int
	cancels map[uuid.UUID]context.CancelFunc
	done    map[uuid.UUID]chan struct{}
}

// New builds an Orchestrator. All five collaborators must be
// constructed and owned by the caller (spec.md §9 "avoid process-wide
// singletons").
func New(cfg Config, gpu *gpuscheduler.Scheduler, hub *progress.Hub, store *storage.Manager, registry *tasks.Registry, eng Engines, log *logger.Logger, clk clock.Clock) *Orchestrator {
	cfg.setDefaults()
	if log == nil {
		log = logger.Noop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		cfg:      cfg,
		gpu:      gpu,
		hub:      hub,
		store:    store,
		registry: registry,
		engines:  eng,
		log:      log.With("component", "Orchestrator"),
		clock:    clk,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
		done:     make(map[uuid.UUID]chan struct{}),
	}
}

// Execute validates and admits req, registers a task, and returns its
// id as soon as the task is registered — execution proceeds
// asynchronously in a dedicated goroutine (spec.md §4.1 "Contract").
func (o *Orchestrator) Execute(req domain.Request) (uuid.UUID, error) {
	if len(req.ImageBytes) == 0 || len(req.AudioBytes) == 0 {
		return uuid.Nil, verrors.E(verrors.KindInvalidInput, "orchestrator.Execute", "request requires both image and audio bytes", nil)
	}

	o.mu.Lock()
	if o.active >= o.cfg.MaxActiveTasks {
		o.mu.Unlock()
		return uuid.Nil, verrors.E(verrors.KindOverloaded, "orchestrator.Execute",
			fmt.Sprintf("at capacity (%d active tasks)", o.cfg.MaxActiveTasks), nil)
	}
	o.active++
	o.mu.Unlock()

	taskID := uuid.New()
	if err := o.registry.Register(taskID, &domain.Task{Stage: domain.StageInitialized, Progress: 0}); err != nil {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		return uuid.Nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.done[taskID] = make(chan struct{})
	o.mu.Unlock()

	go o.run(ctx, taskID, req)

	return taskID, nil
}

// Await blocks until taskID reaches a terminal stage, ctx is canceled,
// or deadline passes, then returns the (possibly terminal) task record.
// A zero deadline means "no deadline beyond ctx".
func (o *Orchestrator) Await(ctx context.Context, taskID uuid.UUID, deadline time.Time) (*domain.Task, error) {
	o.mu.Lock()
	done, ok := o.done[taskID]
	o.mu.Unlock()
	if !ok {
		return o.registry.Get(taskID)
	}

	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := deadline.Sub(o.clock.Now())
		if d <= 0 {
			return nil, verrors.E(verrors.KindTimeout, "orchestrator.Await", "deadline already passed", nil)
		}
		timerCh = o.clock.After(d)
	}

	select {
	case <-done:
		return o.registry.Get(taskID)
	case <-ctx.Done():
		return nil, verrors.E(verrors.KindCanceled, "orchestrator.Await", "context canceled", ctx.Err())
	case <-timerCh:
		return nil, verrors.E(verrors.KindTimeout, "orchestrator.Await", "deadline exceeded", nil)
	}
}

// Cancel transitions taskID to failed/canceled at its next suspension
// point (spec.md §4.1 "Cancellation"). Idempotent: a second call on an
// already-canceled or already-terminal task is a no-op.
func (o *Orchestrator) Cancel(taskID uuid.UUID) error {
	if err := o.registry.MarkCanceled(taskID); err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancels[taskID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// finish releases Execute's admission slot and signals Await, exactly
// once per task.
func (o *Orchestrator) finish(taskID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active--
	if done, ok := o.done[taskID]; ok {
		close(done)
	}
	delete(o.cancels, taskID)
}
