// Package gpuscheduler implements admission control over a fixed-
// capacity accelerator shared by two competing workload classes
// (spec.md §4.2). It is new domain logic — the teacher repo has no GPU
// admission layer — built in the pack's general concurrency idiom:
// a mutex-guarded critical section plus select-over-channel waits, the
// same shape as internal/clients/redis/sse_bus.go's StartForwarder and
// internal/sse/hub.go's ServeHTTP loop.
package gpuscheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/platform/clock"

	"github.com/yungbote/vidmsg/internal/domain"
)

// Lease represents a held GPU slot. It must be released exactly once.
type Lease struct {
	ID     string
	Class  domain.GPUClass
	TaskID uuid.UUID
}

type waiter struct {
	ch      chan struct{}
	granted bool
	taskID  uuid.UUID
}

type classState struct {
	capacity int
	inUse    int
	queue    *list.List // of *waiter, FIFO: front = next to serve
}

// ClassSnapshot is a point-in-time, internally-consistent read of one
// class's admission state (spec.md §4.2 Observability).
type ClassSnapshot struct {
	Class    domain.GPUClass
	Capacity int
	InUse    int
	QueueLen int
}

// Scheduler admits waiters onto two independent per-class FIFO queues.
// A waiter of one class is never satisfied by the other class's slots.
type Scheduler struct {
	mu      sync.Mutex
	classes map[domain.GPUClass]*classState
	leases  map[string]domain.GPUClass

	log   *logger.Logger
	clock clock.Clock
}

// Capacities configures per-class slot counts, e.g.
// {domain.GPUClassDetector: 2, domain.GPUClassSegmenter: 1} — the
// representative sizing documented in spec.md §3 (2GB x2 + 6GB x1 = 10GB
// peak on a 16GB device).
func New(capacities map[domain.GPUClass]int, log *logger.Logger, clk clock.Clock) *Scheduler {
	if log == nil {
		log = logger.Noop()
	}
	if clk == nil {
		clk = clock.New()
	}
	classes := make(map[domain.GPUClass]*classState, len(capacities))
	for class, n := range capacities {
		classes[class] = &classState{capacity: n, queue: list.New()}
	}
	return &Scheduler{
		classes: classes,
		leases:  map[string]domain.GPUClass{},
		log:     log.With("component", "GPUScheduler"),
		clock:   clk,
	}
}

// Acquire blocks until a slot of class is available, ctx is canceled, or
// deadline passes (whichever first), per spec.md §4.2. A zero deadline
// means "no deadline beyond ctx".
func (s *Scheduler) Acquire(ctx context.Context, class domain.GPUClass, taskID uuid.UUID, deadline time.Time) (*Lease, error) {
	s.mu.Lock()
	cs, ok := s.classes[class]
	if !ok {
		s.mu.Unlock()
		return nil, verrors.E(verrors.KindInternal, "gpuscheduler.Acquire", fmt.Sprintf("unknown GPU class %q", class), nil)
	}
	if cs.inUse < cs.capacity {
		cs.inUse++
		s.mu.Unlock()
		return s.newLease(class, taskID), nil
	}
	w := &waiter{ch: make(chan struct{}), taskID: taskID}
	elem := cs.queue.PushBack(w)
	s.mu.Unlock()

	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := deadline.Sub(s.clock.Now())
		if d <= 0 {
			s.abandon(cs, class, elem, w)
			return nil, verrors.E(verrors.KindTimeout, "gpuscheduler.Acquire", fmt.Sprintf("deadline already passed for class %q", class), nil)
		}
		timerCh = s.clock.After(d)
	}

	select {
	case <-w.ch:
		return s.newLease(class, taskID), nil
	case <-ctx.Done():
		s.abandon(cs, class, elem, w)
		return nil, verrors.E(verrors.KindCanceled, "gpuscheduler.Acquire", fmt.Sprintf("canceled waiting for class %q", class), ctx.Err())
	case <-timerCh:
		s.abandon(cs, class, elem, w)
		return nil, verrors.E(verrors.KindTimeout, "gpuscheduler.Acquire", fmt.Sprintf("timed out waiting for class %q", class), nil)
	}
}

func (s *Scheduler) newLease(class domain.GPUClass, taskID uuid.UUID) *Lease {
	id := uuid.NewString()
	s.mu.Lock()
	s.leases[id] = class
	s.mu.Unlock()
	return &Lease{ID: id, Class: class, TaskID: taskID}
}

// abandon removes w from the queue if it never got a slot; if it was
// granted a slot concurrently with the cancel/timeout firing, the slot
// is handed back and offered to the next waiter instead of leaking.
func (s *Scheduler) abandon(cs *classState, class domain.GPUClass, elem *list.Element, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted {
		cs.inUse--
		s.grantNextLocked(cs)
		return
	}
	cs.queue.Remove(elem)
}

// Release returns lease's slot to its class, waking exactly one waiter
// at the head of that class's queue if any are present (spec.md §4.2
// "fairness and starvation"). Releasing an unknown or already-released
// lease is detected and ignored with a warning, never an error.
func (s *Scheduler) Release(lease Lease) error {
	if lease.ID == "" {
		return nil
	}
	s.mu.Lock()
	class, ok := s.leases[lease.ID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("release of unknown or already-released lease", "lease_id", lease.ID)
		return nil
	}
	delete(s.leases, lease.ID)
	cs := s.classes[class]
	cs.inUse--
	s.grantNextLocked(cs)
	s.mu.Unlock()
	return nil
}

// grantNextLocked hands the now-free slot to the head of cs's queue, if
// any. Must be called with s.mu held.
func (s *Scheduler) grantNextLocked(cs *classState) {
	if cs.queue.Len() == 0 {
		return
	}
	front := cs.queue.Front()
	w := front.Value.(*waiter)
	cs.queue.Remove(front)
	w.granted = true
	cs.inUse++
	close(w.ch)
}

// Snapshot returns a consistent, per-class view of capacity, in-use
// count, and queue length, captured under one critical section.
func (s *Scheduler) Snapshot() map[domain.GPUClass]ClassSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.GPUClass]ClassSnapshot, len(s.classes))
	for class, cs := range s.classes {
		out[class] = ClassSnapshot{
			Class:    class,
			Capacity: cs.capacity,
			InUse:    cs.inUse,
			QueueLen: cs.queue.Len(),
		}
	}
	return out
}
