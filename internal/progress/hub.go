// Package progress implements the per-task progress fan-out hub
// (spec.md §4.3): one publisher (the orchestrator), many subscribers
// (SSE handlers, CLI watchers, tests). It is built in the shape of
// internal/sse/hub.go's SSEHub/SSEClient — a map of subscriptions
// guarded by a mutex, per-subscriber buffered outbound channels, and a
// non-blocking Broadcast — generalized from "one client, many named
// channels" to "one task, many cursor-tracking subscribers" with
// bounded history and replay.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidmsg/internal/domain"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/platform/clock"
)

// Broadcaster optionally fans a Hub's events out to other processes
// and back in, e.g. internal/progress/redisbridge. A Hub with no
// Broadcaster attached behaves purely in-process.
type Broadcaster interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
	Close() error
}

type subscriber struct {
	id           string
	ch           chan domain.ProgressEvent
	cursor       int64
	pendingGap   bool
	droppedCount int

	// fullSince is zero while the subscriber's queue has room. It is set
	// the first time a heartbeat delivery finds the queue already full
	// (the consumer isn't draining it) and cleared the next time the
	// queue has room again. A subscriber whose queue has stayed full for
	// deadAfter is declared dead (spec.md §4.3 "no traffic").
	fullSince time.Time
}

type taskState struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	history       []domain.ProgressEvent
	terminalIndex int // index into history at which the task went terminal; -1 if not yet terminal

	lastProgress       int
	nextSeq            int64
	lastPublishAt      time.Time // any publish, including heartbeats
	lastNonHeartbeatAt time.Time // last real (non-heartbeat) publish
	lastHeartbeatAt    time.Time
	terminalAt         *time.Time
}

// Hub is the process-local progress fan-out point. One Hub instance is
// shared by every task; state is partitioned per task internally.
type Hub struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*taskState

	queueDepth        int
	historyDepth      int
	heartbeatInterval time.Duration
	deadAfter         time.Duration
	terminalRetention time.Duration

	log         *logger.Logger
	clock       clock.Clock
	broadcaster Broadcaster
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithBroadcaster attaches a distributed fan-out bridge. Locally
// published events are best-effort republished through it; see
// IngestRemote for the receiving side.
func WithBroadcaster(b Broadcaster) Option {
	return func(h *Hub) { h.broadcaster = b }
}

// New builds a Hub. queueDepth and historyDepth are spec.md §4.3's
// per-subscriber queue depth (default 64) and per-task history depth
// (default 256); deadMultiple is how many heartbeat_intervals of
// silence mark a subscriber dead (default 3).
func New(queueDepth, historyDepth int, heartbeatInterval time.Duration, deadMultiple int, terminalRetention time.Duration, log *logger.Logger, clk clock.Clock, opts ...Option) *Hub {
	if log == nil {
		log = logger.Noop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if historyDepth <= 0 {
		historyDepth = 256
	}
	if deadMultiple <= 0 {
		deadMultiple = 3
	}
	h := &Hub{
		tasks:             make(map[uuid.UUID]*taskState),
		queueDepth:        queueDepth,
		historyDepth:      historyDepth,
		heartbeatInterval: heartbeatInterval,
		deadAfter:         time.Duration(deadMultiple) * heartbeatInterval,
		terminalRetention: terminalRetention,
		log:               log.With("component", "ProgressHub"),
		clock:             clk,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) taskStateFor(taskID uuid.UUID) *taskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.tasks[taskID]
	if !ok {
		ts = &taskState{subs: make(map[string]*subscriber), terminalIndex: -1}
		h.tasks[taskID] = ts
	}
	return ts
}

// Publish appends ev to taskID's stream and delivers it to every live
// subscriber. The hub assigns Sequence and Timestamp; callers supply
// everything else. Publish rejects (without delivering) any event
// whose Progress regresses below the task's last published progress
// (spec.md §4.3 "monotonicity").
func (h *Hub) Publish(taskID uuid.UUID, ev domain.ProgressEvent) (domain.ProgressEvent, error) {
	ts := h.taskStateFor(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ev.Progress < ts.lastProgress {
		h.log.Warn("rejecting non-monotonic progress event",
			"task_id", taskID, "last_progress", ts.lastProgress, "declared_progress", ev.Progress)
		return domain.ProgressEvent{}, verrors.E(verrors.KindInvalidInput, "progress.Publish",
			"declared progress regresses below last published value", nil)
	}
	if ev.Progress > ts.lastProgress {
		ts.lastProgress = ev.Progress
	}

	now := h.clock.Now()
	ev.TaskID = taskID
	ev.Sequence = ts.nextSeq
	ev.Timestamp = now
	ts.nextSeq++

	ts.history = append(ts.history, ev)
	if ev.Kind != domain.EventHeartbeat {
		ts.lastNonHeartbeatAt = now
	}
	ts.lastPublishAt = now

	if ev.Stage.IsTerminal() && ts.terminalAt == nil {
		ts.terminalAt = &now
		ts.terminalIndex = len(ts.history) - 1
	}
	h.trimHistoryLocked(ts)

	for _, sub := range ts.subs {
		h.enqueue(sub, ev)
	}

	if h.broadcaster != nil {
		if err := h.broadcaster.Publish(context.Background(), ev); err != nil {
			h.log.Warn("broadcaster publish failed", "task_id", taskID, "error", err)
		}
	}

	return ev, nil
}

// trimHistoryLocked drops history before the task's terminal point
// once it exceeds historyDepth; once terminal, everything from
// terminalIndex onward is kept regardless of depth (spec.md §4.3
// "last N events, and all events since the task entered a terminal
// stage"). ts.mu must be held.
func (h *Hub) trimHistoryLocked(ts *taskState) {
	if ts.terminalAt != nil {
		return
	}
	if len(ts.history) <= h.historyDepth {
		return
	}
	drop := len(ts.history) - h.historyDepth
	ts.history = append([]domain.ProgressEvent(nil), ts.history[drop:]...)
}

// enqueue performs a non-blocking delivery to sub, dropping the oldest
// buffered event and recording a gap marker when the queue is full
// (spec.md §4.3 "backpressure"). This never blocks the publisher.
func (h *Hub) enqueue(sub *subscriber, ev domain.ProgressEvent) {
	if sub.pendingGap {
		h.flushGapMarker(sub, ev.TaskID)
	}
	select {
	case sub.ch <- ev:
		sub.cursor = ev.Sequence
		return
	default:
	}
	h.dropOldest(sub)
	select {
	case sub.ch <- ev:
		sub.cursor = ev.Sequence
	default:
		sub.pendingGap = true
		sub.droppedCount++
	}
}

func (h *Hub) flushGapMarker(sub *subscriber, taskID uuid.UUID) {
	marker := domain.ProgressEvent{
		TaskID:       taskID,
		Kind:         domain.EventGap,
		Sequence:     sub.cursor,
		Timestamp:    h.clock.Now(),
		DroppedCount: sub.droppedCount,
	}
	select {
	case sub.ch <- marker:
		sub.pendingGap = false
		sub.droppedCount = 0
		return
	default:
	}
	h.dropOldest(sub)
	select {
	case sub.ch <- marker:
		sub.pendingGap = false
		sub.droppedCount = 0
	default:
	}
}

func (h *Hub) dropOldest(sub *subscriber) {
	select {
	case <-sub.ch:
		sub.pendingGap = true
		sub.droppedCount++
	default:
	}
}

// Subscribe registers a new sink for taskID's events. If resumeCursor
// is non-nil, only events with a higher sequence are replayed
// (reconnect-with-cursor, spec.md §8 scenario 6); otherwise the full
// retained history is replayed. If the task has already reached a
// terminal stage, the channel is closed right after the replay and the
// subscriber is not registered. Subscribe returns the subscriber ID
// (for Unsubscribe) and a receive-only channel.
func (h *Hub) Subscribe(taskID uuid.UUID, resumeCursor *int64) (string, <-chan domain.ProgressEvent) {
	ts := h.taskStateFor(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var cursor int64 = -1
	if resumeCursor != nil {
		cursor = *resumeCursor
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		ch:     make(chan domain.ProgressEvent, h.queueDepth),
		cursor: cursor,
	}
	for _, ev := range ts.history {
		if ev.Sequence > sub.cursor {
			h.enqueue(sub, ev)
		}
	}
	if ts.terminalAt != nil {
		close(sub.ch)
		return sub.id, sub.ch
	}
	ts.subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes subscriberID from taskID and closes its channel.
// Unsubscribing an unknown (id, taskID) pair is a no-op.
func (h *Hub) Unsubscribe(taskID uuid.UUID, subscriberID string) {
	h.mu.RLock()
	ts, ok := h.tasks[taskID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sub, ok := ts.subs[subscriberID]
	if !ok {
		return
	}
	delete(ts.subs, subscriberID)
	close(sub.ch)
}

// IngestRemote accepts an event published by another process's Hub
// through a shared Broadcaster. Unlike Publish, it trusts the origin's
// sequence number and monotonicity check and never re-broadcasts.
func (h *Hub) IngestRemote(ev domain.ProgressEvent) {
	ts := h.taskStateFor(ev.TaskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ev.Sequence < ts.nextSeq && len(ts.history) > 0 {
		// Already have this sequence (or newer); avoid duplicate delivery.
		return
	}
	ts.nextSeq = ev.Sequence + 1
	if ev.Progress > ts.lastProgress {
		ts.lastProgress = ev.Progress
	}
	ts.history = append(ts.history, ev)
	if ev.Kind != domain.EventHeartbeat {
		ts.lastNonHeartbeatAt = ev.Timestamp
	}
	ts.lastPublishAt = ev.Timestamp
	if ev.Stage.IsTerminal() && ts.terminalAt == nil {
		t := ev.Timestamp
		ts.terminalAt = &t
		ts.terminalIndex = len(ts.history) - 1
	}
	h.trimHistoryLocked(ts)
	for _, sub := range ts.subs {
		h.enqueue(sub, ev)
	}
}

// Run drives the background heartbeat/liveness/retention sweep until
// ctx is canceled. It should be started once per Hub.
func (h *Hub) Run(ctx context.Context) {
	interval := h.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(interval):
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.clock.Now()

	h.mu.RLock()
	taskIDs := make([]uuid.UUID, 0, len(h.tasks))
	for id := range h.tasks {
		taskIDs = append(taskIDs, id)
	}
	h.mu.RUnlock()

	var purge []uuid.UUID
	for _, id := range taskIDs {
		h.mu.RLock()
		ts, ok := h.tasks[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		ts.mu.Lock()
		if len(ts.subs) > 0 &&
			now.Sub(ts.lastNonHeartbeatAt) >= h.heartbeatInterval &&
			now.Sub(ts.lastHeartbeatAt) >= h.heartbeatInterval {
			hb := domain.ProgressEvent{
				TaskID:    id,
				Kind:      domain.EventHeartbeat,
				Sequence:  ts.nextSeq,
				Timestamp: now,
			}
			ts.nextSeq++
			ts.history = append(ts.history, hb)
			ts.lastPublishAt = now
			ts.lastHeartbeatAt = now
			h.trimHistoryLocked(ts)
			for _, sub := range ts.subs {
				if len(sub.ch) == cap(sub.ch) {
					if sub.fullSince.IsZero() {
						sub.fullSince = now
					}
				} else {
					sub.fullSince = time.Time{}
				}
				h.enqueue(sub, hb)
			}
		}
		for subID, sub := range ts.subs {
			if !sub.fullSince.IsZero() && now.Sub(sub.fullSince) >= h.deadAfter {
				h.log.Debug("unsubscribing dead subscriber", "task_id", id, "subscriber_id", subID)
				delete(ts.subs, subID)
				close(sub.ch)
			}
		}
		terminal := ts.terminalAt != nil && now.Sub(*ts.terminalAt) >= h.terminalRetention
		ts.mu.Unlock()

		if terminal {
			purge = append(purge, id)
		}
	}

	if len(purge) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range purge {
		if ts, ok := h.tasks[id]; ok {
			ts.mu.Lock()
			for _, sub := range ts.subs {
				close(sub.ch)
			}
			ts.mu.Unlock()
			delete(h.tasks, id)
		}
	}
	h.mu.Unlock()
}
