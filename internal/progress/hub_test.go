package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/vidmsg/internal/domain"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/platform/clock"
)

func newTestHub(t *testing.T) (*Hub, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	h := New(4, 8, 30*time.Second, 3, time.Hour, nil, fake)
	return h, fake
}

func drain(t *testing.T, ch <-chan domain.ProgressEvent, n int) []domain.ProgressEvent {
	t.Helper()
	out := make([]domain.ProgressEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestPublishAssignsSequenceAndDelivers(t *testing.T) {
	h, _ := newTestHub(t)
	taskID := uuid.New()

	_, ch := h.Subscribe(taskID, nil)

	ev1, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageStart, Stage: domain.StageUpload, Progress: 0})
	require.NoError(t, err)
	require.Equal(t, int64(0), ev1.Sequence)

	ev2, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), ev2.Sequence)

	got := drain(t, ch, 2)
	require.Equal(t, ev1.Sequence, got[0].Sequence)
	require.Equal(t, ev2.Sequence, got[1].Sequence)
}

func TestPublishRejectsNonMonotonicProgress(t *testing.T) {
	h, _ := newTestHub(t)
	taskID := uuid.New()

	_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: 50})
	require.NoError(t, err)

	_, err = h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: 20})
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalidInput, verrors.KindOf(err))
}

func TestSubscribeReplaysFullHistory(t *testing.T) {
	h, _ := newTestHub(t)
	taskID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: i * 10})
		require.NoError(t, err)
	}

	_, ch := h.Subscribe(taskID, nil)
	got := drain(t, ch, 3)
	require.Equal(t, []int64{0, 1, 2}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})
}

// Scenario: a subscriber reconnects with a cursor from its last
// acknowledged event and is replayed only what it missed (spec.md §8
// scenario 6).
func TestSubscribeWithCursorReplaysOnlyNewerEvents(t *testing.T) {
	h, _ := newTestHub(t)
	taskID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: i * 10})
		require.NoError(t, err)
	}

	cursor := int64(2)
	_, ch := h.Subscribe(taskID, &cursor)
	got := drain(t, ch, 2)
	require.Equal(t, int64(3), got[0].Sequence)
	require.Equal(t, int64(4), got[1].Sequence)
}

// Backpressure: a subscriber that never reads falls behind; once its
// queue is full, further events drop the oldest buffered one and leave
// a gap marker recording how many were dropped.
func TestBackpressureDropsOldestAndRecordsGap(t *testing.T) {
	h, _ := newTestHub(t) // queueDepth = 4
	taskID := uuid.New()

	_, ch := h.Subscribe(taskID, nil)

	for i := 0; i < 7; i++ {
		_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: i * 10})
		require.NoError(t, err)
	}

	var sawGap bool
	var lastSeq int64 = -1
	for {
		select {
		case ev := <-ch:
			if ev.Kind == domain.EventGap {
				sawGap = true
				require.Greater(t, ev.DroppedCount, 0)
				continue
			}
			lastSeq = ev.Sequence
		default:
			require.True(t, sawGap, "expected a gap marker after overflowing the subscriber queue")
			require.Equal(t, int64(6), lastSeq, "the most recent event must survive drop-oldest")
			return
		}
	}
}

func TestHeartbeatEmittedAfterIdleInterval(t *testing.T) {
	h, fake := newTestHub(t)
	taskID := uuid.New()

	_, ch := h.Subscribe(taskID, nil)
	_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageStart, Stage: domain.StageUpload, Progress: 0})
	require.NoError(t, err)
	drain(t, ch, 1)

	fake.Advance(31 * time.Second)
	h.sweep()

	got := drain(t, ch, 1)
	require.Equal(t, domain.EventHeartbeat, got[0].Kind)
}

func TestDeadSubscriberSweptAfterSilence(t *testing.T) {
	h, fake := newTestHub(t) // queueDepth = 4, heartbeatInterval = 30s, deadMultiple = 3
	taskID := uuid.New()

	id, ch := h.Subscribe(taskID, nil)

	// Simulate a consumer that never reads: fill its queue to capacity
	// directly, so the next heartbeat finds no room.
	for i := 0; i < cap(ch); i++ {
		h.mu.RLock()
		ts := h.tasks[taskID]
		h.mu.RUnlock()
		ts.mu.Lock()
		ts.subs[id].ch <- domain.ProgressEvent{TaskID: taskID, Kind: domain.EventStageProgress}
		ts.mu.Unlock()
	}

	fake.Advance(30 * time.Second)
	h.sweep() // finds the queue full; starts the dead-subscriber clock

	fake.Advance(90 * time.Second)
	h.sweep() // 90s (deadAfter) of sustained fullness has now elapsed

	h.mu.RLock()
	ts := h.tasks[taskID]
	h.mu.RUnlock()
	ts.mu.Lock()
	_, stillPresent := ts.subs[id]
	ts.mu.Unlock()
	require.False(t, stillPresent)

	for range ch {
	}
}

func TestTerminalTaskPurgedAfterRetention(t *testing.T) {
	h, fake := newTestHub(t)
	taskID := uuid.New()

	_, err := h.Publish(taskID, domain.ProgressEvent{Kind: domain.EventStageComplete, Stage: domain.StageCompleted, Progress: 100})
	require.NoError(t, err)

	h.mu.RLock()
	_, present := h.tasks[taskID]
	h.mu.RUnlock()
	require.True(t, present)

	fake.Advance(61 * time.Minute)
	h.sweep()

	h.mu.RLock()
	_, present = h.tasks[taskID]
	h.mu.RUnlock()
	require.False(t, present)
}

func TestIngestRemoteDoesNotDuplicateAlreadySeenSequence(t *testing.T) {
	h, _ := newTestHub(t)
	taskID := uuid.New()

	h.IngestRemote(domain.ProgressEvent{TaskID: taskID, Kind: domain.EventStageStart, Stage: domain.StageUpload, Progress: 0, Sequence: 0, Timestamp: time.Unix(0, 0)})
	h.IngestRemote(domain.ProgressEvent{TaskID: taskID, Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: 10, Sequence: 1, Timestamp: time.Unix(1, 0)})
	// Sequence 1 arrives a second time (e.g. echoed back by the bridge).
	h.IngestRemote(domain.ProgressEvent{TaskID: taskID, Kind: domain.EventStageProgress, Stage: domain.StageUpload, Progress: 10, Sequence: 1, Timestamp: time.Unix(1, 0)})

	_, ch := h.Subscribe(taskID, nil)
	got := drain(t, ch, 2)
	require.Equal(t, int64(0), got[0].Sequence)
	require.Equal(t, int64(1), got[1].Sequence)
	require.Equal(t, 0, len(ch), "the duplicate sequence must not be delivered again")
}
