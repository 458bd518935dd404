package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/engines"
	"github.com/yungbote/vidmsg/internal/engines/enginemock"
	"github.com/yungbote/vidmsg/internal/gpuscheduler"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/pkg/pointers"
	"github.com/yungbote/vidmsg/internal/progress"
	"github.com/yungbote/vidmsg/internal/storage"
	"github.com/yungbote/vidmsg/internal/tasks"
)

// Tests use the real clock with short config timeouts rather than a
// clock.Fake: the orchestrator's worker runs on its own goroutine, and
// driving a Fake in lockstep with an independently-scheduled goroutine
// is itself a race. Short real delays plus require.Eventually give a
// deterministic-enough signal without touching time internals.

type harness struct {
	orc      *Orchestrator
	gpu      *gpuscheduler.Scheduler
	hub      *progress.Hub
	store    *storage.Manager
	registry *tasks.Registry
	detector *enginemock.Detector
	remover  *enginemock.Remover
	synth    *enginemock.VideoSynthesizer
}

func newHarness(t *testing.T, capacities map[domain.GPUClass]int) *harness {
	t.Helper()
	if capacities == nil {
		capacities = map[domain.GPUClass]int{domain.GPUClassDetector: 2, domain.GPUClassSegmenter: 1}
	}
	gpu := gpuscheduler.New(capacities, nil, nil)
	hub := progress.New(16, 64, 30*time.Second, 3, time.Hour, nil, nil)
	store, err := storage.New(storage.Config{Root: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := tasks.New(time.Hour, nil, nil, nil)

	detector := enginemock.NewDetector()
	remover := enginemock.NewRemover()
	synth := enginemock.NewVideoSynthesizer()

	orc := New(Config{
		PollInitialDelay: 5 * time.Millisecond,
		PollBackoffMult:  1.2,
		PollMaxDelay:     20 * time.Millisecond,
	}, gpu, hub, store, registry, Engines{Detector: detector, Remover: remover, Synth: synth}, nil, nil)

	return &harness{orc: orc, gpu: gpu, hub: hub, store: store, registry: registry, detector: detector, remover: remover, synth: synth}
}

func validRequest() domain.Request {
	return domain.Request{
		ImageBytes:       []byte("image-bytes"),
		ImageContentType: "image/png",
		AudioBytes:       []byte("audio-bytes"),
		AudioContentType: "audio/wav",
	}
}

func awaitTerminal(t *testing.T, h *harness, taskID uuid.UUID) *domain.Task {
	t.Helper()
	final, err := h.orc.Await(context.Background(), taskID, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	return final
}

func TestHappyPathEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageCompleted, final.Stage)
	require.Equal(t, 100, final.Progress)
	require.Len(t, final.ArtifactPaths, 4) // upload, crop, masked, video

	stats, err := h.store.Stat(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Tiers[domain.TierVideos].Count)
}

func TestCancelBeforeDetectorSlotAcquired(t *testing.T) {
	h := newHarness(t, map[domain.GPUClass]int{domain.GPUClassDetector: 2, domain.GPUClassSegmenter: 1})

	// Saturate both detector slots so the task's own Acquire call can
	// never succeed until we release them.
	lease1, err := h.gpu.Acquire(context.Background(), domain.GPUClassDetector, uuid.New(), time.Time{})
	require.NoError(t, err)
	lease2, err := h.gpu.Acquire(context.Background(), domain.GPUClassDetector, uuid.New(), time.Time{})
	require.NoError(t, err)
	defer h.gpu.Release(*lease1)
	defer h.gpu.Release(*lease2)

	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := h.gpu.Snapshot()[domain.GPUClassDetector]
		return snap.QueueLen > 0
	}, time.Second, time.Millisecond, "task never queued for the saturated detector class")

	require.NoError(t, h.orc.Cancel(taskID))

	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageFailed, final.Stage)
	require.Equal(t, string(verrors.KindCanceled), final.ErrorKind)

	stats, err := h.store.Stat(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Tiers[domain.TierUploads].Count, "the upload artifacts must be rolled back")

	snap := h.gpu.Snapshot()[domain.GPUClassDetector]
	require.Equal(t, 2, snap.InUse, "the two pre-existing holders must still be the only ones in use")
	require.Equal(t, 0, snap.QueueLen)
}

func TestDetectorNoPersonRollsBackUploads(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Responses = []enginemock.DetectResponse{
		{Err: verrors.E(verrors.KindNoPerson, "mock.Detect", "no person found", nil)},
	}

	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)
	final := awaitTerminal(t, h, taskID)

	require.Equal(t, domain.StageFailed, final.Stage)
	require.Equal(t, string(verrors.KindNoPerson), final.ErrorKind)
	require.Equal(t, domain.StageDetection, final.ErrorStage)

	stats, err := h.store.Stat(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Tiers[domain.TierUploads].Count)
	require.Equal(t, 0, stats.Tiers[domain.TierProcessed].Count)
}

func TestVideoEngineTransientErrorThenSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.synth.SubmitResponses = []enginemock.SubmitResponse{
		{Err: verrors.E(verrors.KindEngineError, "mock.SubmitJob", "transient failure", nil)},
	}
	// The scripted submit failure doesn't consume an auto-id, so the
	// retried (successful) SubmitJob call is the one assigning the
	// first auto-incrementing id.
	h.synth.QueuePoll("mock-job-1",
		engines.PollResult{State: engines.JobRunning},
		engines.PollResult{State: engines.JobRunning},
		engines.PollResult{State: engines.JobDone, ResultURL: "mock://job/result.mp4"},
	)

	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageCompleted, final.Stage)
	require.Equal(t, 100, final.Progress)
}

func TestTwoConcurrentRequestsShareOneSegmenterSlot(t *testing.T) {
	h := newHarness(t, map[domain.GPUClass]int{domain.GPUClassDetector: 2, domain.GPUClassSegmenter: 1})

	id1, err := h.orc.Execute(validRequest())
	require.NoError(t, err)
	id2, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	violated := false
	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if snap := h.gpu.Snapshot()[domain.GPUClassSegmenter]; snap.InUse > 1 {
				violated = true
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	final1 := awaitTerminal(t, h, id1)
	final2 := awaitTerminal(t, h, id2)
	close(stop)
	<-monitorDone

	require.False(t, violated, "at most one segmenter slot may be in use at any observed instant")
	require.Equal(t, domain.StageCompleted, final1.Stage)
	require.Equal(t, domain.StageCompleted, final2.Stage)
}

func TestSubscriberReconnectWithCursor(t *testing.T) {
	h := newHarness(t, nil)
	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	subID, ch := h.hub.Subscribe(taskID, nil)
	var lastSeq int64 = -1
	collected := 0
	for collected < 3 {
		select {
		case ev := <-ch:
			lastSeq = ev.Sequence
			collected++
		case <-time.After(2 * time.Second):
			t.Fatalf("only collected %d/3 events before timing out", collected)
		}
	}
	h.hub.Unsubscribe(taskID, subID)

	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageCompleted, final.Stage)

	cursor := lastSeq
	_, resumeCh := h.hub.Subscribe(taskID, &cursor)
	for ev := range resumeCh {
		require.Greater(t, ev.Sequence, cursor, "replay after reconnect must never resend an already-delivered sequence")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)
	require.NoError(t, h.orc.Cancel(taskID))
	require.NoError(t, h.orc.Cancel(taskID))
	awaitTerminal(t, h, taskID)
}

func TestExecuteRejectsOverCapacity(t *testing.T) {
	h := newHarness(t, map[domain.GPUClass]int{domain.GPUClassDetector: 1, domain.GPUClassSegmenter: 1})
	h.orc.cfg.MaxActiveTasks = 1

	// Hold the only detector slot externally so task 1 blocks forever
	// in its own Acquire call, keeping the admission count pinned at 1
	// for the lifetime of this test.
	lease, err := h.gpu.Acquire(context.Background(), domain.GPUClassDetector, uuid.New(), time.Time{})
	require.NoError(t, err)
	defer h.gpu.Release(*lease)

	id1, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	_, err = h.orc.Execute(validRequest())
	require.Error(t, err)
	require.Equal(t, verrors.KindOverloaded, verrors.KindOf(err))

	require.NoError(t, h.orc.Cancel(id1))
	awaitTerminal(t, h, id1)
}

func TestRequestOverridesReachTheEngines(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.DetectionConfidence = pointers.Float64(0.99)
	req.Smoothing = pointers.Ptr(true)

	taskID, err := h.orc.Execute(req)
	require.NoError(t, err)
	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageCompleted, final.Stage)

	require.Equal(t, 0.99, h.detector.LastParams.MinConfidence)
	require.True(t, h.remover.LastParams.Smoothing)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orc.Execute(domain.Request{})
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalidInput, verrors.KindOf(err))
}

func TestCompletedTaskHasExactlyOneVideoArtifact(t *testing.T) {
	h := newHarness(t, nil)
	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)
	final := awaitTerminal(t, h, taskID)
	require.Equal(t, domain.StageCompleted, final.Stage)

	stats, err := h.store.Stat(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Tiers[domain.TierVideos].Count)
}

func TestProgressNeverRegresses(t *testing.T) {
	h := newHarness(t, nil)
	taskID, err := h.orc.Execute(validRequest())
	require.NoError(t, err)

	_, ch := h.hub.Subscribe(taskID, nil)
	last := -1
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				awaitTerminal(t, h, taskID)
				return
			}
			if ev.Kind == domain.EventGap || ev.Kind == domain.EventHeartbeat {
				continue
			}
			require.GreaterOrEqual(t, ev.Progress, last)
			last = ev.Progress
			if ev.Stage.IsTerminal() {
				awaitTerminal(t, h, taskID)
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a terminal progress event")
		}
	}
}
