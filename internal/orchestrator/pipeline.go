package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/engines"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
)

// artifactRecord is one entry in a task's rollback ledger: enough to
// call storage.Manager.Release without re-deriving the tier.
type artifactRecord struct {
	path string
}

// run drives taskID through spec.md §4.1's stage table to completion or
// failure. It is the body of the one goroutine Execute spawns per
// request (spec.md §9).
func (o *Orchestrator) run(ctx context.Context, taskID uuid.UUID, req domain.Request) {
	defer o.finish(taskID)

	var artifacts []artifactRecord
	appendArtifact := func(path string) { artifacts = append(artifacts, artifactRecord{path: path}) }

	fail := func(stage domain.Stage, kind verrors.Kind, message string, cause error) {
		o.log.Warn("stage failed", "task_id", taskID, "stage", stage, "kind", kind, "cause", cause)
		o.rollback(taskID, artifacts)
		progressAtFailure := 0
		if t, err := o.registry.Get(taskID); err == nil {
			progressAtFailure = t.Progress
		}
		if _, err := o.registry.Update(taskID, func(t *domain.Task) (*domain.Task, error) {
			t.Stage = domain.StageFailed
			t.ErrorKind = string(kind)
			t.ErrorMessage = message
			t.ErrorStage = stage
			return t, nil
		}); err != nil {
			o.log.Warn("failed to record terminal failure", "task_id", taskID, "error", err)
		}
		o.emit(taskID, domain.EventFailed, domain.StageFailed, progressAtFailure, message, string(kind))
	}

	if o.isCanceled(taskID) {
		fail(domain.StageInitialized, verrors.KindCanceled, "canceled before upload", nil)
		return
	}

	// -- upload --
	o.emit(taskID, domain.EventStageStart, domain.StageUpload, 0, "storing inputs", "")
	imgPath, err := o.store.Put(ctx, domain.TierUploads, req.ImageBytes, "image"+extOf(req.ImageContentType), taskID)
	if err != nil {
		fail(domain.StageUpload, verrors.KindStorageError, "failed to store image", err)
		return
	}
	appendArtifact(imgPath)
	o.transition(taskID, domain.StageUpload, 10, "")

	audPath, err := o.store.Put(ctx, domain.TierUploads, req.AudioBytes, "audio"+extOf(req.AudioContentType), taskID)
	if err != nil {
		fail(domain.StageUpload, verrors.KindStorageError, "failed to store audio", err)
		return
	}
	appendArtifact(audPath)
	// Upload is one stage (spec.md §3 "one ArtifactPaths entry per stage
	// that produced output"): the rollback ledger tracks both uploaded
	// files individually, but the user-visible ArtifactPaths list gets a
	// single entry for the stage, anchored on the image path.
	o.transition(taskID, domain.StageUpload, 20, imgPath)
	o.emit(taskID, domain.EventStageComplete, domain.StageUpload, 20, "inputs stored", "")

	if o.isCanceled(taskID) {
		fail(domain.StageUpload, verrors.KindCanceled, "canceled after upload", nil)
		return
	}

	// -- detection --
	o.emit(taskID, domain.EventStageStart, domain.StageDetection, 25, "waiting for detector slot", "")
	lease, err := o.gpu.Acquire(ctx, domain.GPUClassDetector, taskID, o.clock.Now().Add(o.cfg.DetectionTimeout))
	if err != nil {
		fail(domain.StageDetection, verrors.KindOf(err), "failed to acquire detector slot", err)
		return
	}
	detectCtx, cancelDetect := context.WithTimeout(ctx, o.cfg.DetectionTimeout)
	params := engines.DetectParams{}
	if req.DetectionConfidence != nil {
		params.MinConfidence = *req.DetectionConfidence
	}
	var result engines.DetectResult
	_, detectErr := o.retryEngine(detectCtx, func() error {
		res, e := o.engines.Detector.Detect(detectCtx, req.ImageBytes, params)
		if e == nil {
			result = res
		}
		return e
	})
	cancelDetect()
	o.gpu.Release(*lease)
	if detectErr != nil {
		kind := classifyTimeout(detectCtx, detectErr)
		fail(domain.StageDetection, kind, "person detection failed", detectErr)
		return
	}
	o.emit(taskID, domain.EventStageProgress, domain.StageDetection, 30, "person detected", "")

	cropPath, err := o.store.Put(ctx, domain.TierProcessed, result.AnnotatedImage, "crop.png", taskID)
	if err != nil {
		fail(domain.StageDetection, verrors.KindStorageError, "failed to store detection crop", err)
		return
	}
	appendArtifact(cropPath)
	o.transition(taskID, domain.StageDetection, 40, cropPath)
	o.emit(taskID, domain.EventStageComplete, domain.StageDetection, 40, "detection complete", "")

	if o.isCanceled(taskID) {
		fail(domain.StageDetection, verrors.KindCanceled, "canceled after detection", nil)
		return
	}

	// -- background_removal --
	o.emit(taskID, domain.EventStageStart, domain.StageBackgroundRemoval, 50, "waiting for segmenter slot", "")
	segLease, err := o.gpu.Acquire(ctx, domain.GPUClassSegmenter, taskID, o.clock.Now().Add(o.cfg.SegmentationTimeout))
	if err != nil {
		fail(domain.StageBackgroundRemoval, verrors.KindOf(err), "failed to acquire segmenter slot", err)
		return
	}
	segCtx, cancelSeg := context.WithTimeout(ctx, o.cfg.SegmentationTimeout)
	removeParams := engines.RemoveParams{}
	if req.Smoothing != nil {
		removeParams.Smoothing = *req.Smoothing
	}
	var removed engines.RemoveResult
	_, removeErr := o.retryEngine(segCtx, func() error {
		res, e := o.engines.Remover.Remove(segCtx, result.AnnotatedImage, removeParams)
		if e == nil {
			removed = res
		}
		return e
	})
	cancelSeg()
	o.gpu.Release(*segLease)
	if removeErr != nil {
		kind := classifyTimeout(segCtx, removeErr)
		fail(domain.StageBackgroundRemoval, kind, "background removal failed", removeErr)
		return
	}
	o.emit(taskID, domain.EventStageProgress, domain.StageBackgroundRemoval, 55, "background removed", "")

	maskPath, err := o.store.Put(ctx, domain.TierProcessed, removed.MaskedImage, "masked.png", taskID)
	if err != nil {
		fail(domain.StageBackgroundRemoval, verrors.KindStorageError, "failed to store masked image", err)
		return
	}
	appendArtifact(maskPath)
	o.transition(taskID, domain.StageBackgroundRemoval, 60, maskPath)
	o.emit(taskID, domain.EventStageComplete, domain.StageBackgroundRemoval, 60, "background removal complete", "")

	if o.isCanceled(taskID) {
		fail(domain.StageBackgroundRemoval, verrors.KindCanceled, "canceled after background removal", nil)
		return
	}

	// -- video_upload --
	o.emit(taskID, domain.EventStageStart, domain.StageVideoUpload, 60, "submitting video job", "")
	submitCtx, cancelSubmit := context.WithTimeout(ctx, o.cfg.VideoSubmitTimeout)
	var jobID string
	_, submitErr := o.retryEngine(submitCtx, func() error {
		id, e := o.engines.Synth.SubmitJob(submitCtx, removed.MaskedImage, req.AudioBytes)
		if e == nil {
			jobID = id
		}
		return e
	})
	cancelSubmit()
	if submitErr != nil {
		kind := classifyTimeout(submitCtx, submitErr)
		fail(domain.StageVideoUpload, kind, "video job submission failed", submitErr)
		return
	}
	o.transition(taskID, domain.StageVideoUpload, 70, "")
	o.emit(taskID, domain.EventStageComplete, domain.StageVideoUpload, 70, "video job submitted", "")

	if o.isCanceled(taskID) {
		fail(domain.StageVideoUpload, verrors.KindCanceled, "canceled after video submission", nil)
		return
	}

	// -- video_processing --
	resultURL, pollErr := o.pollVideoJob(ctx, taskID, jobID)
	if pollErr != nil {
		fail(domain.StageVideoProcessing, verrors.KindOf(pollErr), "video processing failed", pollErr)
		return
	}

	if o.isCanceled(taskID) {
		fail(domain.StageVideoProcessing, verrors.KindCanceled, "canceled after video processing", nil)
		return
	}

	// -- finalizing --
	o.emit(taskID, domain.EventStageStart, domain.StageFinalizing, 80, "finalizing result", "")
	finalCtx, cancelFinal := context.WithTimeout(ctx, o.cfg.FinalizingTimeout)
	videoBytes, err := o.engines.Synth.FetchResult(finalCtx, resultURL)
	cancelFinal()
	if err != nil {
		fail(domain.StageFinalizing, verrors.KindEngineError, "failed to fetch synthesized video", err)
		return
	}
	videoPath, err := o.store.Put(ctx, domain.TierVideos, videoBytes, "result.mp4", taskID)
	if err != nil {
		fail(domain.StageFinalizing, verrors.KindStorageError, "failed to store result video", err)
		return
	}
	appendArtifact(videoPath)
	o.transition(taskID, domain.StageFinalizing, 90, videoPath)
	o.emit(taskID, domain.EventStageComplete, domain.StageFinalizing, 90, "result stored", "")

	if o.isCanceled(taskID) {
		fail(domain.StageFinalizing, verrors.KindCanceled, "canceled after finalizing", nil)
		return
	}

	// -- completed --
	if _, err := o.registry.Update(taskID, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageCompleted
		t.Progress = 100
		return t, nil
	}); err != nil {
		o.log.Warn("failed to record completion", "task_id", taskID, "error", err)
	}
	o.emit(taskID, domain.EventStageComplete, domain.StageCompleted, 100, "pipeline complete", "")
}

// transition advances taskID's registry record, optionally appending an
// artifact path. Errors are logged, not fatal to the pipeline: the
// registry record is a read-side projection, and the pipeline's own
// control flow (not the registry) is authoritative for what happens
// next.
func (o *Orchestrator) transition(taskID uuid.UUID, stage domain.Stage, progressPct int, appendPath string) {
	_, err := o.registry.Update(taskID, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = stage
		t.Progress = progressPct
		if appendPath != "" {
			t.ArtifactPaths = append(t.ArtifactPaths, appendPath)
		}
		return t, nil
	})
	if err != nil {
		o.log.Warn("registry transition failed", "task_id", taskID, "stage", stage, "error", err)
	}
}

// emit publishes a progress event, logging (not failing the pipeline)
// if the hub rejects it.
func (o *Orchestrator) emit(taskID uuid.UUID, kind domain.EventKind, stage domain.Stage, progressPct int, message, errorKind string) {
	_, err := o.hub.Publish(taskID, domain.ProgressEvent{
		Kind:      kind,
		Stage:     stage,
		Progress:  progressPct,
		Message:   message,
		ErrorKind: errorKind,
	})
	if err != nil {
		o.log.Warn("progress publish rejected", "task_id", taskID, "stage", stage, "error", err)
	}
}

// isCanceled reports whether taskID's cancel flag is set (spec.md §4.1
// "Cancellation" suspension-point check).
func (o *Orchestrator) isCanceled(taskID uuid.UUID) bool {
	t, err := o.registry.Get(taskID)
	if err != nil {
		return false
	}
	return t.Canceled
}

// rollback releases every artifact this task registered, in reverse
// order, tolerating partial failure (spec.md §4.1 "Transactional
// semantics"). Never raises.
func (o *Orchestrator) rollback(taskID uuid.UUID, artifacts []artifactRecord) {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if err := o.store.Release(context.Background(), artifacts[i].path); err != nil {
			o.log.Warn("rollback: release failed, continuing", "task_id", taskID, "path", artifacts[i].path, "error", err)
		}
	}
}

// retryEngine runs call up to o.cfg.EngineErrorMaxRetries+1 times,
// retrying only engine_error failures with the same capped exponential
// backoff as video polling (PollInitialDelay, multiplied by
// PollBackoffMult per retry, capped at PollMaxDelay) (spec.md §7
// "engine_error ... retried within a stage up to 2 times with backoff"). Any other error kind, or ctx cancellation, aborts
// immediately. Returns (true, nil) on eventual success.
func (o *Orchestrator) retryEngine(ctx context.Context, call func() error) (bool, error) {
	var lastErr error
	delay := o.cfg.PollInitialDelay
	for attempt := 0; attempt <= o.cfg.EngineErrorMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		err := call()
		if err == nil {
			return true, nil
		}
		lastErr = err
		if verrors.KindOf(err) != verrors.KindEngineError || attempt == o.cfg.EngineErrorMaxRetries {
			return false, err
		}
		select {
		case <-o.clock.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay = nextDelay(delay, o.cfg.PollBackoffMult, o.cfg.PollMaxDelay)
	}
	return false, lastErr
}

// pollVideoJob polls the video engine with bounded exponential backoff
// (spec.md §4.1 "Polling the external video engine") until it reports a
// terminal state, the overall deadline passes, or the task is
// canceled. Transport errors (the poll call itself failing) are
// retried up to TransportErrorMaxRetries; a terminal engine state of
// "error" is not retried.
func (o *Orchestrator) pollVideoJob(ctx context.Context, taskID uuid.UUID, jobID string) (string, error) {
	o.emit(taskID, domain.EventStageStart, domain.StageVideoProcessing, 75, "polling video engine", "")

	deadline := o.clock.Now().Add(o.cfg.VideoPollDeadline)
	delay := o.cfg.PollInitialDelay
	progressPct := 75
	transportFailures := 0

	for {
		if o.isCanceled(taskID) {
			return "", verrors.E(verrors.KindCanceled, "orchestrator.pollVideoJob", "canceled during video polling", nil)
		}
		if o.clock.Now().After(deadline) {
			return "", verrors.E(verrors.KindTimeout, "orchestrator.pollVideoJob", "video engine polling deadline exceeded", nil)
		}

		res, err := o.engines.Synth.PollJob(ctx, jobID)
		if err != nil {
			transportFailures++
			if transportFailures > o.cfg.TransportErrorMaxRetries {
				return "", verrors.E(verrors.KindEngineError, "orchestrator.pollVideoJob", "video engine unreachable", err)
			}
			if !o.sleepOrCancel(ctx, taskID, delay) {
				return "", verrors.E(verrors.KindCanceled, "orchestrator.pollVideoJob", "canceled during poll backoff", nil)
			}
			delay = nextDelay(delay, o.cfg.PollBackoffMult, o.cfg.PollMaxDelay)
			continue
		}
		transportFailures = 0

		switch res.State {
		case engines.JobDone:
			o.transition(taskID, domain.StageVideoProcessing, 80, "")
			o.emit(taskID, domain.EventStageComplete, domain.StageVideoProcessing, 80, "video ready", "")
			return res.ResultURL, nil
		case engines.JobError:
			return "", verrors.E(verrors.KindEngineError, "orchestrator.pollVideoJob", fmt.Sprintf("video engine reported error: %s", res.ErrorMessage), nil)
		case engines.JobQueued, engines.JobRunning:
			if progressPct < 80 {
				progressPct++
			}
			o.transition(taskID, domain.StageVideoProcessing, progressPct, "")
			o.emit(taskID, domain.EventStageProgress, domain.StageVideoProcessing, progressPct, "video still "+string(res.State), "")
			if !o.sleepOrCancel(ctx, taskID, delay) {
				return "", verrors.E(verrors.KindCanceled, "orchestrator.pollVideoJob", "canceled during poll backoff", nil)
			}
			delay = nextDelay(delay, o.cfg.PollBackoffMult, o.cfg.PollMaxDelay)
		default:
			return "", verrors.E(verrors.KindInternal, "orchestrator.pollVideoJob", fmt.Sprintf("unrecognized poll state %q", res.State), nil)
		}
	}
}

// sleepOrCancel waits d (via the injected clock, so a Fake can stand in
// for real time) or returns false early if ctx is done or taskID's cancel flag
// is observed.
func (o *Orchestrator) sleepOrCancel(ctx context.Context, taskID uuid.UUID, d time.Duration) bool {
	select {
	case <-o.clock.After(d):
		return !o.isCanceled(taskID)
	case <-ctx.Done():
		return false
	}
}

func nextDelay(cur time.Duration, mult float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * mult)
	if next > max {
		next = max
	}
	return next
}

func classifyTimeout(ctx context.Context, err error) verrors.Kind {
	if ctx.Err() != nil {
		return verrors.KindTimeout
	}
	if kind := verrors.KindOf(err); kind != "" {
		return kind
	}
	return verrors.KindEngineError
}

func extOf(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return filepath.Ext(contentType)
	}
}
