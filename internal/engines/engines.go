// Package engines declares the outbound contracts this core requires of
// the external AI engines (spec.md §6): a person detector, a background
// remover, and a video synthesizer. Concrete backends (cloud vision
// APIs, a talking-avatar vendor) are out of scope per spec.md §1 — only
// the interfaces and a deterministic mock set
// (internal/engines/enginemock) live in this module. Shaped like
// internal/inference/engine's Engine interface + its sibling mock
// package, generalized from one capability to the three this core's
// stages call.
package engines

import "context"

// DetectParams carries the Request-level overrides relevant to
// detection (spec.md §3 Request.DetectionConfidence).
type DetectParams struct {
	MinConfidence float64
}

// Person is one candidate the detector found in the source image.
type Person struct {
	BoundingBox [4]float64 // x, y, width, height, normalized [0,1]
	Confidence  float64
}

// DetectResult is PersonDetector.Detect's success value.
type DetectResult struct {
	Persons        []Person
	SelectedIndex  int
	AnnotatedImage []byte
}

// PersonDetector finds and crops the subject of a source image. It may
// fail with errors.KindNoPerson (empty person set), errors.KindInvalidInput
// (malformed image), or errors.KindEngineError (any other backend failure).
type PersonDetector interface {
	Detect(ctx context.Context, imageBytes []byte, params DetectParams) (DetectResult, error)
}

// RemoveParams carries the Request-level overrides relevant to
// background removal (spec.md §3 Request.Smoothing).
type RemoveParams struct {
	Smoothing bool
}

// RemoveResult is BackgroundRemover.Remove's success value.
type RemoveResult struct {
	MaskedImage []byte
}

// BackgroundRemover masks the background out of an already-cropped
// image. May fail with errors.KindInvalidInput or errors.KindEngineError.
type BackgroundRemover interface {
	Remove(ctx context.Context, imageBytes []byte, params RemoveParams) (RemoveResult, error)
}

// JobState is one of VideoSynthesizer.PollJob's reported states.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// PollResult is VideoSynthesizer.PollJob's success value. ResultURL is
// only populated when State == JobDone; ErrorMessage only when
// State == JobError.
type PollResult struct {
	State        JobState
	ResultURL    string
	ErrorMessage string
}

// VideoSynthesizer drives the external talking-avatar video engine.
// Submission and polling are two separate calls so the orchestrator can
// apply its own backoff policy between polls (spec.md §4.1).
type VideoSynthesizer interface {
	SubmitJob(ctx context.Context, imageBytes, audioBytes []byte) (jobID string, err error)
	PollJob(ctx context.Context, jobID string) (PollResult, error)

	// FetchResult retrieves the produced video's bytes from a PollResult's
	// ResultURL. spec.md §9 resolves an open question in favor of copying
	// these bytes into the videos tier rather than merely referencing the
	// URL, so that retention stays governed locally; fetching is therefore
	// part of this engine's own contract rather than a separate HTTP seam
	// the core would otherwise have to own.
	FetchResult(ctx context.Context, resultURL string) ([]byte, error)
}
