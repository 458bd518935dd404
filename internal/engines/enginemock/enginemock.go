// Package enginemock provides deterministic, script-driven
// implementations of the engines.PersonDetector, engines.BackgroundRemover,
// and engines.VideoSynthesizer interfaces, for use in orchestrator tests
// and local/dev wiring. Grounded on internal/inference/engine/mock's
// "Engine" shape (a small struct with fixed, content-derived outputs and
// no external calls); extended with a call-scripting seam so tests can
// reproduce spec.md §8's scenarios ("stub SubmitJob to fail once with
// engine_error, then succeed; stub PollJob to return running twice then
// done").
package enginemock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"

	"github.com/yungbote/vidmsg/internal/engines"
)

// Detector is a deterministic engines.PersonDetector. By default it
// reports exactly one person at confidence 0.97 (or params.MinConfidence,
// if higher) and returns a checksum derived from the source image as the
// annotated crop. Responses queues a sequence of
// canned (result, error) pairs consumed one per call; once exhausted,
// calls fall back to the default behavior.
type Detector struct {
	mu         sync.Mutex
	Responses  []DetectResponse
	LastParams engines.DetectParams // records the most recent call's params, for asserting Request overrides reached the engine
}

// DetectResponse is one scripted Detect outcome.
type DetectResponse struct {
	Result engines.DetectResult
	Err    error
}

func NewDetector() *Detector { return &Detector{} }

func (d *Detector) Detect(_ context.Context, imageBytes []byte, params engines.DetectParams) (engines.DetectResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastParams = params
	if len(d.Responses) > 0 {
		next := d.Responses[0]
		d.Responses = d.Responses[1:]
		return next.Result, next.Err
	}
	if len(imageBytes) == 0 {
		return engines.DetectResult{}, verrors.E(verrors.KindInvalidInput, "enginemock.Detect", "empty image", nil)
	}
	conf := 0.97
	if params.MinConfidence > conf {
		conf = params.MinConfidence
	}
	return engines.DetectResult{
		Persons:        []engines.Person{{BoundingBox: [4]float64{0.1, 0.1, 0.8, 0.8}, Confidence: conf}},
		SelectedIndex:  0,
		AnnotatedImage: checksum(imageBytes, "detected"),
	}, nil
}

// Remover is a deterministic engines.BackgroundRemover. Responses
// queues scripted outcomes the same way Detector does.
type Remover struct {
	mu         sync.Mutex
	Responses  []RemoveResponse
	LastParams engines.RemoveParams
}

// RemoveResponse is one scripted Remove outcome.
type RemoveResponse struct {
	Result engines.RemoveResult
	Err    error
}

func NewRemover() *Remover { return &Remover{} }

func (r *Remover) Remove(_ context.Context, imageBytes []byte, params engines.RemoveParams) (engines.RemoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastParams = params
	if len(r.Responses) > 0 {
		next := r.Responses[0]
		r.Responses = r.Responses[1:]
		return next.Result, next.Err
	}
	if len(imageBytes) == 0 {
		return engines.RemoveResult{}, verrors.E(verrors.KindInvalidInput, "enginemock.Remove", "empty image", nil)
	}
	return engines.RemoveResult{MaskedImage: checksum(imageBytes, "masked")}, nil
}

// VideoSynthesizer is a deterministic engines.VideoSynthesizer.
// SubmitResponses and PollResponses each queue a sequence of scripted
// outcomes, consumed one per call to SubmitJob / PollJob respectively
// (PollResponses is keyed by job id, so two jobs can be scripted
// independently). Once a job id's poll queue is exhausted, PollJob
// returns JobDone with a URL derived from the job id.
type VideoSynthesizer struct {
	mu              sync.Mutex
	SubmitResponses []SubmitResponse
	PollResponses   map[string][]engines.PollResult

	nextJobID int
}

// SubmitResponse is one scripted SubmitJob outcome. JobID is used only
// when Err is nil; when both are zero-valued a fresh auto-incrementing
// id is assigned.
type SubmitResponse struct {
	JobID string
	Err   error
}

func NewVideoSynthesizer() *VideoSynthesizer {
	return &VideoSynthesizer{PollResponses: make(map[string][]engines.PollResult)}
}

func (v *VideoSynthesizer) SubmitJob(_ context.Context, _, _ []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.SubmitResponses) > 0 {
		next := v.SubmitResponses[0]
		v.SubmitResponses = v.SubmitResponses[1:]
		if next.Err != nil {
			return "", next.Err
		}
		if next.JobID != "" {
			return next.JobID, nil
		}
	}
	v.nextJobID++
	return fmt.Sprintf("mock-job-%d", v.nextJobID), nil
}

func (v *VideoSynthesizer) PollJob(_ context.Context, jobID string) (engines.PollResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if queue, ok := v.PollResponses[jobID]; ok && len(queue) > 0 {
		next := queue[0]
		v.PollResponses[jobID] = queue[1:]
		return next, nil
	}
	return engines.PollResult{State: engines.JobDone, ResultURL: "mock://" + jobID + "/result.mp4"}, nil
}

// FetchResult returns deterministic bytes derived from resultURL, standing
// in for a real download of the synthesized video.
func (v *VideoSynthesizer) FetchResult(_ context.Context, resultURL string) ([]byte, error) {
	return checksum([]byte(resultURL), "video"), nil
}

// QueuePoll appends states to jobID's poll script. Convenience for
// tests building scenarios like spec.md §8 scenario 4 (running, running,
// done).
func (v *VideoSynthesizer) QueuePoll(jobID string, results ...engines.PollResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PollResponses[jobID] = append(v.PollResponses[jobID], results...)
}

func checksum(data []byte, label string) []byte {
	h := sha256.Sum256(append([]byte(label+":"), data...))
	return h[:]
}
