// Package domain holds the data model shared by every component:
// Request, Task, Artifact, Tier, GPU slot classes, progress events, and
// subscribers, per spec.md §3. Nothing here owns behavior; ownership of
// each type's mutable state lives in exactly one component package
// (tasks.Registry owns Task, storage.Manager owns Artifact, progress.Hub
// owns Subscriber), per spec.md §3's ownership clause.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskID is an opaque, globally unique task identifier.
type TaskID = uuid.UUID

// Request is an immutable input bundle. Created at accept time, never
// mutated afterward.
type Request struct {
	ImageBytes       []byte
	ImageContentType string
	AudioBytes       []byte
	AudioContentType string

	// Overrides, all optional.
	DetectionConfidence *float64
	Smoothing           *bool
	Preset              string

	// OwnerID is an opaque per-request identifier used for tenancy hints
	// only; this core enforces no tenant isolation (spec.md Non-goals).
	OwnerID string
}

// Stage enumerates the pipeline state machine (spec.md §4.1). Stages are
// totally ordered on the success path; completed/failed are terminal.
type Stage string

const (
	StageInitialized       Stage = "initialized"
	StageUpload            Stage = "upload"
	StageDetection         Stage = "detection"
	StageBackgroundRemoval Stage = "background_removal"
	StageVideoUpload       Stage = "video_upload"
	StageVideoProcessing   Stage = "video_processing"
	StageFinalizing        Stage = "finalizing"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Order is this stage's position in the success-path total order, or -1
// for a stage that doesn't participate in ordering (StageFailed, and
// any unrecognized value).
func (s Stage) Order() int {
	switch s {
	case StageInitialized:
		return 0
	case StageUpload:
		return 1
	case StageDetection:
		return 2
	case StageBackgroundRemoval:
		return 3
	case StageVideoUpload:
		return 4
	case StageVideoProcessing:
		return 5
	case StageFinalizing:
		return 6
	case StageCompleted:
		return 7
	default:
		return -1
	}
}

// IsTerminal reports whether s is one of the two terminal stages.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Tier is a retention class for stored artifacts.
type Tier string

const (
	TierTemp      Tier = "temp"
	TierUploads   Tier = "uploads"
	TierProcessed Tier = "processed"
	TierVideos    Tier = "videos"
)

// DefaultRetention returns the tier's documented default lifetime.
func (t Tier) DefaultRetention() time.Duration {
	switch t {
	case TierTemp:
		return 1 * time.Hour
	case TierUploads:
		return 7 * 24 * time.Hour
	case TierProcessed:
		return 3 * 24 * time.Hour
	case TierVideos:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// GPUClass is one of the two competing GPU workload classes.
type GPUClass string

const (
	GPUClassDetector  GPUClass = "detector"
	GPUClassSegmenter GPUClass = "segmenter"
)

// Task is the mutable per-request record. tasks.Registry is the only
// writer; every other component observes it via Get/Update.
type Task struct {
	ID            TaskID
	Stage         Stage
	Progress      int
	ArtifactPaths []string
	ErrorKind     string
	ErrorMessage  string
	ErrorStage    Stage
	Metadata      map[string]any

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	// Canceled is set immediately by Cancel and observed by the
	// orchestrator at its next scheduling point (spec.md §4.1
	// Cancellation); it does not itself transition the stage.
	Canceled bool
}

// Clone returns a deep-enough copy safe for a caller to read without
// racing the registry's next Update.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ArtifactPaths != nil {
		cp.ArtifactPaths = append([]string(nil), t.ArtifactPaths...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Artifact is a stored file.
type Artifact struct {
	Tier      Tier
	Path      string
	Size      int64
	TaskID    TaskID
	CreatedAt time.Time
	Retention time.Duration // 0 means "use Tier.DefaultRetention()"
}

// EffectiveRetention returns a.Retention if set, else the tier default.
func (a Artifact) EffectiveRetention() time.Duration {
	if a.Retention > 0 {
		return a.Retention
	}
	return a.Tier.DefaultRetention()
}

// EventKind enumerates progress event kinds.
type EventKind string

const (
	EventStageStart    EventKind = "stage_start"
	EventStageProgress EventKind = "stage_progress"
	EventStageComplete EventKind = "stage_complete"
	EventFailed        EventKind = "failed"
	EventHeartbeat     EventKind = "heartbeat"
	EventGap           EventKind = "gap"
)

// ProgressEvent is one entry in a task's event stream.
type ProgressEvent struct {
	TaskID    TaskID
	Kind      EventKind
	Stage     Stage
	Progress  int
	Message   string
	Sequence  int64
	Timestamp time.Time

	// ErrorKind/DroppedCount are only meaningful for EventFailed/EventGap
	// respectively.
	ErrorKind    string
	DroppedCount int
}
