// Package config loads the pipeline core's runtime configuration from
// the environment. Loading itself (files, secret managers, flags) is
// out of scope per spec.md §1; this package only defines the typed
// surface and env-var fallback convention the rest of the module reads.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/vidmsg/internal/pkg/logger"
)

// Config is the full set of tunables named throughout spec.md's
// component sections, with the defaults spec.md documents.
type Config struct {
	Env     string
	Addr    string
	LogMode string

	StorageRoot     string
	GCSVideosBucket string // when set, the videos tier writes to this GCS bucket instead of StorageRoot

	PostgresDSN string // when set, the task registry mirrors writes to Postgres

	ShutdownTimeout time.Duration

	GPUDetectorSlots  int
	GPUSegmenterSlots int

	ProgressQueueDepth     int
	ProgressHistoryDepth   int
	HeartbeatInterval      time.Duration
	SubscriberDeadMultiple int
	TerminalRetention      time.Duration

	CleanupInterval     time.Duration
	DiskPressureBytes   int64
	TempTierRetention   time.Duration
	UploadsTierRetention time.Duration
	ProcessedTierRetention time.Duration
	VideosTierRetention time.Duration

	DetectionTimeout     time.Duration
	SegmentationTimeout  time.Duration
	VideoSubmitTimeout   time.Duration
	VideoPollDeadline    time.Duration
	FinalizingTimeout    time.Duration

	VideoPollInitialDelay time.Duration
	VideoPollMultiplier   float64
	VideoPollCap          time.Duration

	MaxNonTerminalTasks int
	TaskPurgeGrace      time.Duration

	RedisAddr    string
	RedisChannel string
}

// Load reads every field from the environment, falling back to
// spec.md's documented defaults. A nil logger is tolerated (Noop).
func Load(log *logger.Logger) Config {
	if log == nil {
		log = logger.Noop()
	}
	return Config{
		Env:     GetEnv("VIDMSG_ENV", "development", log),
		Addr:    GetEnv("VIDMSG_ADDR", ":8090", log),
		LogMode: GetEnv("LOG_MODE", "development", log),

		StorageRoot:     GetEnv("STORAGE_ROOT", "./data", log),
		GCSVideosBucket: GetEnv("GCS_VIDEOS_BUCKET", "", log),

		PostgresDSN: GetEnv("POSTGRES_DSN", "", log),

		ShutdownTimeout: GetEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second, log),

		GPUDetectorSlots:  GetEnvAsInt("GPU_DETECTOR_SLOTS", 2, log),
		GPUSegmenterSlots: GetEnvAsInt("GPU_SEGMENTER_SLOTS", 1, log),

		ProgressQueueDepth:     GetEnvAsInt("PROGRESS_QUEUE_DEPTH", 64, log),
		ProgressHistoryDepth:   GetEnvAsInt("PROGRESS_HISTORY_DEPTH", 256, log),
		HeartbeatInterval:      GetEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second, log),
		SubscriberDeadMultiple: GetEnvAsInt("SUBSCRIBER_DEAD_MULTIPLE", 3, log),
		TerminalRetention:      GetEnvAsDuration("PROGRESS_TERMINAL_RETENTION", 60*time.Minute, log),

		CleanupInterval:        GetEnvAsDuration("CLEANUP_INTERVAL", 60*time.Minute, log),
		DiskPressureBytes:      GetEnvAsInt64("DISK_PRESSURE_BYTES", 5*1024*1024*1024, log),
		TempTierRetention:      GetEnvAsDuration("TEMP_TIER_RETENTION", 1*time.Hour, log),
		UploadsTierRetention:   GetEnvAsDuration("UPLOADS_TIER_RETENTION", 7*24*time.Hour, log),
		ProcessedTierRetention: GetEnvAsDuration("PROCESSED_TIER_RETENTION", 3*24*time.Hour, log),
		VideosTierRetention:    GetEnvAsDuration("VIDEOS_TIER_RETENTION", 30*24*time.Hour, log),

		DetectionTimeout:    GetEnvAsDuration("DETECTION_TIMEOUT", 30*time.Second, log),
		SegmentationTimeout: GetEnvAsDuration("SEGMENTATION_TIMEOUT", 60*time.Second, log),
		VideoSubmitTimeout:  GetEnvAsDuration("VIDEO_SUBMIT_TIMEOUT", 30*time.Second, log),
		VideoPollDeadline:   GetEnvAsDuration("VIDEO_POLL_DEADLINE", 5*time.Minute, log),
		FinalizingTimeout:   GetEnvAsDuration("FINALIZING_TIMEOUT", 30*time.Second, log),

		VideoPollInitialDelay: GetEnvAsDuration("VIDEO_POLL_INITIAL_DELAY", 2*time.Second, log),
		VideoPollMultiplier:   GetEnvAsFloat("VIDEO_POLL_MULTIPLIER", 1.5, log),
		VideoPollCap:          GetEnvAsDuration("VIDEO_POLL_CAP", 15*time.Second, log),

		MaxNonTerminalTasks: GetEnvAsInt("MAX_NON_TERMINAL_TASKS", 50, log),
		TaskPurgeGrace:      GetEnvAsDuration("TASK_PURGE_GRACE", 60*time.Minute, log),

		RedisAddr:    GetEnv("REDIS_ADDR", "", log),
		RedisChannel: GetEnv("REDIS_CHANNEL", "vidmsg-progress", log),
	}
}

// GetEnv returns the trimmed env var or def when unset/blank.
func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// GetEnvAsInt parses key as an int, warning and falling back to def on
// any parse failure.
func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("config: invalid int env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// GetEnvAsInt64 parses key as an int64, warning and falling back to def
// on any parse failure.
func GetEnvAsInt64(key string, def int64, log *logger.Logger) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn("config: invalid int64 env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// GetEnvAsFloat parses key as a float64, warning and falling back to
// def on any parse failure.
func GetEnvAsFloat(key string, def float64, log *logger.Logger) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn("config: invalid float env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// GetEnvAsDuration parses key with time.ParseDuration, warning and
// falling back to def on any parse failure.
func GetEnvAsDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("config: invalid duration env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
