// Command server is the pipeline core's process entrypoint (spec.md
// §E.10): it wires the five components, starts the Progress Hub's
// heartbeat/retention sweep loop and the Storage Manager's Cleanup
// scheduler, and blocks
// until SIGINT/SIGTERM. It exposes nothing over the network — the
// HTTP/WebSocket surface is explicitly out of scope (spec.md §1) —
// mirroring the shape of the teacher's cmd/main.go ("wire everything,
// then block"), scaled down the way cmd/inference/main.go scales it
// down for a single small service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/engines/enginemock"
	"github.com/yungbote/vidmsg/internal/gpuscheduler"
	"github.com/yungbote/vidmsg/internal/orchestrator"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
	"github.com/yungbote/vidmsg/internal/platform/clock"
	"github.com/yungbote/vidmsg/internal/platform/config"
	"github.com/yungbote/vidmsg/internal/platform/shutdown"
	"github.com/yungbote/vidmsg/internal/progress"
	"github.com/yungbote/vidmsg/internal/progress/redisbridge"
	"github.com/yungbote/vidmsg/internal/storage"
	"github.com/yungbote/vidmsg/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Println("server exited:", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	cfg := config.Load(log)
	if cfg.GPUDetectorSlots <= 0 || cfg.GPUSegmenterSlots <= 0 {
		return fmt.Errorf("gpu capacity misconfigured: detector=%d segmenter=%d, both must be positive",
			cfg.GPUDetectorSlots, cfg.GPUSegmenterSlots)
	}
	clk := clock.New()

	registry, err := buildRegistry(cfg, log, clk)
	if err != nil {
		return fmt.Errorf("build task registry: %w", err)
	}

	store, err := buildStorage(cfg, log, clk, registry)
	if err != nil {
		return fmt.Errorf("build storage manager: %w", err)
	}
	defer store.Close()

	gpu := gpuscheduler.New(map[domain.GPUClass]int{
		domain.GPUClassDetector:  cfg.GPUDetectorSlots,
		domain.GPUClassSegmenter: cfg.GPUSegmenterSlots,
	}, log, clk)

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	hub, closeBridge, err := buildHub(ctx, cfg, log, clk)
	if err != nil {
		return fmt.Errorf("build progress hub: %w", err)
	}
	if closeBridge != nil {
		defer closeBridge()
	}

	engines := orchestrator.Engines{
		Detector: enginemock.NewDetector(),
		Remover:  enginemock.NewRemover(),
		Synth:    enginemock.NewVideoSynthesizer(),
	}

	orc := orchestrator.New(orchestrator.Config{
		MaxActiveTasks:           cfg.MaxNonTerminalTasks,
		DetectionTimeout:         cfg.DetectionTimeout,
		SegmentationTimeout:      cfg.SegmentationTimeout,
		VideoSubmitTimeout:       cfg.VideoSubmitTimeout,
		VideoPollDeadline:        cfg.VideoPollDeadline,
		FinalizingTimeout:        cfg.FinalizingTimeout,
		PollInitialDelay:         cfg.VideoPollInitialDelay,
		PollBackoffMult:          cfg.VideoPollMultiplier,
		PollMaxDelay:             cfg.VideoPollCap,
	}, gpu, hub, store, registry, engines, log, clk)
	// orc is this process's public entry point; nothing in this core talks
	// to it over the network (spec.md §1, §E.10), so this process just
	// keeps the five components alive for an embedding caller.
	_ = orc

	go hub.Run(ctx)
	go runCleanupLoop(ctx, store, cfg.CleanupInterval, log)

	log.Info("vidmsg core started", "env", cfg.Env)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func buildRegistry(cfg config.Config, log *logger.Logger, clk clock.Clock) (*tasks.Registry, error) {
	var mirror tasks.Mirror
	if cfg.PostgresDSN != "" {
		log.Info("connecting task registry mirror to Postgres")
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		gormMirror, err := tasks.NewGORM(db)
		if err != nil {
			return nil, fmt.Errorf("migrate task mirror: %w", err)
		}
		mirror = gormMirror
	}
	return tasks.New(cfg.TaskPurgeGrace, log, clk, mirror), nil
}

func buildStorage(cfg config.Config, log *logger.Logger, clk clock.Clock, registry *tasks.Registry) (*storage.Manager, error) {
	storageCfg := storage.Config{
		Root:              cfg.StorageRoot,
		DiskPressureBytes: cfg.DiskPressureBytes,
		IsNonTerminal:     registry.IsNonTerminal,
		Retention: map[domain.Tier]time.Duration{
			domain.TierTemp:      cfg.TempTierRetention,
			domain.TierUploads:   cfg.UploadsTierRetention,
			domain.TierProcessed: cfg.ProcessedTierRetention,
			domain.TierVideos:    cfg.VideosTierRetention,
		},
	}
	if cfg.GCSVideosBucket != "" {
		log.Info("backing videos tier with GCS", "bucket", cfg.GCSVideosBucket)
		gcs, err := storage.NewGCSBackend(context.Background(), cfg.GCSVideosBucket)
		if err != nil {
			return nil, fmt.Errorf("dial gcs: %w", err)
		}
		storageCfg.TierBackends = map[domain.Tier]storage.Backend{domain.TierVideos: gcs}
	}
	return storage.New(storageCfg, log, clk)
}

// buildHub returns the Progress Hub and, if a Redis bridge was wired, a
// close func the caller must defer. The bridge forwards remote events
// into the hub via IngestRemote for as long as ctx is live.
func buildHub(ctx context.Context, cfg config.Config, log *logger.Logger, clk clock.Clock) (*progress.Hub, func(), error) {
	var opts []progress.Option
	var closeFn func()
	var bridge *redisbridge.Bridge
	if cfg.RedisAddr != "" {
		log.Info("wiring redis progress bridge", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
		b, err := redisbridge.New(cfg.RedisAddr, cfg.RedisChannel, log)
		if err != nil {
			return nil, nil, fmt.Errorf("dial redis: %w", err)
		}
		bridge = b
		opts = append(opts, progress.WithBroadcaster(bridge))
		closeFn = func() { _ = bridge.Close() }
	}
	hub := progress.New(cfg.ProgressQueueDepth, cfg.ProgressHistoryDepth, cfg.HeartbeatInterval,
		cfg.SubscriberDeadMultiple, cfg.TerminalRetention, log, clk, opts...)
	if bridge != nil {
		if err := bridge.StartForwarder(ctx, hub.IngestRemote); err != nil {
			return nil, nil, fmt.Errorf("start redis forwarder: %w", err)
		}
	}
	return hub, closeFn, nil
}

func runCleanupLoop(ctx context.Context, store *storage.Manager, interval time.Duration, log *logger.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := store.Cleanup(ctx); err != nil {
				log.Error("storage cleanup failed", "error", err)
			}
		}
	}
}
