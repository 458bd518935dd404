// Package redisbridge is the optional distributed fan-out for
// progress.Hub (spec.md §E.4.3), grounded directly on
// internal/clients/redis/sse_bus.go's Publish/StartForwarder pair:
// one JSON-encoded pub/sub channel, a dial-time Ping, and a forwarder
// goroutine that decodes incoming payloads back into domain events.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/vidmsg/internal/domain"
	"github.com/yungbote/vidmsg/internal/pkg/logger"
)

// Bridge publishes progress.Hub events to a shared Redis channel and
// can forward events received on that channel back into a local Hub.
type Bridge struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// New dials addr and verifies reachability with a bounded Ping. An
// empty addr means "distributed fan-out disabled"; callers should skip
// attaching a Bridge in that case rather than call New.
func New(addr, channel string, log *logger.Logger) (*Bridge, error) {
	if log == nil {
		log = logger.Noop()
	}
	if channel == "" {
		channel = "vidmsg-progress"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bridge{log: log.With("component", "ProgressRedisBridge"), rdb: rdb, channel: channel}, nil
}

// Publish publishes a single progress event to the shared channel.
func (b *Bridge) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the shared channel and invokes onEvent
// for every decoded event until ctx is canceled. Typically onEvent is
// a local Hub's IngestRemote.
func (b *Bridge) StartForwarder(ctx context.Context, onEvent func(domain.ProgressEvent)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad progress payload on redis channel", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

// Close releases the underlying Redis connection.
func (b *Bridge) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
