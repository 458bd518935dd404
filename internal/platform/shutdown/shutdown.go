// Package shutdown wraps signal.NotifyContext for the server entrypoint.
// Grounded on internal/inference/platform/shutdown/shutdown.go.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context canceled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
