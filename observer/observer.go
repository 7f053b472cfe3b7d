// Package observer defines the delivery contract for measurement consumers.
// An Observer receives batches from the hub on a dedicated goroutine, in
// publish order, and owns its own write semantics: a failed Receive is
// logged and counted by the hub, never retried.
package observer

import (
	"context"
	"log/slog"

	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/metric"
)

// Observer consumes batches published through the hub.
type Observer interface {
	// Name identifies the observer in logs and metrics.
	Name() string

	// Receive handles one batch. It is called sequentially per observer,
	// so implementations need no internal ordering. The context is the
	// hub's run context; Receive should return promptly on cancellation.
	Receive(ctx context.Context, batch measurement.Batch) error

	// Close flushes and releases the underlying sink. After Close the hub
	// stops delivering to this observer.
	Close() error
}

// Dependencies provides the collaborators an observer factory needs.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// GetLogger returns the configured logger or the process default.
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
