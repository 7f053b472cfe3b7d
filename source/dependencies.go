package source

import (
	"log/slog"

	"github.com/sdss/cerebro/metric"
)

// Dependencies provides the external collaborators a source factory needs.
// Factories do no I/O; they only capture these for Start.
type Dependencies struct {
	Emitter Emitter          // delivery path to the hub (required)
	Logger  *slog.Logger     // structured logger (nil defaults to slog.Default())
	Metrics *metric.Registry // metrics registry (may be nil)
}

// GetLogger returns the configured logger or the process default.
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
