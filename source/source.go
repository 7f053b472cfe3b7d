// Package source defines the data source contract: a Source is a named,
// kinded producer of measurement batches with an explicit start/stop
// lifecycle. The shared Base carries the identity, the destination bucket,
// the base tag set, and the emit path to the hub.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/sdss/cerebro/measurement"
)

// Source is a supervised producer of telemetry. Start blocks until the
// source is ready to produce (connected, subscribed, first poll scheduled)
// and must respect context cancellation; Stop releases all resources and is
// safe to call on a source that never started.
type Source interface {
	Name() string
	Kind() string
	Running() bool
	Start(ctx context.Context) error
	Stop() error
}

// StartTimeouter lets a source override the supervisor's default start
// timeout, for kinds whose readiness is known to be slow (serial gateways,
// chatty handshakes).
type StartTimeouter interface {
	StartTimeout() time.Duration
}

// Emitter is the delivery side of a source, implemented by the hub.
// Publish is fire and forget: it never blocks the source and never returns
// an error to it.
type Emitter interface {
	Publish(batch measurement.Batch)
}

// Base implements the identity and emit half of the Source contract.
// Concrete kinds embed it and provide Start/Stop.
type Base struct {
	name    string
	kind    string
	bucket  string
	tags    map[string]string
	emitter Emitter
	logger  *slog.Logger

	running atomic.Bool
}

// NewBase builds the shared source state. The optional "bucket" (string) and
// "tags" (string map) parameters are recognized on every kind. The kind is
// always added as the "source" base tag.
func NewBase(name, kind string, params map[string]any, deps Dependencies) Base {
	bucket, _ := params["bucket"].(string)

	tags := tagParam(params["tags"])
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	tags["source"] = kind

	return Base{
		name:    name,
		kind:    kind,
		bucket:  bucket,
		tags:    tags,
		emitter: deps.Emitter,
		logger:  deps.GetLogger().With("source", name, "kind", kind),
	}
}

// tagParam coerces a decoded YAML tag mapping into string/string form.
func tagParam(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return maps.Clone(m)
	case map[string]any:
		tags := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				tags[k] = s
			} else {
				tags[k] = fmt.Sprint(val)
			}
		}
		return tags
	default:
		return nil
	}
}

// Name returns the unique source name.
func (b *Base) Name() string { return b.name }

// Kind returns the registered kind string.
func (b *Base) Kind() string { return b.kind }

// Bucket returns the destination bucket, empty for the observer default.
func (b *Base) Bucket() string { return b.bucket }

// Tags returns the base tag set applied to every emitted measurement.
func (b *Base) Tags() map[string]string { return b.tags }

// Running reports whether the source considers itself live.
func (b *Base) Running() bool { return b.running.Load() }

// SetRunning flips the running flag. Kinds call this from Start and Stop.
func (b *Base) SetRunning(running bool) { b.running.Store(running) }

// Logger returns the source-scoped structured logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Emit publishes the measurements as one batch on the source's bucket.
// Base tags are merged into each measurement; a tag already present on the
// measurement wins. Emitting nothing is a no-op.
func (b *Base) Emit(ms ...measurement.Measurement) {
	if len(ms) == 0 || b.emitter == nil {
		return
	}
	for i := range ms {
		merged := measurement.MergeTags(maps.Clone(b.tags), ms[i].Tags, true)
		ms[i].Tags = merged
	}
	b.emitter.Publish(measurement.Batch{Bucket: b.bucket, Measurements: ms})
}
