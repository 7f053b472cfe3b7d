// Package hub implements the central exchange between sources and
// observers. Sources publish batches fire-and-forget; the hub stamps
// unset times with the corrected wall clock, applies the instance tags,
// and fans each batch out to every subscribed observer over a dedicated
// FIFO queue so one slow or failing observer never blocks a source or
// its peers.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/observer"
)

// DefaultQueueSize is the per-observer delivery queue depth. When an
// observer falls this many batches behind, further batches are dropped for
// it (and counted) rather than blocking the publisher.
const DefaultQueueSize = 256

// subscription pairs an observer with its delivery queue and drain
// goroutine.
type subscription struct {
	observer observer.Observer
	queue    chan measurement.Batch
	done     chan struct{}
}

// Hub routes measurement batches from sources to observers.
type Hub struct {
	name         string
	runID        string
	instanceTags map[string]string
	queueSize    int

	// offsetNanos is the clock correction applied when stamping, set by
	// the time sync service.
	offsetNanos atomic.Int64

	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Registry

	// ctx is the delivery context handed to Receive; cancelled once the
	// hub is fully closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]*subscription
	closed      bool
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(metrics *metric.Registry) Option {
	return func(h *Hub) { h.metrics = metrics }
}

// WithQueueSize overrides the per-observer queue depth.
func WithQueueSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

// WithTags adds instance tags stamped onto every measurement. They take
// precedence over any tag a source or measurement sets.
func WithTags(tags map[string]string) Option {
	return func(h *Hub) {
		h.instanceTags = measurement.MergeTags(h.instanceTags, tags, true)
	}
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates a hub. The instance tag set always carries the hub name, the
// hostname, and a fresh run id; WithTags adds to it.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:        name,
		runID:       uuid.NewString(),
		queueSize:   DefaultQueueSize,
		now:         time.Now,
		logger:      slog.Default(),
		subscribers: make(map[string]*subscription),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.instanceTags = map[string]string{
		"cerebro": name,
		"run_id":  h.runID,
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		h.instanceTags["host"] = host
	}

	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub", "hub", name)
	return h
}

// Name returns the hub instance name.
func (h *Hub) Name() string { return h.name }

// RunID returns the identifier minted for this process run.
func (h *Hub) RunID() string { return h.runID }

// Tags returns a copy of the instance tag set.
func (h *Hub) Tags() map[string]string {
	return maps.Clone(h.instanceTags)
}

// SetOffset sets the clock correction added when stamping measurement
// times.
func (h *Hub) SetOffset(offset time.Duration) {
	h.offsetNanos.Store(int64(offset))
}

// Offset returns the current clock correction.
func (h *Hub) Offset() time.Duration {
	return time.Duration(h.offsetNanos.Load())
}

// Publish stamps and fans out one batch. An empty batch is discarded
// without side effects. A measurement without a time gets now() plus the
// clock offset, in nanoseconds; instance tags are merged into every
// measurement and win over existing tags. Publish never blocks: a full
// observer queue drops the batch for that observer.
func (h *Hub) Publish(batch measurement.Batch) {
	if batch.Empty() {
		return
	}
	start := time.Now()

	stamp := h.now().UnixNano() + h.offsetNanos.Load()
	for i := range batch.Measurements {
		m := &batch.Measurements[i]
		if m.Time == 0 {
			m.Time = stamp
		}
		m.Tags = measurement.MergeTags(m.Tags, h.instanceTags, true)
	}

	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- batch:
		default:
			h.logger.Warn("observer queue full, dropping batch",
				"observer", sub.observer.Name(), "measurements", len(batch.Measurements))
			if h.metrics != nil {
				h.metrics.Core.RecordObserverDrop(sub.observer.Name())
			}
		}
	}

	if h.metrics != nil {
		h.metrics.Core.RecordPublish(len(batch.Measurements), time.Since(start))
	}
}

// Subscribe registers an observer and starts its drain goroutine. Each
// observer sees batches in publish order; an error from Receive is logged
// and counted, then delivery continues with the next batch.
func (h *Hub) Subscribe(obs observer.Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.WrapInvalid(errors.ErrObserverClosed,
			"Hub", "Subscribe", "hub state check")
	}
	name := obs.Name()
	if _, exists := h.subscribers[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("observer %q already subscribed", name),
			"Hub", "Subscribe", "duplicate observer check")
	}

	sub := &subscription{
		observer: obs,
		queue:    make(chan measurement.Batch, h.queueSize),
		done:     make(chan struct{}),
	}
	h.subscribers[name] = sub
	go h.drain(sub)
	return nil
}

// drain delivers queued batches to one observer until its queue closes.
func (h *Hub) drain(sub *subscription) {
	defer close(sub.done)
	name := sub.observer.Name()
	for batch := range sub.queue {
		if err := sub.observer.Receive(h.ctx, batch); err != nil {
			h.logger.Error("observer receive failed",
				"observer", name, "error", err)
			if h.metrics != nil {
				h.metrics.Core.RecordObserverError(name)
			}
		}
	}
}

// Unsubscribe detaches an observer: its queue is closed, the in-flight
// delivery finishes, then the observer itself is closed.
func (h *Hub) Unsubscribe(name string) error {
	h.mu.Lock()
	sub, exists := h.subscribers[name]
	if exists {
		delete(h.subscribers, name)
	}
	h.mu.Unlock()

	if !exists {
		return errors.WrapInvalid(
			fmt.Errorf("observer %q not subscribed", name),
			"Hub", "Unsubscribe", "observer lookup")
	}

	close(sub.queue)
	<-sub.done
	if err := sub.observer.Close(); err != nil {
		return errors.Wrap(err, "Hub", "Unsubscribe",
			fmt.Sprintf("observer %q close", name))
	}
	return nil
}

// Observers returns the names of the currently subscribed observers.
func (h *Hub) Observers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.subscribers))
	for name := range h.subscribers {
		names = append(names, name)
	}
	return names
}

// Close drains and closes every observer and rejects further subscriptions.
// Queued batches are delivered before the observers are closed. The first
// close error is returned; the rest are logged.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subscribers
	h.subscribers = make(map[string]*subscription)
	h.mu.Unlock()

	var firstErr error
	for name, sub := range subs {
		close(sub.queue)
		<-sub.done
		if err := sub.observer.Close(); err != nil {
			wrapped := errors.Wrap(err, "Hub", "Close",
				fmt.Sprintf("observer %q close", name))
			if firstErr == nil {
				firstErr = wrapped
			} else {
				h.logger.Error("observer close failed", "observer", name, "error", err)
			}
		}
	}
	h.cancel()
	return firstErr
}
