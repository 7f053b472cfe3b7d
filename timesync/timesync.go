// Package timesync keeps the hub's clock correction current. A Service
// queries a time reference immediately on start and then on an interval,
// pushing the measured offset to the hub. A failed query keeps the last
// good offset.
package timesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
)

// DefaultInterval is the periodic reference query interval.
const DefaultInterval = time.Hour

// Referencer measures the offset between the local clock and a reference,
// positive when local time is behind.
type Referencer interface {
	Query(ctx context.Context, server string) (time.Duration, error)
}

// OffsetTarget receives measured offsets. The hub implements it.
type OffsetTarget interface {
	SetOffset(offset time.Duration)
}

// Service runs the periodic offset measurement.
type Service struct {
	server     string
	interval   time.Duration
	referencer Referencer
	target     OffsetTarget
	logger     *slog.Logger
	metrics    *metric.Registry

	mu      sync.Mutex
	last    time.Duration
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customises a Service.
type Option func(*Service)

// WithInterval overrides the query interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(metrics *metric.Registry) Option {
	return func(s *Service) { s.metrics = metrics }
}

// New creates a service measuring against the given reference server.
func New(server string, referencer Referencer, target OffsetTarget, opts ...Option) *Service {
	s := &Service{
		server:     server,
		interval:   DefaultInterval,
		referencer: referencer,
		target:     target,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "timesync", "server", server)
	return s
}

// Start performs the initial query and launches the periodic loop. A failed
// initial query is logged, not fatal: the service keeps running with the
// zero offset until a query succeeds.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Service", "Start", "timesync state check")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.measure(runCtx)

	go s.run(runCtx)
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.measure(ctx)
		}
	}
}

// measure runs one reference query and applies the result. On failure the
// previous offset stays in force.
func (s *Service) measure(ctx context.Context) {
	offset, err := s.referencer.Query(ctx, s.server)
	if err != nil {
		s.logger.Warn("time reference query failed, keeping last offset",
			"error", err, "last_offset", s.Offset())
		if s.metrics != nil {
			s.metrics.Core.RecordClockFailure()
		}
		return
	}

	s.mu.Lock()
	s.last = offset
	s.mu.Unlock()

	s.target.SetOffset(offset)
	if s.metrics != nil {
		s.metrics.Core.RecordClockOffset(offset)
	}
	s.logger.Info("clock offset updated", "offset", offset)
}

// Offset returns the last successfully measured offset.
func (s *Service) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stop halts the periodic loop. Safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
