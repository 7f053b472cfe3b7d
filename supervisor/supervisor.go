// Package supervisor manages the lifecycle of the configured sources: it
// starts each one under a bounded timeout, tracks running/failed state,
// and serves the restart and stop paths used by the control socket and
// shutdown. At most one instance of a source name is live at a time.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/health"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/source"
)

// DefaultStartTimeout bounds a supervised start unless the source overrides
// it through source.StartTimeouter.
const DefaultStartTimeout = 10 * time.Second

// DefaultStopTimeout bounds how long Remove and StopAll wait for a source's
// Stop before giving up on it.
const DefaultStopTimeout = 10 * time.Second

// Supervisor owns the set of managed sources.
type Supervisor struct {
	startTimeout time.Duration
	stopTimeout  time.Duration
	monitor      *health.Monitor
	logger       *slog.Logger
	metrics      *metric.Registry

	mu      sync.Mutex
	sources map[string]source.Source
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithStartTimeout overrides the default supervised start timeout.
func WithStartTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// WithStopTimeout overrides the default stop timeout.
func WithStopTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.stopTimeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(metrics *metric.Registry) Option {
	return func(s *Supervisor) { s.metrics = metrics }
}

// New creates a supervisor backed by the given health monitor. A nil
// monitor gets a private one.
func New(monitor *health.Monitor, opts ...Option) *Supervisor {
	if monitor == nil {
		monitor = health.NewMonitor()
	}
	s := &Supervisor{
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
		monitor:      monitor,
		logger:       slog.Default(),
		sources:      make(map[string]source.Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Monitor returns the health monitor the supervisor writes to.
func (s *Supervisor) Monitor() *health.Monitor { return s.monitor }

// setState records a state transition on the monitor and the status gauge.
func (s *Supervisor) setState(name string, state health.State, message string) {
	s.monitor.Update(name, state, message)
	if s.metrics != nil {
		s.metrics.Core.RecordSourceStatus(name, int(state))
	}
}

// Add registers a source and spawns its supervised start as an independent
// task, returning as soon as the source is registered. A name already under
// supervision is rejected, whatever state it is in. On start timeout or
// failure the source stays registered in the failed state so Restart can
// retry it; the monitor reports the outcome.
func (s *Supervisor) Add(ctx context.Context, src source.Source) error {
	name := src.Name()

	s.mu.Lock()
	if _, exists := s.sources[name]; exists {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDuplicateSource,
			"Supervisor", "Add", fmt.Sprintf("source %q registration", name))
	}
	s.sources[name] = src
	s.mu.Unlock()

	// Mark starting before Add returns so a status query never sees a
	// registered source with no state.
	s.setState(name, health.StateStarting, "")
	go func() {
		// start records the failure in the monitor and the log.
		_ = s.start(ctx, src)
	}()
	return nil
}

// start runs one supervised start attempt.
func (s *Supervisor) start(ctx context.Context, src source.Source) error {
	name := src.Name()
	timeout := s.startTimeout
	if st, ok := src.(source.StartTimeouter); ok && st.StartTimeout() > 0 {
		timeout = st.StartTimeout()
	}

	s.setState(name, health.StateStarting, "")
	s.logger.Info("starting source", "source", name, "kind", src.Kind(), "timeout", timeout)

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- src.Start(startCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			s.setState(name, health.StateFailed, err.Error())
			s.logger.Error("source failed to start", "source", name, "error", err)
			return errors.Wrap(err, "Supervisor", "start",
				fmt.Sprintf("source %q start", name))
		}
	case <-startCtx.Done():
		// The start attempt keeps the cancelled context; clean up in the
		// background and log whatever it eventually returns.
		go func() {
			if err := <-errCh; err != nil {
				s.logger.Debug("late start result", "source", name, "error", err)
			}
			_ = src.Stop()
		}()
		s.setState(name, health.StateFailed, "start timed out")
		s.logger.Error("source start timed out", "source", name, "timeout", timeout)
		return errors.WrapTransient(errors.ErrStartTimeout,
			"Supervisor", "start", fmt.Sprintf("source %q start", name))
	}

	s.setState(name, health.StateRunning, "")
	s.logger.Info("source running", "source", name)
	return nil
}

// stop runs one bounded stop attempt.
func (s *Supervisor) stop(src source.Source) error {
	name := src.Name()
	errCh := make(chan error, 1)
	go func() { errCh <- src.Stop() }()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Warn("source stop failed", "source", name, "error", err)
			return errors.Wrap(err, "Supervisor", "stop",
				fmt.Sprintf("source %q stop", name))
		}
		return nil
	case <-time.After(s.stopTimeout):
		s.logger.Warn("source stop timed out", "source", name, "timeout", s.stopTimeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout,
			"Supervisor", "stop", fmt.Sprintf("source %q stop", name))
	}
}

// Remove stops a source and forgets it.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	src, exists := s.sources[name]
	if exists {
		delete(s.sources, name)
	}
	s.mu.Unlock()

	if !exists {
		return errors.WrapInvalid(errors.ErrSourceNotFound,
			"Supervisor", "Remove", fmt.Sprintf("source %q lookup", name))
	}

	err := s.stop(src)
	s.monitor.Remove(name)
	if s.metrics != nil {
		s.metrics.Core.RecordSourceStatus(name, int(health.StateStopped))
	}
	return err
}

// Restart stops a source and runs a fresh supervised start. The source
// keeps its registration either way.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.Lock()
	src, exists := s.sources[name]
	s.mu.Unlock()

	if !exists {
		return errors.WrapInvalid(errors.ErrSourceNotFound,
			"Supervisor", "Restart", fmt.Sprintf("source %q lookup", name))
	}

	s.logger.Info("restarting source", "source", name)
	if s.metrics != nil {
		s.metrics.Core.RecordRestart(name)
	}

	if err := s.stop(src); err != nil {
		s.logger.Warn("stop before restart failed", "source", name, "error", err)
	}
	s.setState(name, health.StateStopped, "restarting")

	return s.start(ctx, src)
}

// Get returns a supervised source by name.
func (s *Supervisor) Get(name string) (source.Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, exists := s.sources[name]
	return src, exists
}

// List returns a snapshot of source name → running.
func (s *Supervisor) List() map[string]bool {
	return s.monitor.Running()
}

// StopAll stops every source concurrently and forgets them. The first stop
// error is returned after all sources have been attempted.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	sources := make([]source.Source, 0, len(s.sources))
	for _, src := range s.sources {
		sources = append(sources, src)
	}
	s.sources = make(map[string]source.Source)
	s.mu.Unlock()

	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			err := s.stop(src)
			s.monitor.Remove(src.Name())
			if s.metrics != nil {
				s.metrics.Core.RecordSourceStatus(src.Name(), int(health.StateStopped))
			}
			return err
		})
	}
	return g.Wait()
}
