// Package service assembles a running cerebro instance from a parsed
// configuration: the hub, the source supervisor, the configured observers,
// clock synchronisation, the control socket and the metrics endpoint.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/health"
	"github.com/sdss/cerebro/hub"
	"github.com/sdss/cerebro/kindregistry"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/observer"
	"github.com/sdss/cerebro/source"
	"github.com/sdss/cerebro/supervisor"
	"github.com/sdss/cerebro/timesync"
)

// Runtime is one assembled cerebro instance. Construct with New, drive
// with Start and Stop. Runtime implements control.Controller so the unix
// socket can query and restart sources.
type Runtime struct {
	cfg     *config.Config
	profile string
	only    map[string]bool // non-nil restricts which sources start
	logger  *slog.Logger

	sourceKinds   *source.Registry
	observerKinds *observer.Registry
	referencer    timesync.Referencer

	metrics       *metric.Registry
	monitor       *health.Monitor
	hub           *hub.Hub
	supervisor    *supervisor.Supervisor
	clock         *timesync.Service
	controlServer *control.Server
	metricsServer *metric.Server

	mu      sync.Mutex
	started bool
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithProfile selects a configuration profile. The empty profile selects
// every declared source and observer.
func WithProfile(profile string) Option {
	return func(r *Runtime) { r.profile = profile }
}

// WithSources restricts startup to the named sources. Used by the command
// line to bring up a subset for debugging.
func WithSources(names []string) Option {
	return func(r *Runtime) {
		if len(names) == 0 {
			return
		}
		r.only = make(map[string]bool, len(names))
		for _, name := range names {
			r.only[name] = true
		}
	}
}

// WithRegistries replaces the built-in kind registries.
func WithRegistries(sources *source.Registry, observers *observer.Registry) Option {
	return func(r *Runtime) {
		r.sourceKinds = sources
		r.observerKinds = observers
	}
}

// WithReferencer replaces the NTP clock reference.
func WithReferencer(ref timesync.Referencer) Option {
	return func(r *Runtime) { r.referencer = ref }
}

// New builds a runtime for a configuration. Nothing is connected until
// Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "New", "configuration")
	}

	r := &Runtime{
		cfg:        cfg,
		logger:     slog.Default(),
		referencer: timesync.NewNTPReferencer(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sourceKinds == nil || r.observerKinds == nil {
		sources, observers, err := kindregistry.Registries()
		if err != nil {
			return nil, errors.Wrap(err, "Runtime", "New", "kind registration")
		}
		r.sourceKinds = sources
		r.observerKinds = observers
	}

	// Fail on an unknown profile before any I/O happens.
	if _, _, err := cfg.Resolve(r.profile); err != nil {
		return nil, err
	}
	return r, nil
}

// Hub exposes the measurement hub, mainly for embedders and tests.
func (r *Runtime) Hub() *hub.Hub { return r.hub }

// Monitor exposes per-source health.
func (r *Runtime) Monitor() *health.Monitor { return r.monitor }

// Start brings the whole instance up: observers first so no measurement is
// dropped, then the clock, control and metrics services, and finally the
// sources, whose supervised starts run as independent tasks. A source that
// fails to start is left registered in a failed state so the control socket
// can restart it later; an invalid declaration is fatal.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runtime", "Start", "state check")
	}
	r.started = true
	r.mu.Unlock()

	cfg := r.cfg
	sourceDecls, observerDecls, err := cfg.Resolve(r.profile)
	if err != nil {
		return err
	}

	r.metrics = metric.NewRegistry()
	r.monitor = health.NewMonitor()
	hubOpts := []hub.Option{
		hub.WithLogger(r.logger),
		hub.WithMetrics(r.metrics),
		hub.WithTags(cfg.Tags),
	}
	if cfg.QueueSize > 0 {
		hubOpts = append(hubOpts, hub.WithQueueSize(cfg.QueueSize))
	}
	r.hub = hub.New(cfg.Name, hubOpts...)
	r.supervisor = supervisor.New(r.monitor,
		supervisor.WithStartTimeout(cfg.StartTimeout.Std()),
		supervisor.WithLogger(r.logger),
		supervisor.WithMetrics(r.metrics),
	)

	for name, decl := range observerDecls {
		obs, err := r.observerKinds.Create(decl.Type, name, decl.Params, observer.Dependencies{
			Logger:  r.logger,
			Metrics: r.metrics,
		})
		if err != nil {
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start",
				fmt.Sprintf("observer %q construction", name))
		}
		if err := r.hub.Subscribe(obs); err != nil {
			_ = obs.Close()
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start",
				fmt.Sprintf("observer %q subscription", name))
		}
	}

	if cfg.NTPServer != "" {
		r.clock = timesync.New(cfg.NTPServer, r.referencer, r.hub,
			timesync.WithLogger(r.logger),
			timesync.WithMetrics(r.metrics),
		)
		if err := r.clock.Start(ctx); err != nil {
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start", "clock synchronisation")
		}
	}

	// The operator surfaces come up before any source so status queries
	// answer while slow instruments are still connecting.
	if cfg.ControlSocket != "" {
		r.controlServer = control.NewServer(cfg.ControlSocket, r, r.logger)
		if err := r.controlServer.Start(ctx); err != nil {
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start", "control socket")
		}
	}

	if cfg.MetricsPort > 0 {
		r.metricsServer = metric.NewServer(cfg.MetricsPort, "/metrics", r.metrics)
		if err := r.metricsServer.Start(); err != nil {
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start", "metrics endpoint")
		}
	}

	deps := source.Dependencies{
		Emitter: r.hub,
		Logger:  r.logger,
		Metrics: r.metrics,
	}
	for name, decl := range sourceDecls {
		if r.only != nil && !r.only[name] {
			continue
		}
		src, err := r.sourceKinds.Create(decl.Type, name, decl.Params, deps)
		if err != nil {
			r.teardown()
			return errors.Wrap(err, "Runtime", "Start",
				fmt.Sprintf("source %q construction", name))
		}
		if err := r.supervisor.Add(ctx, src); err != nil {
			r.logger.Error("source registration failed", "source", name, "error", err)
		}
	}

	r.logger.Info("cerebro running",
		"name", cfg.Name,
		"run_id", r.hub.RunID(),
		"sources", len(r.supervisor.List()),
		"observers", len(r.hub.Observers()),
	)
	return nil
}

// Stop tears the instance down in reverse order: stop the operator
// surfaces, stop the sources, then close the hub so queued batches drain
// into the observers before they close.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Runtime", "Stop", "state check")
	}
	r.started = false
	r.mu.Unlock()

	return r.teardown()
}

func (r *Runtime) teardown() error {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()

	var firstErr error

	if r.metricsServer != nil {
		if err := r.metricsServer.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.metricsServer = nil
	}
	if r.controlServer != nil {
		r.controlServer.Stop()
		r.controlServer = nil
	}
	if r.clock != nil {
		r.clock.Stop()
		r.clock = nil
	}
	if r.supervisor != nil {
		if err := r.supervisor.StopAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.hub != nil {
		if err := r.hub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status implements control.Controller.
func (r *Runtime) Status() map[string]bool {
	if r.supervisor == nil {
		return map[string]bool{}
	}
	return r.supervisor.List()
}

// Restart implements control.Controller.
func (r *Runtime) Restart(ctx context.Context, name string) error {
	if r.supervisor == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Runtime", "Restart", "state check")
	}
	return r.supervisor.Restart(ctx, name)
}
