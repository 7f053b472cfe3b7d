// Package metric manages Prometheus metrics for the cerebro hub and its
// sources and observers. A Registry wraps a private prometheus.Registry so
// multiple hub instances can coexist in tests without collector collisions.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sdss/cerebro/errors"
)

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with the core hub metrics
// registered and Go runtime collectors attached.
func NewRegistry() *Registry {
	promRegistry := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: promRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	r.Core = NewMetrics()
	promRegistry.MustRegister(
		r.Core.SourceStatus,
		r.Core.SourceRestarts,
		r.Core.BatchesPublished,
		r.Core.MeasurementsStamped,
		r.Core.ObserverErrors,
		r.Core.ObserverDropped,
		r.Core.ClockOffsetSeconds,
		r.Core.ClockOffsetFailures,
		r.Core.ReconnectAttempts,
		r.Core.PublishDuration,
	)

	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// register adds a collector under owner.name, rejecting duplicates.
func (r *Registry) register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"Registry", "register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "register",
			"prometheus registration")
	}

	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a named owner
func (r *Registry) RegisterCounter(owner, name string, counter prometheus.Counter) error {
	return r.register(owner, name, counter)
}

// RegisterGauge registers a gauge metric for a named owner
func (r *Registry) RegisterGauge(owner, name string, gauge prometheus.Gauge) error {
	return r.register(owner, name, gauge)
}

// RegisterHistogram registers a histogram metric for a named owner
func (r *Registry) RegisterHistogram(owner, name string, histogram prometheus.Histogram) error {
	return r.register(owner, name, histogram)
}

// RegisterCounterVec registers a counter vector metric for a named owner
func (r *Registry) RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error {
	return r.register(owner, name, vec)
}

// RegisterGaugeVec registers a gauge vector metric for a named owner
func (r *Registry) RegisterGaugeVec(owner, name string, vec *prometheus.GaugeVec) error {
	return r.register(owner, name, vec)
}

// Unregister removes a previously registered metric. Returns true if the
// metric existed.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	r.prometheusRegistry.Unregister(c)
	delete(r.registeredMetrics, key)
	return true
}
