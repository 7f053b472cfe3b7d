package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the hub-level metrics shared by the core components.
// Source- and observer-specific metrics are registered separately through
// the Registry.
type Metrics struct {
	SourceStatus        *prometheus.GaugeVec
	SourceRestarts      *prometheus.CounterVec
	BatchesPublished    prometheus.Counter
	MeasurementsStamped prometheus.Counter
	ObserverErrors      *prometheus.CounterVec
	ObserverDropped     *prometheus.CounterVec
	ClockOffsetSeconds  prometheus.Gauge
	ClockOffsetFailures prometheus.Counter
	ReconnectAttempts   *prometheus.CounterVec
	PublishDuration     prometheus.Histogram
}

// NewMetrics creates the core hub metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cerebro",
				Subsystem: "source",
				Name:      "status",
				Help:      "Source status (0=stopped, 1=starting, 2=running, 3=failed)",
			},
			[]string{"source"},
		),

		SourceRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "source",
				Name:      "restarts_total",
				Help:      "Operator-triggered source restarts",
			},
			[]string{"source"},
		),

		BatchesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "hub",
				Name:      "batches_published_total",
				Help:      "Non-empty batches accepted by the hub",
			},
		),

		MeasurementsStamped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "hub",
				Name:      "measurements_total",
				Help:      "Measurements stamped and fanned out by the hub",
			},
		),

		ObserverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "observer",
				Name:      "errors_total",
				Help:      "Errors returned by observer Receive calls",
			},
			[]string{"observer"},
		),

		ObserverDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "observer",
				Name:      "dropped_total",
				Help:      "Batches dropped because an observer queue was full",
			},
			[]string{"observer"},
		),

		ClockOffsetSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cerebro",
				Subsystem: "timesync",
				Name:      "clock_offset_seconds",
				Help:      "Current offset applied to local time, in seconds",
			},
		),

		ClockOffsetFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "timesync",
				Name:      "query_failures_total",
				Help:      "Failed time reference queries",
			},
		),

		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerebro",
				Subsystem: "reconnect",
				Name:      "attempts_total",
				Help:      "Connection attempts made by reconnecting clients",
			},
			[]string{"source"},
		),

		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cerebro",
				Subsystem: "hub",
				Name:      "publish_duration_seconds",
				Help:      "Time spent stamping and enqueueing one batch",
				Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
			},
		),
	}
}

// RecordSourceStatus updates the per-source status gauge
func (m *Metrics) RecordSourceStatus(source string, status int) {
	m.SourceStatus.WithLabelValues(source).Set(float64(status))
}

// RecordRestart increments the restart counter for a source
func (m *Metrics) RecordRestart(source string) {
	m.SourceRestarts.WithLabelValues(source).Inc()
}

// RecordPublish records one accepted batch and its measurement count
func (m *Metrics) RecordPublish(measurements int, duration time.Duration) {
	m.BatchesPublished.Inc()
	m.MeasurementsStamped.Add(float64(measurements))
	m.PublishDuration.Observe(duration.Seconds())
}

// RecordObserverError increments the error counter for an observer
func (m *Metrics) RecordObserverError(observer string) {
	m.ObserverErrors.WithLabelValues(observer).Inc()
}

// RecordObserverDrop increments the drop counter for an observer
func (m *Metrics) RecordObserverDrop(observer string) {
	m.ObserverDropped.WithLabelValues(observer).Inc()
}

// RecordClockOffset updates the clock offset gauge
func (m *Metrics) RecordClockOffset(offset time.Duration) {
	m.ClockOffsetSeconds.Set(offset.Seconds())
}

// RecordClockFailure increments the failed reference query counter
func (m *Metrics) RecordClockFailure() {
	m.ClockOffsetFailures.Inc()
}

// RecordReconnectAttempt increments the connection attempt counter for a source
func (m *Metrics) RecordReconnectAttempt(source string) {
	m.ReconnectAttempts.WithLabelValues(source).Inc()
}
