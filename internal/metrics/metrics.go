// Package metrics exposes Prometheus collectors describing one task session.
//
// A task process is short-lived, so nothing scrapes it. Collectors live in a registry owned by
// the session and are written once, at shutdown, in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskrunner"

// Metrics groups the session collectors.
type Metrics struct {
	registry *prometheus.Registry

	outcomes        *prometheus.CounterVec
	ioDuration      *prometheus.HistogramVec
	cleanups        *prometheus.CounterVec
	logDropped      prometheus.Counter
	sessionDuration prometheus.Gauge
	lastCompletion  prometheus.Gauge
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	return MustNewMetrics(prometheus.NewRegistry())
}

// MustNewMetrics registers the session collectors with reg. Registration errors panic, which
// surfaces duplicate registration in tests right away.
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "outcomes_total",
				Help:      "Terminal outcomes recorded by task sessions.",
			},
			[]string{"outcome"},
		),
		ioDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "io_duration_seconds",
				Help:      "Time spent in session reads and writes, including time spent waiting on the orchestrator.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"op", "result"},
		),
		cleanups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_callbacks_total",
				Help:      "Cancellation callbacks run, by result.",
			},
			[]string{"result"},
		),
		logDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_dropped_total",
				Help:      "Log records discarded because the log buffer was full.",
			},
		),
		sessionDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Wall time from session creation to shutdown.",
			},
		),
		lastCompletion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "last_completion_timestamp_seconds",
				Help:      "Unix time at which the session shut down.",
			},
		),
	}

	reg.MustRegister(m.outcomes, m.ioDuration, m.cleanups, m.logDropped, m.sessionDuration, m.lastCompletion)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOutcome counts one terminal outcome.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveIO records one read or write with its result label ("ok" or a failure kind).
func (m *Metrics) ObserveIO(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ioDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

// ObserveCleanup counts one cancellation callback run.
func (m *Metrics) ObserveCleanup(result string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(result).Inc()
}

// AddLogDropped adds n dropped log records.
func (m *Metrics) AddLogDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.logDropped.Add(float64(n))
}

// ObserveSession records the session's wall time and completion time.
func (m *Metrics) ObserveSession(started, finished time.Time) {
	if m == nil {
		return
	}
	m.sessionDuration.Set(finished.Sub(started).Seconds())
	m.lastCompletion.Set(float64(finished.UnixNano()) / 1e9)
}

// WriteTextfile writes every collector to path atomically. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %q: %w", path, err)
	}
	return nil
}
