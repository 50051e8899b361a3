// Package metrics holds the Prometheus collectors for upload runs.
//
// qcsync is a batch tool, so metrics are not served over HTTP. They are
// written to a node-exporter textfile when a run finishes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qcsync"

// Metrics groups the collectors of one process. Each instance owns its own
// registry so tests never touch the global one.
type Metrics struct {
	registry *prometheus.Registry

	// UploadsTotal counts upload attempts by terminal status
	// (committed, noop, dry_run, failed).
	UploadsTotal *prometheus.CounterVec

	// RecordsTotal counts candidate records by outcome (processed, skipped).
	RecordsTotal *prometheus.CounterVec

	FieldChangesTotal prometheus.Counter

	// RemoteCallsTotal counts HTTP attempts by operation and outcome
	// (ok, transient, rejected, error).
	RemoteCallsTotal *prometheus.CounterVec

	RemoteCallDuration *prometheus.HistogramVec

	// StepDuration measures each orchestrator step.
	StepDuration *prometheus.HistogramVec

	LastSuccess prometheus.Gauge
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Upload attempts by terminal status",
			},
			[]string{"status"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Candidate records by outcome",
			},
			[]string{"outcome"},
		),
		FieldChangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "field_changes_total",
				Help:      "Field-level changes detected against the remote store",
			},
		),
		RemoteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "calls_total",
				Help:      "HTTP attempts against the remote record store",
			},
			[]string{"operation", "outcome"},
		),
		RemoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "call_duration_seconds",
				Help:      "Duration of HTTP attempts against the remote record store",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of upload steps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful upload attempt",
			},
		),
	}

	m.registry.MustRegister(
		m.UploadsTotal,
		m.RecordsTotal,
		m.FieldChangesTotal,
		m.RemoteCallsTotal,
		m.RemoteCallDuration,
		m.StepDuration,
		m.LastSuccess,
	)
	return m
}

// Registry exposes the registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRemoteCall implements redcap.Observer.
func (m *Metrics) ObserveRemoteCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.RemoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveStep records how long an orchestrator step took.
func (m *Metrics) ObserveStep(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// ObserveUpload records the outcome of one upload attempt.
func (m *Metrics) ObserveUpload(status string, processed, skipped, changes int, at time.Time) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
	m.RecordsTotal.WithLabelValues("processed").Add(float64(processed))
	m.RecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.FieldChangesTotal.Add(float64(changes))
	if status != "failed" {
		m.LastSuccess.Set(float64(at.Unix()))
	}
}

// WriteToTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
