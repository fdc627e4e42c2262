// Package metrics collects per-run measurement statistics and writes them as
// a Prometheus textfile for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"energybench/internal/version"
)

const namespace = "energy_bench"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Metrics owns a private registry so a run's textfile only carries its own
// series.
type Metrics struct {
	registry     *prometheus.Registry
	measurements *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	builds       *prometheus.CounterVec
	issues       *prometheus.CounterVec
	lastRun      prometheus.Gauge
	buildInfo    *prometheus.GaugeVec
}

// New creates and registers the run metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Measured test invocations by outcome",
		}, []string{"implementation", "scenario", "mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "measurement_duration_seconds",
			Help:      "Wall time of a measured test including verification",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"implementation", "mode"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Scenario builds by outcome",
		}, []string{"implementation", "outcome"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_total",
			Help:      "Recorded issues by severity",
		}, []string{"severity"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run ended",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Version of the energy-bench binary that wrote the run",
		}, []string{"version", "commit"}),
	}
	m.registry.MustRegister(m.measurements, m.duration, m.builds, m.issues, m.lastRun, m.buildInfo)

	info, _ := version.Get()
	m.buildInfo.WithLabelValues(info.Release(), info.ShortCommit()).Set(1)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveMeasurement records one measured test.
func (m *Metrics) ObserveMeasurement(implementation, scenario, mode, outcome string, elapsed time.Duration) {
	m.measurements.WithLabelValues(implementation, scenario, mode, outcome).Inc()
	m.duration.WithLabelValues(implementation, mode).Observe(elapsed.Seconds())
}

// ObserveBuild records one build attempt.
func (m *Metrics) ObserveBuild(implementation, outcome string) {
	m.builds.WithLabelValues(implementation, outcome).Inc()
}

// ObserveIssue records an error (fatal) or a warning.
func (m *Metrics) ObserveIssue(fatal bool) {
	severity := "warning"
	if fatal {
		severity = "error"
	}
	m.issues.WithLabelValues(severity).Inc()
}

// WriteTextfile stamps the end time and writes the registry to path
// atomically.
func (m *Metrics) WriteTextfile(path string, end time.Time) error {
	m.lastRun.Set(float64(end.Unix()))
	return prometheus.WriteToTextfile(path, m.registry)
}
