// Package metrics records the outcome of a dmesg-check run as Prometheus
// metrics, written in node-exporter textfile format after the run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// Metrics contains the Prometheus metrics for one run.
type Metrics struct {
	registry *prometheus.Registry

	LinesScanned       prometheus.Counter
	MatchesTotal       *prometheus.CounterVec
	SuppressedFailures prometheus.Counter
	TracesTotal        prometheus.Counter
	Verdict            *prometheus.GaugeVec
	UploadBytesTotal   *prometheus.CounterVec
	UploadErrorsTotal  *prometheus.CounterVec
	RunDuration        prometheus.Gauge
	LastRunTimestamp   prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with a private registry.
func NewMetrics(namespace string, constLabels prometheus.Labels) (*Metrics, error) {
	if namespace == "" {
		namespace = types.DefaultMetricsNamespace
	}

	labels := make(prometheus.Labels)
	for k, v := range constLabels {
		labels[k] = v
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		LinesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "lines_scanned_total",
			Help:        "Kernel log lines scanned",
			ConstLabels: labels,
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "matches_total",
			Help:        "Kernel log lines matched, by pattern channel",
			ConstLabels: labels,
		}, []string{"channel"}),
		SuppressedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "suppressed_failures_total",
			Help:        "Lines matching a failure pattern that were excused as false positives",
			ConstLabels: labels,
		}),
		TracesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "traces_total",
			Help:        "Kernel trace blocks found",
			ConstLabels: labels,
		}),
		Verdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "verdict",
			Help:        "1 for the verdict of the last run, 0 otherwise",
			ConstLabels: labels,
		}, []string{"verdict"}),
		UploadBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "upload_bytes_total",
			Help:        "Artifact bytes handed to the collector, by artifact",
			ConstLabels: labels,
		}, []string{"artifact"}),
		UploadErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "upload_errors_total",
			Help:        "Failed collector operations, by artifact or \"result\"",
			ConstLabels: labels,
		}, []string{"artifact"}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_duration_seconds",
			Help:        "Duration of the last run in seconds",
			ConstLabels: labels,
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run finished",
			ConstLabels: labels,
		}),
	}

	if err := m.register(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromConfig returns nil when metrics are disabled.
func FromConfig(cfg types.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return NewMetrics(cfg.Namespace, prometheus.Labels(cfg.Labels))
}

func (m *Metrics) register() error {
	collectors := []prometheus.Collector{
		m.LinesScanned,
		m.MatchesTotal,
		m.SuppressedFailures,
		m.TracesTotal,
		m.Verdict,
		m.UploadBytesTotal,
		m.UploadErrorsTotal,
		m.RunDuration,
		m.LastRunTimestamp,
	}
	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetVerdict marks verdict as the current one among known.
func (m *Metrics) SetVerdict(verdict string, known ...string) {
	for _, k := range known {
		m.Verdict.WithLabelValues(k).Set(0)
	}
	m.Verdict.WithLabelValues(verdict).Set(1)
}

// ObserveRun records the run duration and completion time.
func (m *Metrics) ObserveRun(start, end time.Time) {
	m.RunDuration.Set(end.Sub(start).Seconds())
	m.LastRunTimestamp.Set(float64(end.Unix()))
}

// WriteTextfile writes the registry to path atomically, creating its
// directory if needed.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
