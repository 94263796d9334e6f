// Package metrics collects sync and subprocess metrics and writes them as a
// node-exporter textfile.
//
// The registry is private to the process; nothing is served over HTTP.
// After a run the CLI calls WriteTextfile so a textfile collector can pick
// the values up.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the lbsync collectors.
type Metrics struct {
	registry *prometheus.Registry

	// SyncRuns counts sync runs.
	// Labels: result (success|failure)
	SyncRuns *prometheus.CounterVec

	// SyncDuration measures a whole fetch, patch and publish run in seconds.
	SyncDuration prometheus.Histogram

	// ProcessRuns counts subprocess runs.
	// Labels: command, outcome (success|exit|timeout|launch|canceled)
	ProcessRuns *prometheus.CounterVec

	// ProcessDuration measures subprocess wall time in seconds.
	// Labels: command
	ProcessDuration *prometheus.HistogramVec

	// LastSuccess is the unix time of the last successful sync.
	LastSuccess prometheus.Gauge

	now func() time.Time
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lbsync_sync_runs_total",
				Help: "Total number of sync runs by result",
			},
			[]string{"result"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lbsync_sync_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		ProcessRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lbsync_process_runs_total",
				Help: "Total number of subprocess runs by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lbsync_process_duration_seconds",
				Help:    "Duration of subprocess runs in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"command"},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lbsync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful sync run",
			},
		),
		now: time.Now,
	}
	m.registry.MustRegister(m.SyncRuns, m.SyncDuration, m.ProcessRuns, m.ProcessDuration, m.LastSuccess)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveProcess records one subprocess run.
func (m *Metrics) ObserveProcess(command, outcome string, d time.Duration) {
	m.ProcessRuns.WithLabelValues(command, outcome).Inc()
	m.ProcessDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ObserveSync records one sync run.
func (m *Metrics) ObserveSync(result string, d time.Duration) {
	m.SyncRuns.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(d.Seconds())
	if result == ResultSuccess {
		m.LastSuccess.Set(float64(m.now().Unix()))
	}
}

// WriteTextfile writes all collected metrics to path in the text exposition
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return fmt.Errorf("metrics textfile path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
