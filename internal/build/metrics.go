// Package build runs asset tasks: it composes them into parallel and
// sequential stages, cleans the build directory, and records the outcome of
// every task run in logs, in-memory counters and Prometheus metrics.
package build

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildMetrics tracks task run totals.
type BuildMetrics struct {
	TotalRuns       int64
	SuccessfulRuns  int64
	FailedRuns      int64
	FilesWritten    int64
	FilesSkipped    int64
	AverageDuration time.Duration
	TotalDuration   time.Duration
	mutex           sync.RWMutex
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordRun records a task result in the metrics
func (bm *BuildMetrics) RecordRun(result Result) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalRuns++
	bm.TotalDuration += result.Duration
	bm.FilesWritten += int64(len(result.Written))
	bm.FilesSkipped += int64(result.Skipped)

	if result.Error != nil {
		bm.FailedRuns++
	} else {
		bm.SuccessfulRuns++
	}

	if bm.TotalRuns > 0 {
		bm.AverageDuration = bm.TotalDuration / time.Duration(bm.TotalRuns)
	}
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() BuildMetrics {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	return BuildMetrics{
		TotalRuns:       bm.TotalRuns,
		SuccessfulRuns:  bm.SuccessfulRuns,
		FailedRuns:      bm.FailedRuns,
		FilesWritten:    bm.FilesWritten,
		FilesSkipped:    bm.FilesSkipped,
		AverageDuration: bm.AverageDuration,
		TotalDuration:   bm.TotalDuration,
	}
}

// Reset resets all metrics
func (bm *BuildMetrics) Reset() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalRuns = 0
	bm.SuccessfulRuns = 0
	bm.FailedRuns = 0
	bm.FilesWritten = 0
	bm.FilesSkipped = 0
	bm.AverageDuration = 0
	bm.TotalDuration = 0
}

// GetSuccessRate returns the success rate as a percentage
func (bm *BuildMetrics) GetSuccessRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.TotalRuns == 0 {
		return 0.0
	}

	return float64(bm.SuccessfulRuns) / float64(bm.TotalRuns) * 100.0
}

// Metrics exports task activity to Prometheus on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	files    *prometheus.CounterVec
	reloads  *prometheus.CounterVec
	totals   *BuildMetrics
}

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "task_runs_total",
			Help:      "Task runs by task and outcome.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Name:      "task_duration_seconds",
			Help:      "Task run duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "files_written_total",
			Help:      "Output files written by task.",
		}, []string{"task"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "reload_notifications_total",
			Help:      "Live reload notifications sent to browsers, by kind.",
		}, []string{"kind"}),
		totals: NewBuildMetrics(),
	}

	m.registry.MustRegister(m.runs, m.duration, m.files, m.reloads)

	return m
}

// Registry returns the registry holding kiln's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Totals returns the in-memory run counters.
func (m *Metrics) Totals() *BuildMetrics {
	return m.totals
}

// Observe records one task result.
func (m *Metrics) Observe(result Result) {
	status := "success"
	if result.Error != nil {
		status = "failure"
	}

	m.runs.WithLabelValues(result.Task, status).Inc()
	m.duration.WithLabelValues(result.Task).Observe(result.Duration.Seconds())
	m.files.WithLabelValues(result.Task).Add(float64(len(result.Written)))
	m.totals.RecordRun(result)
}

// ObserveReload counts one reload notification of the given kind.
func (m *Metrics) ObserveReload(kind string) {
	m.reloads.WithLabelValues(kind).Inc()
}
