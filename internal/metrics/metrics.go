// Package metrics provides Prometheus metrics for the page manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pagestore.
type Metrics struct {
	// Commit/rollback metrics
	CommitsTotal        *prometheus.CounterVec
	CommitDuration      *prometheus.HistogramVec
	RollbacksTotal       prometheus.Counter

	// Allocator metrics
	AllocateTotal     prometheus.Counter
	AllocateFailures  prometheus.Counter
	FreeTotal         prometheus.Counter
	FreePages         prometheus.Gauge
	OpenDirtyPages    prometheus.Gauge

	// Process metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_commits_total",
			Help: "Total number of commits, labeled by kind (durable|non_durable) and status",
		},
		[]string{"kind", "status"},
	)

	m.CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_commit_duration_seconds",
			Help:    "Duration of commit operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"kind"},
	)

	m.RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_rollbacks_total",
			Help: "Total number of rollback_uncommitted_writes calls",
		},
	)

	m.AllocateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_allocate_total",
			Help: "Total number of successful page allocations",
		},
	)

	m.AllocateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_allocate_failures_total",
			Help: "Total number of allocations that failed with ErrAllocatorFull",
		},
	)

	m.FreeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_free_total",
			Help: "Total number of pages freed (Free + FreeIfUncommitted)",
		},
	)

	m.FreePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_free_pages",
			Help: "Free pages last observed via CountFreePages",
		},
	)

	m.OpenDirtyPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_open_dirty_pages",
			Help: "Number of PageMut handles outstanding as of the last GetPageMut or Allocate; releasing a handle does not update it",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the process uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordCommit records a commit of the given kind ("durable" or
// "non_durable") with its outcome and duration.
func (m *Metrics) RecordCommit(kind string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CommitsTotal.WithLabelValues(kind, status).Inc()
	m.CommitDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
