// ============================================================================
// taskd Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose task lifecycle metrics for Prometheus.
//
// Metric Categories:
//
//   1. Task Counters - Cumulative, monotonically increasing:
//      - tasks_added_total
//      - tasks_succeeded_total
//      - tasks_errored_total
//      - tasks_excepted_total
//      - tasks_stopped_total
//
//   2. Performance Metrics (Histogram):
//      - task_duration_seconds: wall time from acquisition to terminal state
//
//   3. Status Metrics (Gauge):
//      - tasks_active: number of tasks currently owned by this worker
//      - coordinator_up: 0/1, toggled by the supervisor's down/recovery
//        transitions
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Format: Prometheus text.
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the task engine. Satisfies
// internal/engine.Metrics by method set alone -- no import of engine is
// needed in either direction.
type Collector struct {
	tasksAdded     prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksErrored   prometheus.Counter
	tasksExcepted  prometheus.Counter
	tasksStopped   prometheus.Counter

	taskDuration prometheus.Histogram

	tasksActive   prometheus.Gauge
	coordinatorUp prometheus.Gauge
}

// NewCollector builds and registers a Collector against reg. A nil reg
// registers against the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_added_total",
			Help: "Total number of tasks acquired by this worker",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_succeeded_total",
			Help: "Total number of tasks that reached SUCCESS",
		}),
		tasksErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_errored_total",
			Help: "Total number of tasks that reached ERROR",
		}),
		tasksExcepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_excepted_total",
			Help: "Total number of tasks that reached EXCEPTION",
		}),
		tasksStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_stopped_total",
			Help: "Total number of tasks stopped via control message or shutdown",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task wall time from acquisition to terminal state",
			Buckets: prometheus.DefBuckets,
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasks_active",
			Help: "Current number of tasks owned by this worker",
		}),
		coordinatorUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_up",
			Help: "1 if the coordinator is currently reachable, 0 during recovery",
		}),
	}

	reg.MustRegister(
		c.tasksAdded, c.tasksSucceeded, c.tasksErrored, c.tasksExcepted, c.tasksStopped,
		c.taskDuration, c.tasksActive, c.coordinatorUp,
	)
	return c
}

func (c *Collector) TaskAdded() { c.tasksAdded.Inc() }

func (c *Collector) TaskSucceeded(d time.Duration) {
	c.tasksSucceeded.Inc()
	c.taskDuration.Observe(d.Seconds())
}

func (c *Collector) TaskErrored(d time.Duration) {
	c.tasksErrored.Inc()
	c.taskDuration.Observe(d.Seconds())
}

func (c *Collector) TaskExcepted(d time.Duration) {
	c.tasksExcepted.Inc()
	c.taskDuration.Observe(d.Seconds())
}

func (c *Collector) TaskStopped() { c.tasksStopped.Inc() }

func (c *Collector) SetActive(n int) { c.tasksActive.Set(float64(n)) }

func (c *Collector) SetCoordinatorUp(up bool) {
	if up {
		c.coordinatorUp.Set(1)
	} else {
		c.coordinatorUp.Set(0)
	}
}

// StartServer starts the Prometheus metrics HTTP server on port, blocking
// until it exits.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
