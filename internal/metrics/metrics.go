// ============================================================================
// Delegate Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose agent runtime metrics for Prometheus
//
// Metric families:
//
//   1. Tasks (Counter / Histogram / Gauge):
//      - delegate_tasks_acquired_total: acquisitions this agent won
//      - delegate_tasks_lost_race_total: notifications another agent won
//      - delegate_tasks_completed_total{status}: results reported, by status
//      - delegate_task_delivery_failures_total: results the manager did not accept
//      - delegate_task_duration_seconds: execution time
//      - delegate_tasks_running: RunningTaskCount
//
//   2. Manager link:
//      - delegate_heartbeats_total{outcome}: ok | error
//      - delegate_stream_reconnects_total: stream reopened after an error
//
//   3. Upgrade / lifecycle:
//      - delegate_upgrade_attempts_total{outcome}: upgraded | aborted | restarted | failed
//      - delegate_lifecycle_state: 0 running, 1 pause, 2 paused, 3 stop
//
// Example queries:
//
//   # share of notifications lost to sibling agents
//   rate(delegate_tasks_lost_race_total[5m]) /
//     (rate(delegate_tasks_acquired_total[5m]) + rate(delegate_tasks_lost_race_total[5m]))
//
//   # agents stuck draining
//   delegate_lifecycle_state == 1
//
// All Record* methods are safe on a nil *Collector so components can run without
// instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upgrade attempt outcomes
const (
	UpgradeUpgraded  = "upgraded"
	UpgradeAborted   = "aborted"
	UpgradeRestarted = "restarted"
	UpgradeFailed    = "failed"
)

// Collector holds the agent metrics
type Collector struct {
	registry *prometheus.Registry

	tasksAcquired    prometheus.Counter
	tasksLostRace    prometheus.Counter
	tasksCompleted   *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	taskDuration     prometheus.Histogram
	tasksRunning     prometheus.Gauge

	heartbeats *prometheus.CounterVec
	reconnects prometheus.Counter

	upgradeAttempts *prometheus.CounterVec
	lifecycleState  prometheus.Gauge
}

// NewCollector registers the agent metrics on reg. A nil reg gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		tasksAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_tasks_acquired_total",
			Help: "Total number of tasks acquired by this agent",
		}),
		tasksLostRace: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_tasks_lost_race_total",
			Help: "Total number of task notifications acquired by another agent",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegate_tasks_completed_total",
			Help: "Total number of task results produced, by status",
		}, []string{"status"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_task_delivery_failures_total",
			Help: "Total number of task results that could not be delivered",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "delegate_task_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delegate_tasks_running",
			Help: "Current number of acquired tasks without a delivered result",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegate_heartbeats_total",
			Help: "Total number of heartbeats sent, by outcome",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_stream_reconnects_total",
			Help: "Total number of times the task stream was reopened",
		}),
		upgradeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegate_upgrade_attempts_total",
			Help: "Total number of upgrade or restart attempts, by outcome",
		}, []string{"outcome"}),
		lifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delegate_lifecycle_state",
			Help: "Lifecycle state: 0 running, 1 pause, 2 paused, 3 stop",
		}),
	}

	reg.MustRegister(
		c.tasksAcquired,
		c.tasksLostRace,
		c.tasksCompleted,
		c.deliveryFailures,
		c.taskDuration,
		c.tasksRunning,
		c.heartbeats,
		c.reconnects,
		c.upgradeAttempts,
		c.lifecycleState,
	)

	return c
}

// Registry returns the registry the collector is registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordAcquired records a won acquisition
func (c *Collector) RecordAcquired() {
	if c == nil {
		return
	}
	c.tasksAcquired.Inc()
}

// RecordLostRace records an empty acquisition
func (c *Collector) RecordLostRace() {
	if c == nil {
		return
	}
	c.tasksLostRace.Inc()
}

// RecordCompleted records a produced result and its execution time
func (c *Collector) RecordCompleted(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(status).Inc()
	c.taskDuration.Observe(duration.Seconds())
}

// RecordDeliveryFailed records a result the manager did not accept
func (c *Collector) RecordDeliveryFailed() {
	if c == nil {
		return
	}
	c.deliveryFailures.Inc()
}

// SetRunningTasks publishes RunningTaskCount
func (c *Collector) SetRunningTasks(n int64) {
	if c == nil {
		return
	}
	c.tasksRunning.Set(float64(n))
}

// RecordHeartbeat records a heartbeat attempt
func (c *Collector) RecordHeartbeat(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.heartbeats.WithLabelValues(outcome).Inc()
}

// RecordReconnect records a reopened stream
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// RecordUpgrade records the outcome of an upgrade or restart attempt
func (c *Collector) RecordUpgrade(outcome string) {
	if c == nil {
		return
	}
	c.upgradeAttempts.WithLabelValues(outcome).Inc()
}

// SetLifecycleState publishes the numeric lifecycle state
func (c *Collector) SetLifecycleState(state int) {
	if c == nil {
		return
	}
	c.lifecycleState.Set(float64(state))
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled
//
// Parameters:
//   - ctx: server lifetime
//   - port: HTTP port
//   - handler: metrics handler, usually Collector.Handler()
//
// Returns:
//   - error: listen failure; nil after a clean shutdown
func StartServer(ctx context.Context, port int, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
