package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible collection for orchestration
// monitoring. All metrics are namespaced with "taskflow":
//
//  1. inflight_tasks (gauge): tasks executing concurrently.
//  2. queue_depth (gauge): ready tasks waiting in the scheduler queue.
//  3. task_latency_ms (histogram): task execution duration, labeled by
//     workflow_id, task_type, status. Buckets 1ms-10s.
//  4. retries_total (counter): retry attempts, labeled by workflow_id,
//     task_type, category.
//  5. version_conflicts_total (counter): optimistic-concurrency write
//     rejections, labeled by workflow_id.
//  6. backpressure_events_total (counter): queue saturation events.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	orch := flow.New(flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe; Prometheus collectors handle their own synchronization.
type Metrics struct {
	inflightTasks prometheus.Gauge
	queueDepth    prometheus.Gauge
	taskLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	backpressure  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all orchestration metrics with the given
// registry (prometheus.DefaultRegisterer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Name:      "inflight_tasks",
		Help:      "Current number of tasks executing concurrently",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Name:      "queue_depth",
		Help:      "Number of ready tasks waiting in the scheduler queue",
	})

	m.taskLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Name:      "task_latency_ms",
		Help:      "Task execution duration in milliseconds (dispatch to completion)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"workflow_id", "task_type", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "retries_total",
		Help:      "Cumulative count of task retry attempts",
	}, []string{"workflow_id", "task_type", "category"})

	m.conflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "version_conflicts_total",
		Help:      "State writes rejected by the optimistic-concurrency version check",
	}, []string{"workflow_id"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "backpressure_events_total",
		Help:      "Queue saturation events where task submission was throttled",
	}, []string{"workflow_id", "reason"})

	return m
}

// RecordTaskLatency observes one task execution duration.
func (m *Metrics) RecordTaskLatency(workflowID, taskType string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.taskLatency.WithLabelValues(workflowID, taskType, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry attempt.
func (m *Metrics) IncrementRetries(workflowID, taskType, category string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(workflowID, taskType, category).Inc()
}

// IncrementVersionConflicts counts one rejected optimistic write.
func (m *Metrics) IncrementVersionConflicts(workflowID string) {
	if !m.isEnabled() {
		return
	}
	m.conflicts.WithLabelValues(workflowID).Inc()
}

// IncrementBackpressure counts one queue saturation event.
func (m *Metrics) IncrementBackpressure(workflowID, reason string) {
	if !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(workflowID, reason).Inc()
}

// UpdateQueueDepth sets the current scheduler queue depth.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// UpdateInflightTasks sets the current concurrent execution count.
func (m *Metrics) UpdateInflightTasks(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightTasks.Set(float64(count))
}

// Disable turns off metric recording, for tests.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable turns metric recording back on.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
