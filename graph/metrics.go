package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects run metrics for Prometheus.
//
// Metrics exposed (all namespaced with "workflow_"):
//
//  1. inflight_executors (gauge): handler invocations currently running,
//     summed over all runs.
//  2. pending_messages (gauge): messages queued for the next superstep,
//     summed over all runs.
//  3. outstanding_requests (gauge): external requests awaiting a response.
//  4. executor_latency_ms (histogram): handler duration. Labels: executor_id,
//     status (success, error, timeout, unhandled).
//  5. supersteps_total (counter): completed supersteps. Label: status
//     (ok, fault).
//  6. executor_faults_total (counter): handler faults. Labels: executor_id,
//     reason (error, panic, timeout).
//  7. checkpoints_total (counter): checkpoint operations. Label: operation
//     (save, restore, resume).
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflight    prometheus.Gauge
	pending     prometheus.Gauge
	outstanding prometheus.Gauge

	latency *prometheus.HistogramVec

	supersteps  *prometheus.CounterVec
	faults      *prometheus.CounterVec
	checkpoints *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the metrics with registry, or with the
// default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "inflight_executors",
			Help:      "Handler invocations currently executing",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "pending_messages",
			Help:      "Messages queued for the next superstep",
		}),
		outstanding: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "outstanding_requests",
			Help:      "External requests awaiting a response",
		}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow",
			Name:      "executor_latency_ms",
			Help:      "Handler execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"executor_id", "status"}),
		supersteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "supersteps_total",
			Help:      "Completed supersteps",
		}, []string{"status"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "executor_faults_total",
			Help:      "Handler faults that failed a run",
		}, []string{"executor_id", "reason"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations",
		}, []string{"operation"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordExecutorLatency observes one handler invocation.
func (pm *PrometheusMetrics) RecordExecutorLatency(executorID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.latency.WithLabelValues(executorID, status).Observe(float64(latency.Milliseconds()))
}

// AddInflight adjusts the in-flight invocation gauge.
func (pm *PrometheusMetrics) AddInflight(delta int) {
	if !pm.on() {
		return
	}
	pm.inflight.Add(float64(delta))
}

// AddPending adjusts the pending message gauge.
func (pm *PrometheusMetrics) AddPending(delta int) {
	if !pm.on() {
		return
	}
	pm.pending.Add(float64(delta))
}

// AddOutstanding adjusts the outstanding request gauge.
func (pm *PrometheusMetrics) AddOutstanding(delta int) {
	if !pm.on() {
		return
	}
	pm.outstanding.Add(float64(delta))
}

// IncrementSupersteps counts a completed superstep.
func (pm *PrometheusMetrics) IncrementSupersteps(status string) {
	if !pm.on() {
		return
	}
	pm.supersteps.WithLabelValues(status).Inc()
}

// IncrementFaults counts a handler fault.
func (pm *PrometheusMetrics) IncrementFaults(executorID, reason string) {
	if !pm.on() {
		return
	}
	pm.faults.WithLabelValues(executorID, reason).Inc()
}

// IncrementCheckpoints counts a checkpoint operation.
func (pm *PrometheusMetrics) IncrementCheckpoints(operation string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(operation).Inc()
}

// Disable stops metric collection until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric collection.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflight.Set(0)
	pm.pending.Set(0)
	pm.outstanding.Set(0)
}
