// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the engine's Prometheus metrics.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodeDuration      *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	suspensionsTotal  *prometheus.CounterVec
	resumesTotal      *prometheus.CounterVec
	pendingDepth      *prometheus.GaugeVec
}

// NewCollector creates and registers the engine metrics under the given
// namespace using the default registerer.
func NewCollector(namespace string) *Collector {
	c := &Collector{}

	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"graph", "status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Wall time of one graph walk",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"graph"},
	)

	c.nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_node_duration_seconds",
			Help:      "Agent node execution duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"graph", "agent"},
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_retries_total",
			Help:      "Total number of scheduled retries",
		},
		[]string{"kind"},
	)

	c.suspensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_suspensions_total",
			Help:      "Total number of workflow suspensions",
		},
		[]string{"graph"},
	)

	c.resumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_resumes_total",
			Help:      "Total number of resume attempts by outcome",
		},
		[]string{"graph", "outcome"},
	)

	c.pendingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_queue_batch_size",
			Help:      "Items returned by the last queue poll",
		},
		[]string{"queue"},
	)

	return c
}

// RecordExecution records a finished walk.
func (c *Collector) RecordExecution(graph, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(graph, status).Inc()
	c.executionDuration.WithLabelValues(graph).Observe(duration.Seconds())
}

// RecordNode records one agent node visit.
func (c *Collector) RecordNode(graph, agent string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeDuration.WithLabelValues(graph, agent).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry; kind is "execution" or "resume".
func (c *Collector) RecordRetry(kind string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(kind).Inc()
}

// RecordSuspension records a workflow parking at a checkpoint.
func (c *Collector) RecordSuspension(graph string) {
	if c == nil {
		return
	}
	c.suspensionsTotal.WithLabelValues(graph).Inc()
}

// RecordResume records a resume attempt outcome.
func (c *Collector) RecordResume(graph, outcome string) {
	if c == nil {
		return
	}
	c.resumesTotal.WithLabelValues(graph, outcome).Inc()
}

// RecordPoll records the size of the last poll batch; queue is "pending" or
// "suspended".
func (c *Collector) RecordPoll(queue string, n int) {
	if c == nil {
		return
	}
	c.pendingDepth.WithLabelValues(queue).Set(float64(n))
}
