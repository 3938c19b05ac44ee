// Package monitoring exposes Prometheus metrics and derives execution
// progress snapshots from persisted step state.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/queue"
)

var _ queue.MetricsSink = (*Metrics)(nil)

// Metrics holds the collectors updated by the queue layer and the pool
// maintenance tick. It implements the queue's MetricsSink.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	deadLetters        *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	activeLocks        prometheus.Gauge
	activeConnections  prometheus.Gauge
}

// NewMetrics builds and registers all collectors on a private registry, so
// tests can construct as many instances as they like without duplicate
// registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execore_executions_started_total",
			Help: "Executions that began running.",
		}, []string{"tenant", "sla_class"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execore_executions_finished_total",
			Help: "Executions that reached a terminal status.",
		}, []string{"tenant", "sla_class", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execore_execution_duration_seconds",
			Help:    "Wall-clock execution duration from claim to terminal status.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"sla_class"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execore_dead_letters_total",
			Help: "Queue items moved to the dead letter queue.",
		}, []string{"tenant"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execore_queue_depth",
			Help: "Queue items by status.",
		}, []string{"status"}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execore_active_asset_locks",
			Help: "Currently held asset locks.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execore_websocket_connections",
			Help: "Open WebSocket connections on this pod.",
		}),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.deadLetters,
		m.queueDepth,
		m.activeLocks,
		m.activeConnections,
	)
	return m
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionStarted counts a claim transitioning to running.
func (m *Metrics) ExecutionStarted(tenantID string, sla models.SLAClass) {
	m.executionsStarted.WithLabelValues(tenantID, string(sla)).Inc()
}

// ExecutionFinished counts a terminal transition and observes its duration.
func (m *Metrics) ExecutionFinished(tenantID string, sla models.SLAClass, status models.ExecutionStatus, duration time.Duration) {
	m.executionsFinished.WithLabelValues(tenantID, string(sla), string(status)).Inc()
	m.executionDuration.WithLabelValues(string(sla)).Observe(duration.Seconds())
}

// DeadLettered counts a move to the dead letter queue.
func (m *Metrics) DeadLettered(tenantID string) {
	m.deadLetters.WithLabelValues(tenantID).Inc()
}

// ObserveQueueDepth records the per-status queue depth snapshot.
func (m *Metrics) ObserveQueueDepth(stats *models.QueueStats) {
	if stats == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	m.queueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	m.queueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	m.queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
	m.queueDepth.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
}

// SetActiveLocks records the held-lock gauge from the reaper tick.
func (m *Metrics) SetActiveLocks(n int) {
	m.activeLocks.Set(float64(n))
}

// SetActiveConnections records the WebSocket connection gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}
