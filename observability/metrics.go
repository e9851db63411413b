// Package observability provides engine event sinks for Prometheus metrics
// and OpenTelemetry tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/stepflow/execution"
)

// Metrics is an event sink that maintains Prometheus series for executions
// and node runs.
type Metrics struct {
	executionsStarted prometheus.Counter
	executionsEnded   *prometheus.CounterVec
	activeExecutions  prometheus.Gauge
	nodeRuns          *prometheus.CounterVec
	nodeDuration      prometheus.Histogram
	nodeErrors        *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_executions_started_total",
			Help: "Workflow executions started.",
		}),
		executionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_executions_ended_total",
			Help: "Workflow executions ended, by terminal state.",
		}, []string{"state"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_active_executions",
			Help: "Currently running workflow executions.",
		}),
		nodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_node_runs_total",
			Help: "Node executions, by result.",
		}, []string{"result"}),
		nodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stepflow_node_duration_seconds",
			Help:    "Wall time of node executions.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_node_errors_total",
			Help: "Node failures, by error code.",
		}, []string{"error_code"}),
	}
	reg.MustRegister(m.executionsStarted, m.executionsEnded, m.activeExecutions,
		m.nodeRuns, m.nodeDuration, m.nodeErrors)
	return m
}

// Handle implements the engine's event sink interface.
func (m *Metrics) Handle(ev execution.Event) {
	switch ev.Type {
	case execution.EventEngineStart:
		m.executionsStarted.Inc()
		m.activeExecutions.Inc()
	case execution.EventEngineEnd:
		state, _ := ev.Payload["state"].(string)
		m.executionsEnded.WithLabelValues(state).Inc()
		m.activeExecutions.Dec()
	case execution.EventNodeEnd:
		result := "ok"
		if ok, _ := ev.Payload["ok"].(bool); !ok {
			result = "error"
		}
		if skipped, _ := ev.Payload["skipped"].(bool); skipped {
			result = "skipped"
		}
		m.nodeRuns.WithLabelValues(result).Inc()
		if ms, isNum := ev.Payload["duration_ms"].(int64); isNum {
			m.nodeDuration.Observe(float64(ms) / 1000)
		}
	case execution.EventError:
		code, _ := ev.Payload["error_code"].(string)
		if code == "" {
			code = "EXECUTION_ERROR"
		}
		m.nodeErrors.WithLabelValues(code).Inc()
	}
}
