// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for workflow/step/circuit-breaker/lock concerns.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors the engine updates.
type Metrics struct {
	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionsFailed    *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge

	StepsCompleted *prometheus.CounterVec
	StepsFailed    *prometheus.CounterVec
	StepRetries    *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec

	CircuitBreakerOpened *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec

	LockContention *prometheus.CounterVec

	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics registers every collector against the default registry via
// promauto.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow_name"}),
		ExecutionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_completed_total",
			Help: "Total number of workflow executions completed successfully.",
		}, []string{"workflow_name"}),
		ExecutionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_failed_total",
			Help: "Total number of workflow executions that failed.",
		}, []string{"workflow_name"}),
		ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active_executions",
			Help: "Number of workflow executions currently running.",
		}),
		StepsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "step_executions_completed_total",
			Help: "Total number of step executions completed successfully.",
		}, []string{"step_name"}),
		StepsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "step_executions_failed_total",
			Help: "Total number of step executions that exhausted retries.",
		}, []string{"step_name"}),
		StepRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "step_executions_retried_total",
			Help: "Total number of step execution retry attempts.",
		}, []string{"step_name"}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "step_execution_duration_seconds",
			Help:    "Step execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step_name"}),
		CircuitBreakerOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times a circuit breaker transitioned to open.",
		}, []string{"name"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		LockContention: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_lock_contention_total",
			Help: "Total number of lock acquisition attempts that failed due to contention.",
		}, []string{"workflow_name"}),
		DatabaseConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "store_database_connections",
			Help: "Number of store database connections.",
		}, []string{"state"}),
	}
}
