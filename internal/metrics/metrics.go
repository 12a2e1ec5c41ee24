// Package metrics holds the Prometheus collectors for the agent runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttempts counts provider stream attempts by outcome
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixy_provider_attempts_total",
			Help: "Total number of provider stream attempts",
		},
		[]string{"api", "outcome"},
	)

	// ProviderRetries counts scheduled transport retries
	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixy_provider_retries_total",
			Help: "Total number of provider retries scheduled after transport failures",
		},
		[]string{"api"},
	)

	// ToolExecutions counts tool executions by outcome
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixy_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "outcome"},
	)

	// ToolExecutionDuration tracks tool latency
	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixy_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// RunsTotal counts finished agent runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixy_runs_total",
			Help: "Total number of finished agent runs",
		},
		[]string{"state", "reason"},
	)

	// RunDuration tracks how long runs take
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixy_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"state"},
	)

	// ActiveRuns tracks runs currently in progress
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixy_active_runs",
			Help: "Number of agent runs in progress",
		},
	)

	// EventDrops tracks run events dropped because a sink buffer was full
	EventDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pixy_event_drops_total",
			Help: "Total number of run events dropped due to buffer overflow",
		},
	)
)

// RecordProviderAttempt records the outcome of one provider attempt.
func RecordProviderAttempt(api, outcome string) {
	ProviderAttempts.WithLabelValues(api, outcome).Inc()
}

// RecordProviderRetry records a scheduled retry.
func RecordProviderRetry(api string) {
	ProviderRetries.WithLabelValues(api).Inc()
}

// RecordToolExecution records a finished tool execution.
func RecordToolExecution(tool string, isError bool, duration time.Duration) {
	outcome := "success"
	if isError {
		outcome = "error"
	}
	ToolExecutions.WithLabelValues(tool, outcome).Inc()
	ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RunStarted marks a run as in progress.
func RunStarted() {
	ActiveRuns.Inc()
}

// RecordRunFinished records a finished run and releases the active gauge.
func RecordRunFinished(state, reason string, duration time.Duration) {
	ActiveRuns.Dec()
	RunsTotal.WithLabelValues(state, reason).Inc()
	RunDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordEventDrop records a dropped run event.
func RecordEventDrop() {
	EventDrops.Inc()
}
