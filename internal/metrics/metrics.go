// Package metrics exposes the Prometheus instruments for the workflow
// engine. All collectors are registered on the default registry so the
// HTTP server can serve them through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsSubmitted counts workflows accepted for execution.
	WorkflowsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflows_submitted_total",
		Help: "Total number of workflows submitted.",
	})

	// WorkflowsCompleted counts workflows that reached a terminal status.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflows_completed_total",
		Help: "Total number of workflows that reached a terminal status.",
	}, []string{"status"})

	// ActiveWorkflows tracks workflows in a non-terminal status.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_workflows_count",
		Help: "Number of workflows currently in a non-terminal status.",
	})

	// StepsSubmitted counts steps handed to the backend, by app.
	StepsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steps_submitted_total",
		Help: "Total number of steps submitted to the backend.",
	}, []string{"app"})

	// StepsCompleted counts steps that reached a terminal status, by app.
	StepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steps_completed_total",
		Help: "Total number of steps that reached a terminal status.",
	}, []string{"app", "status"})

	// QueryDuration observes the latency of backend status queries.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_query_duration_seconds",
		Help:    "Latency of backend task status queries.",
		Buckets: prometheus.DefBuckets,
	})

	// QueryErrors counts failed backend status queries.
	QueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_query_errors_total",
		Help: "Total number of failed backend task status queries.",
	})

	// SubmitErrors counts failed step submissions, by app.
	SubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_submit_errors_total",
		Help: "Total number of failed step submissions.",
	}, []string{"app"})

	// PollCycles counts completed executor poll cycles.
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_poll_cycles_total",
		Help: "Total number of completed executor poll cycles.",
	})

	// PollDuration observes the wall time of a full poll cycle.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "executor_poll_duration_seconds",
		Help:    "Wall time of a full executor poll cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// ExecutorErrors counts errors surfaced by the executor, by class.
	ExecutorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_errors_total",
		Help: "Total number of errors surfaced by the executor.",
	}, []string{"error_type"})
)
