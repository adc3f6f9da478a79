// Package metrics holds the process-wide Prometheus collectors the
// orchestrator and job runner update as tasks move through their phases.
// Handlers mount Handler() at /metrics; nothing else in the engine reads
// these values back.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskTransitions counts every status transition, labeled by the
	// status transitioned into.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semspec_task_transitions_total",
		Help: "Number of task status transitions, labeled by destination status.",
	}, []string{"status"})

	// PhaseDuration measures wall-clock time spent in each orchestrator
	// phase handler.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semspec_phase_duration_seconds",
		Help:    "Time spent in each orchestrator phase handler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// AttemptCount records the attempt number a task had when it reached
	// FAILED (outcome "failed") or had its pull request opened (outcome
	// "pr_opened").
	AttemptCount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semspec_attempt_count",
		Help:    "Attempt count a task had when it failed or opened its pull request.",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	}, []string{"outcome"})

	// JobQueueDepth is the number of tasks of the currently running job
	// that have not yet been handed to a batch.
	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semspec_job_queue_depth",
		Help: "Number of tasks in the active job not yet started in a batch.",
	})

	// LLMCallDuration measures dispatcher round-trip time per capability.
	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semspec_llm_call_duration_seconds",
		Help:    "LLM dispatch round-trip time, labeled by capability.",
		Buckets: prometheus.DefBuckets,
	}, []string{"capability"})
)

// Handler returns the promhttp handler the router mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
