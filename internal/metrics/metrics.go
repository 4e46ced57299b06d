// Package metrics exposes Prometheus instrumentation for the reservation
// tasks on the manager's metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// TaskRuns counts task invocations by task name and outcome
	// ("success" or "error").
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_agent_task_runs_total",
			Help: "Number of reservation task invocations by outcome.",
		},
		[]string{"task", "outcome"},
	)

	// TaskDuration observes how long one task invocation took.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capacity_agent_task_duration_seconds",
			Help:    "Duration of reservation task invocations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// MatchedSessions reports how many live sessions the last monitoring
	// pass attributed to active occurrences.
	MatchedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_agent_matched_sessions",
			Help: "Sessions attributed to active occurrences in the last monitoring pass.",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(TaskRuns, TaskDuration, MatchedSessions)
}
