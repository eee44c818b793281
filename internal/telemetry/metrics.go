package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated         = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_created_total", Help: "Tasks created"})
	TasksDeleted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_deleted_total", Help: "Tasks deleted together with their history"})
	TransitionsApplied   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_transitions_applied_total", Help: "Committed status transitions by target status"}, []string{"to"})
	TransitionsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_transitions_rejected_total", Help: "Transitions rejected by the transition table"}, []string{"to"})
	BatchRuns            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_batch_runs_total", Help: "Execute-all runs by result"}, []string{"result"})
	BatchTaskOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_batch_outcomes_total", Help: "Per-task outcomes of execute-all runs"}, []string{"outcome"})
	EventPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_event_publish_failures_total", Help: "Transition events that could not be published"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksDeleted,
			TransitionsApplied,
			TransitionsRejected,
			BatchRuns,
			BatchTaskOutcomes,
			EventPublishFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
