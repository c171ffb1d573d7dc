package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_tasks_submitted_total",
			Help: "Total number of tasks submitted to the runtime.",
		},
		[]string{"task"},
	)

	tasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status.",
		},
		[]string{"status"},
	)

	taskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_task_retries_total",
			Help: "Total number of retry cycles scheduled.",
		},
	)

	chordCallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_chord_callbacks_total",
			Help: "Total number of chord callbacks fired.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmittedTotal)
	prometheus.MustRegister(tasksCompletedTotal)
	prometheus.MustRegister(taskRetriesTotal)
	prometheus.MustRegister(chordCallbacksTotal)
}
