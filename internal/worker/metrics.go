package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fable_engine_tasks_received_total",
			Help: "Total number of generation tasks received.",
		},
	)
	tasksSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fable_engine_tasks_succeeded_total",
			Help: "Total number of generation tasks completed successfully.",
		},
	)
	tasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fable_engine_tasks_failed_total",
			Help: "Total number of generation tasks failed, partitioned by reason.",
		},
		[]string{"reason"},
	)
	tasksCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fable_engine_tasks_cancelled_total",
			Help: "Total number of generation tasks stopped by a cancel request.",
		},
	)
	taskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fable_engine_task_duration_seconds",
			Help:    "Wall time of one full story generation.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)
)
