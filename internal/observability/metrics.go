// Package observability exposes the engine's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskengine_queue_depth",
		Help: "Current number of tasks waiting in the priority queue",
	}, []string{"priority"})

	QueueOldestTaskAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskengine_queue_oldest_task_age_seconds",
		Help: "Age in seconds of the oldest task currently queued",
	})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made, by decision and reason",
	}, []string{"decision", "reason"})

	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskengine_scheduler_loop_duration_seconds",
		Help:    "Duration of one dispatch tick of the scheduler loop",
		Buckets: prometheus.DefBuckets,
	})

	WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskengine_worker_active",
		Help: "Number of worker pool slots currently executing a task",
	})

	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskengine_task_runtime_seconds",
		Help:    "Wall-clock duration of handler execution per task",
		Buckets: prometheus.DefBuckets,
	})

	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_task_timeouts_total",
		Help: "Total number of tasks forcibly terminated by the timeout supervisor",
	}, []string{"task_name"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_task_retries_total",
		Help: "Total number of retry attempts scheduled",
	}, []string{"task_name"})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_task_outcomes_total",
		Help: "Total number of terminal task outcomes, by status",
	}, []string{"status"})

	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskengine_circuit_state",
		Help: "Admission gate circuit state (0=closed, 1=open)",
	})

	ReporterBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskengine_reporter_batch_size",
		Help:    "Number of results delivered per reporter flush",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	ReporterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_reporter_failures_total",
		Help: "Total number of failed reporter delivery attempts",
	}, []string{"reason"})

	IngestDuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_ingest_duplicates_dropped_total",
		Help: "Total number of externally ingested tasks dropped as duplicates",
	}, []string{"source"})

	TasksAwaitingRetry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskengine_tasks_awaiting_retry",
		Help: "Number of tasks currently in RETRY status, awaiting their backoff timer",
	})
)
