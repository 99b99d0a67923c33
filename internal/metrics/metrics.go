package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// SubmittedTotal counts accepted submissions by source kind.
	SubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "submitted_total",
		Help:      "Total number of tasks accepted by the pipeline, labeled by source kind.",
	}, []string{"kind"})

	// RejectedTotal counts submissions refused before a task was created.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "rejected_total",
		Help:      "Total number of submissions rejected before a task was created, labeled by error kind.",
	}, []string{"kind"})

	// FinishedTotal counts tasks reaching a terminal state.
	FinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "finished_total",
		Help:      "Total number of tasks that reached a terminal state, labeled by status and risk level or error kind.",
	}, []string{"status", "outcome"})

	// AnalysisDurationSeconds is the time a worker spends on one task.
	AnalysisDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "analysis_duration_seconds",
		Help:      "Time from claim to terminal write for one task.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	// QueueDepth is the number of task ids waiting for a worker.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current number of queued task ids waiting for a worker.",
	})

	// WorkersInFlight is the number of workers currently processing a task.
	WorkersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phishguard",
		Subsystem: "pipeline",
		Name:      "workers_in_flight",
		Help:      "Current number of workers processing a task.",
	})

	// DetectorFailuresTotal counts detectors skipped because they errored or panicked.
	DetectorFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "detect",
		Name:      "failures_total",
		Help:      "Total number of detector runs that failed and were skipped, labeled by category.",
	}, []string{"category"})

	// StoreRetriesTotal counts retried store operations.
	StoreRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Total number of store operations retried after a transient failure, labeled by operation.",
	}, []string{"op"})

	// SweptTotal counts tasks touched by background sweeps.
	SweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "sweeper",
		Name:      "swept_total",
		Help:      "Total number of tasks failed or deleted by background sweeps, labeled by reason.",
	}, []string{"reason"})

	// EventPublishErrorsTotal counts completion events that could not be published.
	EventPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Total number of completion events that failed to publish.",
	})

	// StatEventsDroppedTotal counts completed tasks the aggregator never counted.
	StatEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "aggregator",
		Name:      "events_dropped_total",
		Help:      "Total number of completed tasks dropped because the aggregator was stopped or the caller gave up.",
	})

	// StatFlushErrorsTotal counts failed writes of daily statistics.
	StatFlushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phishguard",
		Subsystem: "aggregator",
		Name:      "flush_errors_total",
		Help:      "Total number of daily statistic writes that failed and were retried later.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedTotal,
			RejectedTotal,
			FinishedTotal,
			AnalysisDurationSeconds,
			QueueDepth,
			WorkersInFlight,
			DetectorFailuresTotal,
			StoreRetriesTotal,
			SweptTotal,
			EventPublishErrorsTotal,
			StatEventsDroppedTotal,
			StatFlushErrorsTotal,
		)
	})
}
