package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_processed_total",
			Help: "Total number of events processed by the analyzer",
		},
		[]string{"source"},
	)

	RulesTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rules_triggered_total",
			Help: "Total number of rule triggers by rule type",
		},
		[]string{"rule_type"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_duplicates_suppressed_total",
			Help: "Total number of alert creations suppressed by deduplication",
		},
	)

	CorrelationsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_correlations_found_total",
			Help: "Total number of correlation results above threshold",
		},
		[]string{"correlation_type"},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_delivered_total",
			Help: "Total number of notification delivery attempts by outcome",
		},
		[]string{"channel", "outcome"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_event_processing_duration_seconds",
			Help:    "Time taken to process a single event",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_sweep_duration_seconds",
			Help:    "Duration of periodic background sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_queue_size",
			Help: "Current queue size per worker pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_worker_pool_tasks_processed_total",
			Help: "Total tasks processed per worker pool",
		},
		[]string{"pool"},
	)
)
