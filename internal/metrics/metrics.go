// Package metrics declares the Prometheus collectors of the sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// events admitted into the ingest queue, by event type
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatsync_events_ingested_total",
		Help: "Sync events admitted into the ingest queue",
	}, []string{"type"})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatsync_events_duplicate_total",
		Help: "Sync events discarded because their id was seen within the dedup window",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatsync_events_dropped_total",
		Help: "Oldest queued events dropped to make room when the queue was full",
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatsync_events_processed_total",
		Help: "Sync events taken off the queue and dispatched",
	})

	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatsync_events_failed_total",
		Help: "Sync events whose topic group failed to dispatch",
	})

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatsync_queue_size",
		Help: "Events currently waiting in the ingest queue",
	})

	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seatsync_batch_duration_seconds",
		Help:    "Time spent dispatching one batch",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	CompressionRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatsync_compression_ratio",
		Help: "Compressed over raw payload size of the last batch",
	})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatsync_push_failures_total",
		Help: "Messages that could not be queued to a subscriber",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatsync_connections",
		Help: "Live client connections",
	})

	// reservation attempts by operation (select, release) and outcome reason
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatsync_reservations_total",
		Help: "Seat select/release attempts by outcome",
	}, []string{"operation", "outcome"})

	// peer fan-out batches by result (published, failed, dropped)
	BrokerPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatsync_broker_publishes_total",
		Help: "Change batches handed to the broker by result",
	}, []string{"result"})
)
