package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest server collectors
var (
	// IngestRequests counts upload requests by HTTP status code
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total number of upload requests by response code",
	}, []string{"code"})

	// IngestRecords counts records by outcome
	// status: success, duplicate, failed, invalid
	IngestRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_total",
		Help: "Total number of records handled by the ingest endpoint",
	}, []string{"status", "site_id"})

	// IngestDuration covers validation, the transaction and event publishing
	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_batch_duration_seconds",
		Help:    "Time taken to persist one upload batch",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"status"})

	// IngestRetries counts transaction retries caused by lock contention
	IngestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_lock_retries_total",
		Help: "Number of batch transaction retries triggered by deadlocks or serialization failures",
	})

	// EventsPublished counts broker publications
	// status: sent, error, skipped
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_published_total",
		Help: "Ingested-scan events handed to RabbitMQ",
	}, []string{"status"})

	// BrokerHealthy is 1 while the RabbitMQ connection and channel are open
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_broker_healthy",
		Help: "Current health of the RabbitMQ link (1 healthy, 0 down)",
	})
)
