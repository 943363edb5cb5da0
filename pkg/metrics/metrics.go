package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kiosk side collectors
var (
	// ScansCaptured counts scan events by outcome
	// status: saved, empty, error
	ScansCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_scans_total",
		Help: "Total number of scan events handled by the capture station",
	}, []string{"status"})

	// SyncCycles counts sync attempts by result
	// result: success, partial, empty, transport_error, http_error, queue_error
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_sync_cycles_total",
		Help: "Total number of sync cycles by result",
	}, []string{"result"})

	// SyncRecords counts records reconciled after a 200 response
	// status: acknowledged, failed, quarantined
	SyncRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_sync_records_total",
		Help: "Records reconciled against the ingest server",
	}, []string{"status"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiosk_sync_duration_seconds",
		Help:    "Duration of a sync cycle that reached the network",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiosk_sync_batch_size",
		Help:    "Number of pending records sent per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
	})

	// QueueBacklog is the primary lag indicator: records captured but not yet acknowledged
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_queue_backlog",
		Help: "Current number of pending records in the local queue",
	})

	LastSuccessfulSync = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_last_successful_sync_timestamp_seconds",
		Help: "Unix time of the last sync cycle answered with HTTP 200",
	})

	// NetworkOnline is 1 when the reachability probe succeeds, 0 otherwise
	NetworkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_network_online",
		Help: "Result of the last network reachability probe",
	})
)
