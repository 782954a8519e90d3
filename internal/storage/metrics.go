package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once per process.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of storage metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the storage service.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // objectstorage_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // objectstorage_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // objectstorage_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // objectstorage_bytes_downloaded_total

	// Engine metrics
	DedupHits    prometheus.Counter // objectstorage_dedup_hits_total
	LocksCleaned prometheus.Counter // objectstorage_locks_cleaned_total
}

// InitMetrics initializes all storage metrics against the given registry.
// Metrics are only registered once; subsequent calls return the same
// instance. A nil registry uses the Prometheus default registerer.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "objectstorage_requests_total",
				Help: "Total storage requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "objectstorage_request_duration_seconds",
				Help:    "Storage request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "objectstorage_bytes_uploaded_total",
				Help: "Total bytes accepted by upload and append",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "objectstorage_bytes_downloaded_total",
				Help: "Total bytes served by download",
			}),

			DedupHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "objectstorage_dedup_hits_total",
				Help: "Uploads answered from the checksum index without storing new content",
			}),

			LocksCleaned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "objectstorage_locks_cleaned_total",
				Help: "Stale lock files removed by the janitor",
			}),
		}
	})

	return metricsInstance
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}
