package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cams_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for batch processing.
type Metrics struct {
	BatchesProcessed prometheus.Counter
	BatchesFailed    *prometheus.CounterVec // labels: reason={service,validation,quota,workspace}
	BatchesPending   prometheus.Gauge
	RowsWritten      prometheus.Counter
	QuotaRemaining   prometheus.Gauge

	BatchProcessingDuration prometheus.Histogram

	// SoDa service metrics.
	ServiceRequests    *prometheus.CounterVec // labels: outcome={success,error,quota}
	ServiceAPIDuration prometheus.Histogram

	EventsPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.BatchesProcessed,
		m.BatchesFailed,
		m.BatchesPending,
		m.RowsWritten,
		m.QuotaRemaining,
		m.BatchProcessingDuration,
		m.ServiceRequests,
		m.ServiceAPIDuration,
		m.EventsPublished,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Batches that reached the done state.",
		}),
		BatchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batch attempts that left the batch pending, by reason.",
		}, []string{"reason"}),
		BatchesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_pending",
			Help:      "Batches still pending at the end of the run.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Irradiance rows written to result files.",
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Requests left in today's local budget.",
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of fetching, validating, and writing one batch.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		ServiceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_requests_total",
			Help:      "SoDa requests by outcome.",
		}, []string{"outcome"}),
		ServiceAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_api_duration_seconds",
			Help:      "SoDa request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Batch completion events written to Kafka.",
		}),
	}
}

// WriteTextfile exports the default registry in the node_exporter textfile
// format. It is a no-op when path is empty.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
