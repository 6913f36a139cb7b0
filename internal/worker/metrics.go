package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/pixelpost/internal/batch"
)

type metrics struct {
	registry        *prometheus.Registry
	batchesTotal    *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	activeBatches   prometheus.Gauge
	filesTotal      *prometheus.CounterVec
	outputBytes     prometheus.Counter
	finalQuality    prometheus.Histogram
	webhookFailures prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_worker_batches_total",
			Help: "Total batch runs by final outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelpost_worker_batch_duration_seconds",
			Help:    "Wall time of each batch run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelpost_worker_active_batches",
			Help: "Batch runs currently in progress.",
		}),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_worker_files_total",
			Help: "Files seen by batch runs, by status.",
		}, []string{"status"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelpost_worker_output_bytes_total",
			Help: "Encoded bytes written by batch runs.",
		}),
		finalQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelpost_worker_final_quality",
			Help:    "Final JPEG quality per normalized batch file.",
			Buckets: prometheus.LinearBuckets(10, 5, 16),
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelpost_worker_webhook_failures_total",
			Help: "Batch notifications that could not be delivered.",
		}),
	}

	registry.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.activeBatches,
		m.filesTotal,
		m.outputBytes,
		m.finalQuality,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeSummary(summary batch.Summary) {
	if summary.Skipped > 0 {
		m.filesTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))
	}
	for _, item := range summary.Items {
		m.filesTotal.WithLabelValues(item.Status).Inc()
		if item.Status == batch.StatusFailed {
			continue
		}
		m.outputBytes.Add(float64(item.Bytes))
		m.finalQuality.Observe(float64(item.Quality))
	}
}
