package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/pixelpost/internal/pipeline"
)

const (
	outcomeUploaded     = "uploaded"
	outcomeRejected     = "rejected"
	outcomeDecodeFailed = "decode_failed"
	outcomeEncodeFailed = "encode_failed"
	outcomeUploadFailed = "upload_failed"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	uploadsTotal      *prometheus.CounterVec
	batchesEnqueued   *prometheus.CounterVec
	normalizeDuration prometheus.Histogram
	normalizeAttempts prometheus.Histogram
	normalizeQuality  prometheus.Histogram
	normalizeBytes    prometheus.Histogram
	oversizedTotal    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelpost_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_api_uploads_total",
			Help: "Single-image uploads by outcome.",
		}, []string{"outcome"}),
		batchesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpost_queue_batches_enqueued_total",
			Help: "Total batch runs enqueued to the processing queue.",
		}, []string{"queue"}),
		normalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelpost_normalize_duration_seconds",
			Help:    "Time spent decoding, resizing and compressing one image.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		normalizeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelpost_normalize_attempts",
			Help:    "JPEG encode attempts per normalized image.",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		normalizeQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelpost_normalize_quality",
			Help:    "Final JPEG quality per normalized image.",
			Buckets: prometheus.LinearBuckets(10, 5, 16),
		}),
		normalizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelpost_normalize_output_bytes",
			Help:    "Encoded output size per normalized image.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 8),
		}),
		oversizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelpost_normalize_oversized_total",
			Help: "Images still above the size ceiling at the quality floor.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.uploadsTotal,
		m.batchesEnqueued,
		m.normalizeDuration,
		m.normalizeAttempts,
		m.normalizeQuality,
		m.normalizeBytes,
		m.oversizedTotal,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeNormalize(result pipeline.Result, cfg pipeline.Config, elapsed time.Duration) {
	m.normalizeDuration.Observe(elapsed.Seconds())
	m.normalizeAttempts.Observe(float64(result.Attempts))
	m.normalizeQuality.Observe(float64(result.Quality))
	m.normalizeBytes.Observe(float64(result.Size))
	if result.Oversized(cfg) {
		m.oversizedTotal.Inc()
	}
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func outcomeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return outcomeRejected
	case http.StatusUnprocessableEntity:
		return outcomeDecodeFailed
	case http.StatusBadGateway:
		return outcomeUploadFailed
	default:
		return outcomeEncodeFailed
	}
}

// routeLabel keeps label cardinality bounded for unknown paths.
func routeLabel(path string) string {
	switch {
	case path == "/":
		return "/"
	case path == "/upload":
		return "/upload"
	case strings.HasPrefix(path, "/v1/uploads"):
		return "/v1/uploads"
	case strings.HasPrefix(path, "/v1/batches"):
		return "/v1/batches"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
