// Package metrics exposes process-wide Prometheus collectors for the media
// task service: HTTP traffic, worker occupancy, rate limiting and archiving.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	archiveUploadsTotal        *prometheus.CounterVec
	archiveBytesTotal          prometheus.Counter

	queueDepthMu sync.Mutex
	queueDepth   func() int

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediatask_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediatask_rate_limit_delay_seconds",
				Help:    "Time workers spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		archiveUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediatask_archive_uploads_total",
				Help: "Archive uploads of downloaded files, labeled by result.",
			},
			[]string{"result"},
		)

		archiveBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediatask_archive_bytes_total",
				Help: "Bytes copied into the archive.",
			},
		)

		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mediatask_queue_depth",
				Help: "Jobs waiting in the submission queue.",
			},
			func() float64 {
				queueDepthMu.Lock()
				defer queueDepthMu.Unlock()
				if queueDepth == nil {
					return 0
				}
				return float64(queueDepth())
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveArchiveUpload records an archive attempt and, on success, its size.
func ObserveArchiveUpload(ok bool, bytes int64) {
	result := "success"
	if !ok {
		result = "error"
	}
	archiveUploadsTotal.WithLabelValues(result).Inc()
	if ok && bytes > 0 {
		archiveBytesTotal.Add(float64(bytes))
	}
}

// SetQueueDepthFunc installs the callback sampled by the queue depth gauge.
func SetQueueDepthFunc(fn func() int) {
	queueDepthMu.Lock()
	defer queueDepthMu.Unlock()
	queueDepth = fn
}
