// Package metrics exposes the Prometheus instrumentation for Cubby. All
// collectors live on a dedicated registry created by Init; when Init is
// never called every recording helper is a no-op, so wiring metrics in is
// free for deployments that disable them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	c        *cubbyCollectors
)

type cubbyCollectors struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	storageOpsTotal   *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec

	uploadsTotal   *prometheus.CounterVec
	downloadsTotal prometheus.Counter
	activeSessions prometheus.Gauge

	workerCyclesTotal   *prometheus.CounterVec
	workerCycleDuration *prometheus.HistogramVec
	workerItemsTotal    *prometheus.CounterVec

	rateLimitedTotal *prometheus.CounterVec
}

// Init creates the registry and registers all collectors. Safe to call
// once; later calls are no-ops.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c = &cubbyCollectors{
		httpRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_http_requests_total",
				Help: "Total HTTP requests by method, route and status class",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cubby_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{5, 10, 50, 100, 500, 1000, 5000, 30000},
			},
			[]string{"method", "route"},
		),
		storageOpsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_storage_operations_total",
				Help: "Total storage backend operations by provider, operation and status",
			},
			[]string{"provider", "operation", "status"},
		),
		storageOpDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cubby_storage_operation_duration_milliseconds",
				Help:    "Storage backend operation duration in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
			},
			[]string{"provider", "operation"},
		),
		uploadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_uploads_total",
				Help: "Total completed uploads by variant and status",
			},
			[]string{"variant", "status"},
		),
		downloadsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cubby_downloads_total",
				Help: "Total download streams served",
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cubby_upload_sessions_active",
				Help: "Upload sessions currently in the uploading or completing state",
			},
		),
		workerCyclesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_worker_cycles_total",
				Help: "Total lifecycle worker cycles by worker and status",
			},
			[]string{"worker", "status"},
		),
		workerCycleDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cubby_worker_cycle_duration_milliseconds",
				Help:    "Lifecycle worker cycle duration in milliseconds",
				Buckets: []float64{10, 100, 500, 1000, 5000, 30000, 60000, 300000},
			},
			[]string{"worker"},
		),
		workerItemsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_worker_items_total",
				Help: "Total items processed by lifecycle workers, by worker and outcome",
			},
			[]string{"worker", "outcome"},
		),
		rateLimitedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_rate_limited_total",
				Help: "Total requests denied by the rate limiter, by action",
			},
			[]string{"action"},
		),
	}
	registry = reg
}

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// Handler returns the scrape endpoint handler, or a 404 handler when
// metrics are disabled.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func get() *cubbyCollectors {
	mu.RLock()
	defer mu.RUnlock()
	return c
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	m := get()
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(float64(duration.Milliseconds()))
}

// ObserveStorageOp records one storage backend operation.
func ObserveStorageOp(provider, operation string, duration time.Duration, err error) {
	m := get()
	if m == nil {
		return
	}
	m.storageOpsTotal.WithLabelValues(provider, operation, outcome(err)).Inc()
	m.storageOpDuration.WithLabelValues(provider, operation).Observe(float64(duration.Milliseconds()))
}

// RecordUpload records one finished upload attempt.
func RecordUpload(variant string, err error) {
	if m := get(); m != nil {
		m.uploadsTotal.WithLabelValues(variant, outcome(err)).Inc()
	}
}

// RecordDownload records one served download stream.
func RecordDownload() {
	if m := get(); m != nil {
		m.downloadsTotal.Inc()
	}
}

// SessionOpened tracks one more in-flight upload session.
func SessionOpened() {
	if m := get(); m != nil {
		m.activeSessions.Inc()
	}
}

// SessionClosed tracks one fewer in-flight upload session.
func SessionClosed() {
	if m := get(); m != nil {
		m.activeSessions.Dec()
	}
}

// ObserveWorkerCycle records one lifecycle worker cycle.
func ObserveWorkerCycle(worker string, duration time.Duration, err error) {
	m := get()
	if m == nil {
		return
	}
	m.workerCyclesTotal.WithLabelValues(worker, outcome(err)).Inc()
	m.workerCycleDuration.WithLabelValues(worker).Observe(float64(duration.Milliseconds()))
}

// RecordWorkerItems adds processed-item counts for one worker cycle.
func RecordWorkerItems(worker, outcome string, n int) {
	if n <= 0 {
		return
	}
	if m := get(); m != nil {
		m.workerItemsTotal.WithLabelValues(worker, outcome).Add(float64(n))
	}
}

// RecordRateLimited records one denied request.
func RecordRateLimited(action string) {
	if m := get(); m != nil {
		m.rateLimitedTotal.WithLabelValues(action).Inc()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
