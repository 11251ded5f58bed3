package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	httpRequestBytes         *prometheus.CounterVec
	backendOperationsTotal   *prometheus.CounterVec
	backendOperationDuration *prometheus.HistogramVec
	backendOperationErrors   *prometheus.CounterVec
	cryptoOperations         *prometheus.CounterVec
	cryptoDuration           *prometheus.HistogramVec
	cryptoErrors             *prometheus.CounterVec
	chunkBytes               *prometheus.CounterVec
	uploadsTotal             *prometheus.CounterVec
	reclaimFailures          *prometheus.CounterVec
	activeConnections        prometheus.Gauge
	goroutines               prometheus.Gauge
	memoryAllocBytes         prometheus.Gauge
	memorySysBytes           prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics instance on reg. Tests pass a
// fresh prometheus.NewRegistry() so collectors do not collide.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		backendOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operations_total",
				Help: "Total number of backend store/fetch/delete operations",
			},
			[]string{"operation", "account"},
		),
		backendOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_operation_duration_seconds",
				Help:    "Backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "account"},
		),
		backendOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operation_errors_total",
				Help: "Total number of backend operation errors",
			},
			[]string{"operation", "account", "error_type"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_operations_total",
				Help: "Total number of chunk seal/open operations",
			},
			[]string{"operation"}, // "seal" or "open"
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_crypto_duration_seconds",
				Help:    "Chunk seal/open duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_errors_total",
				Help: "Total number of chunk seal/open errors",
			},
			[]string{"operation", "error_type"},
		),
		chunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_bytes_total",
				Help: "Total plaintext bytes moved through the engine",
			},
			[]string{"direction"}, // "upload" or "download"
		),
		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploads_total",
				Help: "Total number of uploads by final status",
			},
			[]string{"status"},
		),
		reclaimFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reclaim_backend_failures_total",
				Help: "Backend deletes that failed during permanent delete",
			},
			[]string{"account"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordBackendOperation records a backend call against one account.
func (m *Metrics) RecordBackendOperation(operation, accountID string, duration time.Duration) {
	m.backendOperationsTotal.WithLabelValues(operation, accountID).Inc()
	m.backendOperationDuration.WithLabelValues(operation, accountID).Observe(duration.Seconds())
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(operation, accountID, errorType string) {
	m.backendOperationErrors.WithLabelValues(operation, accountID, errorType).Inc()
}

// RecordCryptoOperation records a chunk seal or open.
func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration) {
	m.cryptoOperations.WithLabelValues(operation).Inc()
	m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCryptoError records a failed seal or open.
func (m *Metrics) RecordCryptoError(operation, errorType string) {
	m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordChunkBytes counts plaintext bytes in the given direction.
func (m *Metrics) RecordChunkBytes(direction string, n int) {
	m.chunkBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordUpload counts an upload reaching a final status.
func (m *Metrics) RecordUpload(status string) {
	m.uploadsTotal.WithLabelValues(status).Inc()
}

// RecordReclaimFailure counts a backend delete that failed during reclaim.
func (m *Metrics) RecordReclaimFailure(accountID string) {
	m.reclaimFailures.WithLabelValues(accountID).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every 5 seconds until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
