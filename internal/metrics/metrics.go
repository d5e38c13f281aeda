package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all node metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	cipherOperations *prometheus.CounterVec
	cipherDuration   *prometheus.HistogramVec
	cipherBytes      *prometheus.CounterVec
	cipherErrors     *prometheus.CounterVec
	cipherStages     *prometheus.CounterVec

	transfersTotal    *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transferChunks    *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	signatureChecks   *prometheus.CounterVec
	keyExchanges      *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	storageOperations *prometheus.CounterVec
	storageDuration   *prometheus.HistogramVec
	storageErrors     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics registers metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so that instances do not collide.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes written in HTTP API responses",
			},
			[]string{"method", "path"},
		),
		cipherOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_operations_total",
				Help: "Total number of block cipher encrypt/decrypt operations",
			},
			[]string{"operation"},
		),
		cipherDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cipher_duration_seconds",
				Help:    "Block cipher operation duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		cipherBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_bytes_total",
				Help: "Total plaintext bytes encrypted or decrypted",
			},
			[]string{"operation"},
		),
		cipherErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_errors_total",
				Help: "Total number of block cipher errors",
			},
			[]string{"operation", "error_type"},
		),
		cipherStages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_stage_events_total",
				Help: "Total number of traced cipher stages",
			},
			[]string{"operation", "stage"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "file_transfers_total",
				Help: "Total number of file transfers by direction and outcome",
			},
			[]string{"direction", "status"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "file_transfer_bytes_total",
				Help: "Total raw file bytes sent or received",
			},
			[]string{"direction"},
		),
		transferChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "file_transfer_chunks_total",
				Help: "Total encrypted chunks sent or received",
			},
			[]string{"direction"},
		),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_total",
				Help: "Total chat messages by direction and outcome",
			},
			[]string{"direction", "status"},
		),
		signatureChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signature_verifications_total",
				Help: "Total signature verifications by subject and result",
			},
			[]string{"subject", "result"},
		),
		keyExchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_exchanges_total",
				Help: "Total peer handshakes by role and result",
			},
			[]string{"role", "result"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peer_sessions_active",
				Help: "Number of established peer sessions",
			},
		),
		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of received-file storage operations",
			},
			[]string{"backend", "operation"},
		),
		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Received-file storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of received-file storage errors",
			},
			[]string{"backend", "operation", "error_type"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of in-flight HTTP API requests",
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
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordCipherOperation records a completed encrypt or decrypt.
func (m *Metrics) RecordCipherOperation(operation string, duration time.Duration, bytes int64) {
	m.cipherOperations.WithLabelValues(operation).Inc()
	m.cipherDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.cipherBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCipherError records a failed encrypt or decrypt.
func (m *Metrics) RecordCipherError(operation, errorType string) {
	m.cipherErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCipherStage counts one traced cipher stage.
func (m *Metrics) RecordCipherStage(operation, stage string) {
	m.cipherStages.WithLabelValues(operation, stage).Inc()
}

// RecordTransfer records a finished file transfer. status is "complete",
// "rejected", or "failed".
func (m *Metrics) RecordTransfer(direction, status string, bytes int64, chunks int) {
	m.transfersTotal.WithLabelValues(direction, status).Inc()
	if status == "complete" {
		m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	m.transferChunks.WithLabelValues(direction).Add(float64(chunks))
}

// RecordMessage records a chat message.
func (m *Metrics) RecordMessage(direction, status string) {
	m.messagesTotal.WithLabelValues(direction, status).Inc()
}

// RecordSignatureCheck records the outcome of one signature verification.
func (m *Metrics) RecordSignatureCheck(subject string, valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.signatureChecks.WithLabelValues(subject, result).Inc()
}

// RecordKeyExchange records a handshake outcome.
func (m *Metrics) RecordKeyExchange(role string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.keyExchanges.WithLabelValues(role, result).Inc()
}

// SessionOpened increments the established session gauge.
func (m *Metrics) SessionOpened() {
	m.activeSessions.Inc()
}

// SessionClosed decrements the established session gauge.
func (m *Metrics) SessionClosed() {
	m.activeSessions.Dec()
}

// RecordStorageOperation records a storage backend call.
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration) {
	m.storageOperations.WithLabelValues(backend, operation).Inc()
	m.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordStorageError records a storage backend failure.
func (m *Metrics) RecordStorageError(backend, operation, errorType string) {
	m.storageErrors.WithLabelValues(backend, operation, errorType).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the in-flight request gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the in-flight request gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
