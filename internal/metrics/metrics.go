// Package metrics provides Prometheus metrics for vizmeta
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for vizmeta
type Metrics struct {
	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreItems             prometheus.Gauge
	StoreSubscribers       prometheus.Gauge
	ChangesTotal           prometheus.Counter
	NotificationsTotal     prometheus.Counter
	ProtectedSkipsTotal    prometheus.Counter
	DeletionsTotal         prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// gRPC request metrics
	GrpcRequestsTotal   *prometheus.CounterVec
	GrpcRequestDuration *prometheus.HistogramVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizmeta_store_operations_total",
			Help: "Total number of metadata store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vizmeta_store_operation_duration_seconds",
			Help:    "Duration of metadata store operations in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation"},
	)

	m.StoreItems = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizmeta_store_items",
			Help: "Number of items currently held by the store",
		},
	)

	m.StoreSubscribers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizmeta_store_subscribers",
			Help: "Number of active subscriptions",
		},
	)

	m.ChangesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "vizmeta_store_changes_total",
			Help: "Total number of item writes that changed a record",
		},
	)

	m.NotificationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "vizmeta_store_notifications_total",
			Help: "Total number of subscriber callbacks invoked",
		},
	)

	m.ProtectedSkipsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "vizmeta_store_protected_skips_total",
			Help: "Total number of writes dropped because the key is protected",
		},
	)

	m.DeletionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "vizmeta_store_deletions_total",
			Help: "Total number of items removed by visualization swaps",
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizmeta_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vizmeta_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizmeta_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizmeta_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vizmeta_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizmeta_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until done is closed
func (m *Metrics) RunUptime(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-done:
			return
		}
	}
}

// RecordStoreOperation records a store operation with its status
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request with its status
func (m *Metrics) RecordHTTPRequest(route string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdateStoreStats updates store size gauges
func (m *Metrics) UpdateStoreStats(items int, subscribers int) {
	m.StoreItems.Set(float64(items))
	m.StoreSubscribers.Set(float64(subscribers))
}
