package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics helpers.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "camofleet").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics helpers.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:   "camofleet",
		Subsystem:   "",
		ConstLabels: nil,
		Buckets:     prometheus.DefBuckets,
		Registry:    prometheus.DefaultRegisterer,
	}
}

// HTTPMetrics holds the per-service HTTP server metrics.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers and returns the HTTP server metrics.
//
// Metrics collected:
//   - <ns>_http_requests_total: Counter of requests by route, method and code
//   - <ns>_http_request_duration_seconds: Histogram of request duration by route and method
func NewHTTPMetrics(opts ...MetricsOption) *HTTPMetrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	return &HTTPMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests processed",
			ConstLabels: config.ConstLabels,
		}, []string{"route", "method", "code"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"route", "method"}),
	}
}

// Middleware records request count and duration per chi route pattern.
// Route patterns keep label cardinality bounded regardless of path
// parameters.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

// ProxyMetrics holds the control-plane's worker proxy metrics.
type ProxyMetrics struct {
	successTotal     *prometheus.CounterVec
	errorTotal       *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeWebsockets *prometheus.GaugeVec
}

// NewProxyMetrics registers and returns the proxy metrics.
//
// Metrics collected:
//   - <ns>_proxy_success_total: Counter of successful proxy requests by worker and operation
//   - <ns>_proxy_error_total: Counter of failed proxy requests by worker and operation
//   - <ns>_proxy_request_duration_seconds: Histogram of proxy request duration
//   - <ns>_active_websockets: Gauge of active WebSocket proxy connections by worker
func NewProxyMetrics(opts ...MetricsOption) *ProxyMetrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	return &ProxyMetrics{
		successTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "proxy_success_total",
			Help:        "Count of successful proxy requests to workers",
			ConstLabels: config.ConstLabels,
		}, []string{"worker", "operation"}),

		errorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "proxy_error_total",
			Help:        "Count of failed proxy requests to workers",
			ConstLabels: config.ConstLabels,
		}, []string{"worker", "operation"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "proxy_request_duration_seconds",
			Help:        "Time spent proxying HTTP requests to workers",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"worker", "operation"}),

		activeWebsockets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_websockets",
			Help:        "Number of active WebSocket proxy connections",
			ConstLabels: config.ConstLabels,
		}, []string{"worker"}),
	}
}

// RecordProxy records one proxy round trip. Transport failures pass a
// nil response status via code < 0; HTTP statuses of 400 and above
// count as errors, everything else as success.
func (m *ProxyMetrics) RecordProxy(worker, operation string, code int, duration time.Duration) {
	m.requestDuration.WithLabelValues(worker, operation).Observe(duration.Seconds())
	if code >= 0 && code < 400 {
		m.successTotal.WithLabelValues(worker, operation).Inc()
		return
	}
	m.errorTotal.WithLabelValues(worker, operation).Inc()
}

// WebSocketOpened records a new bridged WebSocket for worker.
func (m *ProxyMetrics) WebSocketOpened(worker string) {
	m.activeWebsockets.WithLabelValues(worker).Inc()
}

// WebSocketClosed records the end of a bridged WebSocket for worker.
func (m *ProxyMetrics) WebSocketClosed(worker string) {
	m.activeWebsockets.WithLabelValues(worker).Dec()
}
