// Package middleware provides the HTTP middleware shared by the fleet
// services.
//
// This package includes:
//   - OpenTelemetry tracing middleware and proxy span helpers
//   - Prometheus metrics for HTTP servers and worker proxying
//   - A slog request logger
//   - CORS configuration with the fleet credential rule
//
// # OpenTelemetry
//
// The OpenTelemetry middleware traces every HTTP request using the
// global tracer provider; exporters are a deployment concern.
//
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("camofleet-control"),
//	))
//
// The control plane additionally wraps each worker call in a client
// span:
//
//	ctx, span := middleware.StartProxySpan(ctx, tracer, "create_session", worker, url)
//	defer func() { middleware.EndProxySpan(span, err) }()
//
// # Prometheus
//
// Metrics are registered through promauto against a configurable
// registry, so tests can use a fresh one:
//
//	metrics := middleware.NewHTTPMetrics(
//	    middleware.WithNamespace("worker"),
//	    middleware.WithRegistry(registry),
//	)
//	r.Use(metrics.Middleware)
//
// Then expose the registry:
//
//	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// # CORS
//
// Origins come from service configuration. A wildcard origin list
// disables credentials; any explicit list allows them.
package middleware
