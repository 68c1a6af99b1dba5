package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddlewareConfig configures TracingMiddleware's behavior.
type TracingMiddlewareConfig struct {
	// ExcludedPaths lists URL paths to exclude from tracing, e.g. "/health".
	ExcludedPaths []string
}

// TracingMiddleware wraps an http.Handler with otelhttp instrumentation,
// giving the orchestrator's own HTTP server (POST /actions, /workflows,
// /approvals/decide, GET /health) the same span-per-request tracing the
// resilience pipeline already gives outbound platform calls. Safe to use
// even when telemetry is disabled — otelhttp falls back to the global
// no-op tracer provider.
func TracingMiddleware(serviceName string, config *TracingMiddlewareConfig) func(http.Handler) http.Handler {
	var opts []otelhttp.Option
	if config != nil && len(config.ExcludedPaths) > 0 {
		excluded := make(map[string]bool, len(config.ExcludedPaths))
		for _, path := range config.ExcludedPaths {
			excluded[path] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !excluded[r.URL.Path]
		}))
	}
	opts = append(opts, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
		return "HTTP " + r.Method + " " + r.URL.Path
	}))

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}
