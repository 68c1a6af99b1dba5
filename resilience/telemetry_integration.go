package resilience

import (
	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/telemetry"
)

// TelemetryMetrics implements MetricsCollector via the package-level
// telemetry API (telemetry.Counter/Gauge), for deployments that want plain
// metric emission without constructing OTel instruments directly (see
// OTelMetricsCollector in metrics_otel.go for the alternative).
type TelemetryMetrics struct{}

// NewTelemetryMetrics creates a metrics collector backed by the telemetry package.
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "state", "success")
}

func (t *TelemetryMetrics) RecordFailure(name string, errorKind core.ErrorKind) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "state", "failure")
	telemetry.Counter("circuit_breaker.failures", "name", name, "error_kind", string(errorKind))
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to CircuitState) {
	telemetry.Counter("circuit_breaker.state_changes",
		"name", name,
		"from_state", from.String(),
		"to_state", to.String())

	stateValue := 0.0
	switch to {
	case StateHalfOpen:
		stateValue = 0.5
	case StateOpen:
		stateValue = 1.0
	}
	telemetry.Gauge("circuit_breaker.current_state", stateValue, "name", name)
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	telemetry.Counter("circuit_breaker.rejected", "name", name)
}
