// Package metrics is the C13 ambient metrics/health component: it
// implements core.MetricsRegistry on top of the teacher's OTel instrument
// wrapper (telemetry.MetricInstruments) and installs itself via
// core.SetMetricsRegistry so every other package can emit metrics without
// importing this one (core/interfaces.go: "mirroring the teacher's
// core<->telemetry wiring").
package metrics

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/metric"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/telemetry"
)

// Registry adapts telemetry.MetricInstruments to core.MetricsRegistry.
// Gauge is the one instrument OTel's synchronous API has no equivalent for:
// Registry keeps the last-reported value per (name, label-set) and exposes
// it through a lazily-registered observable gauge, the same last-value
// pattern the teacher's OTelMetricsCollector.RegisterStateGauge uses for a
// single circuit breaker's current state.
type Registry struct {
	instruments *telemetry.MetricInstruments

	mu     sync.Mutex
	gauges map[string]*gaugeValues
}

type gaugeValues struct {
	mu     sync.Mutex
	byAttr map[string]gaugeReading
}

type gaugeReading struct {
	value float64
	attrs []attribute.KeyValue
}

// NewRegistry constructs a Registry backed by a fresh OTel meter named
// meterName (spec §6 ambient stack: one meter per process).
func NewRegistry(meterName string) *Registry {
	return &Registry{
		instruments: telemetry.NewMetricInstruments(meterName),
		gauges:      make(map[string]*gaugeValues),
	}
}

// Install constructs a Registry and registers it as the process-wide
// core.MetricsRegistry, returning it so the caller can Shutdown it later.
func Install(meterName string) *Registry {
	r := NewRegistry(meterName)
	core.SetMetricsRegistry(r)
	return r
}

func attrsFrom(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func labelKey(labels []string) string {
	return strings.Join(labels, "\x1f")
}

// Counter implements core.MetricsRegistry.
func (r *Registry) Counter(name string, labels ...string) {
	_ = r.instruments.RecordCounter(context.Background(), name, 1, metric.WithAttributes(attrsFrom(labels)...))
}

// Histogram implements core.MetricsRegistry.
func (r *Registry) Histogram(name string, value float64, labels ...string) {
	_ = r.instruments.RecordHistogram(context.Background(), name, value, metric.WithAttributes(attrsFrom(labels)...))
}

// EmitWithContext implements core.MetricsRegistry, used for measurements
// that need request-scoped context (e.g. trace correlation) rather than a
// bare counter/gauge, such as the rate limiter's per-acquire wait time.
func (r *Registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	_ = r.instruments.RecordHistogram(ctx, name, value, metric.WithAttributes(attrsFrom(labels)...))
}

// GetBaggage implements core.MetricsRegistry by surfacing OTel baggage
// already attached to ctx, letting a caller tag emitted metrics with
// request-scoped correlation fields without this package knowing what they are.
func (r *Registry) GetBaggage(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for _, member := range baggage.FromContext(ctx).Members() {
		out[member.Key()] = member.Value()
	}
	return out
}

// Gauge implements core.MetricsRegistry. The first call for a given name
// registers an observable gauge; subsequent calls just update the
// last-value cache the registered callback reads from.
func (r *Registry) Gauge(name string, value float64, labels ...string) {
	gv := r.gaugeValuesFor(name)
	gv.mu.Lock()
	gv.byAttr[labelKey(labels)] = gaugeReading{value: value, attrs: attrsFrom(labels)}
	gv.mu.Unlock()
}

func (r *Registry) gaugeValuesFor(name string) *gaugeValues {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gv, ok := r.gauges[name]; ok {
		return gv
	}
	gv := &gaugeValues{byAttr: make(map[string]gaugeReading)}
	r.gauges[name] = gv

	_ = r.instruments.RegisterGauge(name, func(ctx context.Context, observer metric.Observer) error {
		gv.mu.Lock()
		defer gv.mu.Unlock()
		for _, reading := range gv.byAttr {
			observer.(metric.Float64Observer).Observe(reading.value, metric.WithAttributes(reading.attrs...))
		}
		return nil
	})
	return gv
}

// Shutdown releases the registry's OTel gauge callbacks.
func (r *Registry) Shutdown() error {
	return r.instruments.Shutdown()
}

var _ core.MetricsRegistry = (*Registry)(nil)
