package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/actionplane/orchestrator/core"
)

func TestRegistry_ImplementsCoreMetricsRegistry(t *testing.T) {
	var _ core.MetricsRegistry = NewRegistry("test-meter-iface")
}

func TestRegistry_CounterAndHistogramDoNotPanic(t *testing.T) {
	r := NewRegistry("test-meter-counter")
	assert.NotPanics(t, func() {
		r.Counter("orchestrator.action.executions", "platform", "notion")
		r.Histogram("orchestrator.action.duration_ms", 42.5, "platform", "notion")
		r.EmitWithContext(context.Background(), "orchestrator.rate_limiter.wait_time_ms", 3, "platform", "slack")
	})
}

func TestRegistry_GaugeRegistersOnceAcrossRepeatedCalls(t *testing.T) {
	r := NewRegistry("test-meter-gauge")
	assert.NotPanics(t, func() {
		r.Gauge("orchestrator.queue.depth", 1, "priority", "high")
		r.Gauge("orchestrator.queue.depth", 2, "priority", "high")
		r.Gauge("orchestrator.queue.depth", 5, "priority", "low")
	})

	gv := r.gaugeValuesFor("orchestrator.queue.depth")
	gv.mu.Lock()
	defer gv.mu.Unlock()
	assert.Len(t, gv.byAttr, 2, "one tracked reading per distinct label set")
	assert.Equal(t, 2.0, gv.byAttr[labelKey([]string{"priority", "high"})].value)
}

func TestRegistry_GetBaggageReturnsEmptyMapWithoutBaggage(t *testing.T) {
	r := NewRegistry("test-meter-baggage")
	out := r.GetBaggage(context.Background())
	assert.Empty(t, out)
}

func TestInstall_RegistersWithCore(t *testing.T) {
	r := Install("test-meter-install")
	defer core.SetMetricsRegistry(nil)

	assert.Same(t, core.MetricsRegistry(r), core.GetGlobalMetricsRegistry())
}
