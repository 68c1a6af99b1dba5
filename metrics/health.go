package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/actionplane/orchestrator/resilience"
)

// PlatformHealth is one platform's reliability-pipeline snapshot: circuit
// breaker state plus token bucket fill level (SPEC_FULL.md C13: "per-platform
// breaker state + bucket fill level").
type PlatformHealth struct {
	Platform        string  `json:"platform"`
	BreakerState    string  `json:"breakerState"`
	BucketAvailable float64 `json:"bucketAvailable"`
	BucketCapacity  float64 `json:"bucketCapacity"`
}

// Snapshot is the full health report across every configured platform
// pipeline, mirroring the teacher's telemetry.Health shape (telemetry/health.go)
// but scoped to the orchestrator's own domain state instead of the telemetry
// subsystem's internal counters.
type Snapshot struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Platforms   []PlatformHealth `json:"platforms"`
}

// AnyBreakerOpen reports whether any platform's circuit breaker is
// currently open, used to pick the HTTP status code HealthHandler returns.
func (s Snapshot) AnyBreakerOpen() bool {
	for _, p := range s.Platforms {
		if p.BreakerState == resilience.StateOpen.String() {
			return true
		}
	}
	return false
}

// HealthSnapshot inspects every pipeline's breaker and token bucket and
// returns a point-in-time Snapshot. pipelines is the same
// map[string]*resilience.Pipeline the executor pipeline (C6) runs against,
// so the cmd/orchestrator wiring can hand its own map straight to this
// function with no adapter layer.
func HealthSnapshot(pipelines map[string]*resilience.Pipeline) Snapshot {
	snap := Snapshot{GeneratedAt: time.Now()}
	for platform, pipeline := range pipelines {
		snap.Platforms = append(snap.Platforms, PlatformHealth{
			Platform:        platform,
			BreakerState:    pipeline.Breaker.GetState().String(),
			BucketAvailable: pipeline.TokenBucket.Available(),
			BucketCapacity:  pipeline.TokenBucket.Capacity(),
		})
	}
	return snap
}

// HealthHandler returns an http.HandlerFunc serving the live Snapshot as
// JSON, mirroring the teacher's telemetry.HealthHandler status-code
// selection: 503 if any platform's breaker is open, 200 otherwise.
func HealthHandler(pipelines map[string]*resilience.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := HealthSnapshot(pipelines)
		w.Header().Set("Content-Type", "application/json")
		if snap.AnyBreakerOpen() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}
}
