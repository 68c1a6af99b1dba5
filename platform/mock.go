package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// MockClient is an in-memory Client used for development mode
// (core.DevelopmentConfig.MockPlatforms) and tests. It never makes a
// network call; it records every execute/compensate invocation and lets
// tests script failure injection per action type.
type MockClient struct {
	platform string
	logger   core.Logger

	mu       sync.Mutex
	calls    []MockCall
	nextID   atomic.Int64
	failNext map[string]core.ErrorKind // actionType -> kind to fail with, once
	latency  time.Duration
}

// MockCall records one invocation against a MockClient.
type MockCall struct {
	ActionType string
	Params     map[string]interface{}
	At         time.Time
}

// NewMockClient constructs a mock adapter for platform.
func NewMockClient(platform string) *MockClient {
	return &MockClient{
		platform: platform,
		logger:   &core.NoOpLogger{},
		failNext: make(map[string]core.ErrorKind),
	}
}

// SetLogger attaches a component-tagged logger.
func (m *MockClient) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("framework/platform")
	} else {
		m.logger = logger
	}
}

// SetLatency makes every Execute call sleep for d before returning,
// simulating network round-trip time for rate limiter/timeout tests.
func (m *MockClient) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNext arranges for the next Execute of actionType to fail with kind.
// The injected failure is consumed after one use.
func (m *MockClient) FailNext(actionType string, kind core.ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[actionType] = kind
}

// Platform returns the platform tag.
func (m *MockClient) Platform() string { return m.platform }

// Execute records the call and returns either the scripted failure or a
// synthetic success with a deterministic external ID.
func (m *MockClient) Execute(ctx context.Context, actionType string, params map[string]interface{}, deadline time.Time) Result {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{ActionType: actionType, Params: params, At: time.Now()})
	kind, shouldFail := m.failNext[actionType]
	if shouldFail {
		delete(m.failNext, actionType)
	}
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{Ok: false, ErrorKind: core.KindTimeout, Retriable: true}
		case <-timer.C:
		}
	}

	if shouldFail {
		return Result{
			Ok:          false,
			ErrorKind:   kind,
			Retriable:   kind.IsRetriable(),
			IsRateLimit: kind == core.KindRateLimit,
			IsAuth:      kind == core.KindAuth,
		}
	}

	id := m.nextID.Add(1)
	externalID := fmt.Sprintf("%s-mock-%d", m.platform, id)
	m.logger.DebugWithContext(ctx, "mock platform executed action", map[string]interface{}{
		"platform":   m.platform,
		"actionType": actionType,
		"externalId": externalID,
	})
	return Result{Ok: true, ExternalID: externalID, Value: map[string]interface{}{"id": externalID}}
}

// Compensate implements Compensator for workflow rollback tests.
func (m *MockClient) Compensate(ctx context.Context, actionType, externalID string, params map[string]interface{}) Result {
	m.logger.DebugWithContext(ctx, "mock platform compensated action", map[string]interface{}{
		"platform":   m.platform,
		"actionType": actionType,
		"externalId": externalID,
	})
	return Result{Ok: true, ExternalID: externalID}
}

// HealthCheck always succeeds for a mock adapter.
func (m *MockClient) HealthCheck(ctx context.Context) error { return nil }

// Calls returns a snapshot of every recorded invocation, for test assertions.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// IdempotencyKeyFor derives the default idempotency key PipelineExecutor uses
// when an ActionDecision omits one (spec §3: type+platform+hash(params)).
func IdempotencyKeyFor(actionType, platform string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(actionType))
	h.Write([]byte(platform))
	for _, k := range sortedKeys(params) {
		h.Write([]byte(k))
		h.Write([]byte(fmt.Sprintf("%v", params[k])))
	}
	return actionType + ":" + platform + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: param maps are small, and this keeps the hash
	// independent of Go's randomized map iteration order.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
