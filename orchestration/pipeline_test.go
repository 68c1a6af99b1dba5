package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
	"github.com/actionplane/orchestrator/platform"
	"github.com/actionplane/orchestrator/resilience"
)

func testPipeline(t *testing.T, platformTag string) *resilience.Pipeline {
	t.Helper()
	p, err := resilience.NewPipeline(platformTag,
		core.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute, SuccessThreshold: 1},
		core.RateLimiterConfig{Capacity: 100, RefillPerSec: 100},
		core.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, JitterMax: 0},
	)
	require.NoError(t, err)
	return p
}

type fakeApprover struct {
	reviewID string
	err      error
}

func (f *fakeApprover) RequestApproval(ctx context.Context, decision ActionDecision, reason string, timeout time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reviewID, nil
}

func newTestExecutor(t *testing.T, notion *platform.MockClient) (*PipelineExecutor, *recordingJournal) {
	t.Helper()
	registry := platform.NewRegistry()
	registry.Register(notion)

	pipelines := map[string]*resilience.Pipeline{"notion": testPipeline(t, "notion")}
	fallback := resilience.NewFallbackDispatcher(nil, nil)
	idem := NewIdempotencyGuard(time.Minute, nil)
	t.Cleanup(idem.Stop)

	exec := NewPipelineExecutor(registry, pipelines, fallback, idem, &fakeApprover{reviewID: "rev-1"},
		eventplane.NewBus(), time.Second, time.Minute)
	rj := &recordingJournal{}
	exec.SetJournal(rj)
	return exec, rj
}

func TestPipelineExecutor_ExecuteSucceedsOnFirstAttempt(t *testing.T) {
	notion := platform.NewMockClient("notion")
	exec, rj := newTestExecutor(t, notion)

	record := RecordFor(ActionDecision{ID: "p1", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}})
	exec.Execute(context.Background(), record)

	require.Equal(t, StateCompleted, record.State)
	assert.True(t, record.Result.Ok)
	assert.NotEmpty(t, record.Result.ExternalID)

	require.Len(t, rj.records, 1)
	assert.Equal(t, journal.KindActionTerminal, rj.records[0].Kind)
	assert.Equal(t, true, rj.records[0].Body["ok"])
}

func TestPipelineExecutor_PermanentFailureWithNoFallbackChainFails(t *testing.T) {
	notion := platform.NewMockClient("notion")
	notion.FailNext("create_task", core.KindValidation)
	exec, _ := newTestExecutor(t, notion)

	record := RecordFor(ActionDecision{ID: "p2", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}})
	exec.Execute(context.Background(), record)

	require.Equal(t, StateFailed, record.State)
	assert.False(t, record.Result.Ok)
	assert.Equal(t, core.KindValidation, record.Result.ErrorKind)
}

func TestPipelineExecutor_FallsBackToSecondPlatformOnPermanentFailure(t *testing.T) {
	notion := platform.NewMockClient("notion")
	notion.FailNext("create_task", core.KindValidation)
	trello := platform.NewMockClient("trello")

	registry := platform.NewRegistry()
	registry.Register(notion)
	registry.Register(trello)

	pipelines := map[string]*resilience.Pipeline{
		"notion": testPipeline(t, "notion"),
		"trello": testPipeline(t, "trello"),
	}
	idem := NewIdempotencyGuard(time.Minute, nil)
	t.Cleanup(idem.Stop)
	exec := NewPipelineExecutor(registry, pipelines, resilience.NewFallbackDispatcher(nil, nil), idem,
		&fakeApprover{}, eventplane.NewBus(), time.Second, time.Minute)

	record := RecordFor(ActionDecision{ID: "p3", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}, FallbackChain: []string{"trello"}})
	exec.Execute(context.Background(), record)

	require.Equal(t, StateCompleted, record.State)
	assert.True(t, record.Result.UsedFallback)
	assert.Equal(t, "trello", record.Result.FallbackPlatform)
}

func TestPipelineExecutor_FallbackChainExhaustedFails(t *testing.T) {
	notion := platform.NewMockClient("notion")
	notion.FailNext("create_task", core.KindValidation)
	trello := platform.NewMockClient("trello")
	trello.FailNext("create_task", core.KindValidation)

	registry := platform.NewRegistry()
	registry.Register(notion)
	registry.Register(trello)

	pipelines := map[string]*resilience.Pipeline{
		"notion": testPipeline(t, "notion"),
		"trello": testPipeline(t, "trello"),
	}
	idem := NewIdempotencyGuard(time.Minute, nil)
	t.Cleanup(idem.Stop)
	exec := NewPipelineExecutor(registry, pipelines, resilience.NewFallbackDispatcher(nil, nil), idem,
		&fakeApprover{}, eventplane.NewBus(), time.Second, time.Minute)

	record := RecordFor(ActionDecision{ID: "p4", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}, FallbackChain: []string{"trello"}})
	exec.Execute(context.Background(), record)

	require.Equal(t, StateFailed, record.State)
	assert.False(t, record.Result.Ok)
	assert.True(t, record.Result.UsedFallback)
}

func TestPipelineExecutor_RequiresApprovalHoldsRecordAwaiting(t *testing.T) {
	notion := platform.NewMockClient("notion")
	exec, rj := newTestExecutor(t, notion)

	record := RecordFor(ActionDecision{ID: "p5", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}, RequiresApproval: true})
	exec.Execute(context.Background(), record)

	assert.Equal(t, StateAwaitingApproval, record.State)
	assert.Empty(t, notion.Calls(), "platform must not be called while awaiting approval")
	assert.Empty(t, rj.records, "no terminal journal record until the action actually runs")
}

func TestPipelineExecutor_SecondCallWithSameIdempotencyKeyReturnsCachedResult(t *testing.T) {
	notion := platform.NewMockClient("notion")
	exec, _ := newTestExecutor(t, notion)

	decision := ActionDecision{ID: "p6", Type: "create_task", Platform: "notion",
		Params: map[string]interface{}{"title": "x"}, IdempotencyKey: "fixed-key"}

	first := RecordFor(decision)
	exec.Execute(context.Background(), first)
	require.True(t, first.Result.Ok)

	second := RecordFor(decision)
	exec.Execute(context.Background(), second)
	require.True(t, second.Result.Ok)

	assert.Equal(t, first.Result.ExternalID, second.Result.ExternalID)
	assert.Len(t, notion.Calls(), 1, "the platform must be invoked exactly once for a repeated idempotency key")
}
