package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/orchestration"
	"github.com/actionplane/orchestrator/platform"
)

// fakeSubmitter resolves every ActionDecision synchronously according to a
// per-action-type outcome table, recording submission order for assertions.
type fakeSubmitter struct {
	mu       sync.Mutex
	outcomes map[string]*orchestration.Result
	calls    []string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{outcomes: make(map[string]*orchestration.Result)}
}

func (f *fakeSubmitter) succeed(actionType, externalID string) {
	f.outcomes[actionType] = &orchestration.Result{Ok: true, ExternalID: externalID}
}

func (f *fakeSubmitter) fail(actionType string, kind core.ErrorKind) {
	f.outcomes[actionType] = &orchestration.Result{Ok: false, ErrorKind: kind, Message: "boom"}
}

func (f *fakeSubmitter) submit(_ context.Context, decision orchestration.ActionDecision) (<-chan *orchestration.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, decision.Type)
	f.mu.Unlock()

	ch := make(chan *orchestration.Result, 1)
	result, ok := f.outcomes[decision.Type]
	if !ok {
		result = &orchestration.Result{Ok: true, ExternalID: "default"}
	}
	ch <- result
	return ch, nil
}

func TestEngine_Submit_RunsStepsInDependencyOrder(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("create_file", "file-1")
	fs.succeed("append_row", "row-1")
	fs.succeed("notify", "msg-1")

	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	spec := WorkflowSpec{
		WorkflowID: "wf-1",
		Steps: []StepSpec{
			{Name: "A", ActionType: "create_file", Platform: "drive"},
			{Name: "B", ActionType: "append_row", Platform: "sheets", DependsOn: []string{"A"}},
			{Name: "C", ActionType: "notify", Platform: "slack", DependsOn: []string{"B"}},
		},
	}

	run, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.True(t, run.CompletedSteps["A"])
	assert.True(t, run.CompletedSteps["B"])
	assert.True(t, run.CompletedSteps["C"])
	assert.Equal(t, []string{"create_file", "append_row", "notify"}, fs.calls)
}

func TestEngine_Submit_TransactionalRollsBackOnPermanentFailure(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("create_file", "file-1")
	fs.succeed("append_row", "row-1")
	fs.fail("notify", core.KindAuth)
	fs.succeed("delete_row", "")
	fs.succeed("delete_file", "")

	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	spec := WorkflowSpec{
		WorkflowID:    "wf-2",
		Transactional: true,
		Steps: []StepSpec{
			{
				Name: "A", ActionType: "create_file", Platform: "drive",
				OnCompensate: &CompensateSpec{ActionType: "delete_file", Platform: "drive"},
			},
			{
				Name: "B", ActionType: "append_row", Platform: "sheets", DependsOn: []string{"A"},
				OnCompensate: &CompensateSpec{ActionType: "delete_row", Platform: "sheets"},
			},
			{Name: "C", ActionType: "notify", Platform: "slack", DependsOn: []string{"B"}},
		},
	}

	run, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, run.Status)
	assert.Equal(t, "C", run.FailedStep)
	require.Len(t, run.RollbackOutcome, 2)
	// LIFO: B's compensator runs before A's.
	assert.Equal(t, "B", run.RollbackOutcome[0].StepName)
	assert.Equal(t, "A", run.RollbackOutcome[1].StepName)
}

func TestEngine_Submit_NonTransactionalLeavesCompletedWorkInPlace(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("create_file", "file-1")
	fs.fail("notify", core.KindAuth)

	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	spec := WorkflowSpec{
		WorkflowID: "wf-3",
		Steps: []StepSpec{
			{Name: "A", ActionType: "create_file", Platform: "drive"},
			{Name: "C", ActionType: "notify", Platform: "slack", DependsOn: []string{"A"}},
		},
	}

	run, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.True(t, run.CompletedSteps["A"])
	assert.Empty(t, run.RollbackOutcome)
}

func TestEngine_Submit_RejectsCyclicSteps(t *testing.T) {
	fs := newFakeSubmitter()
	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	spec := WorkflowSpec{
		WorkflowID: "wf-cycle",
		Steps: []StepSpec{
			{Name: "A", ActionType: "x", DependsOn: []string{"B"}},
			{Name: "B", ActionType: "y", DependsOn: []string{"A"}},
		},
	}

	_, err := engine.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestEngine_Submit_IdempotentResubmissionReturnsCachedRun(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("create_file", "file-1")

	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	spec := WorkflowSpec{
		WorkflowID:     "wf-4",
		IdempotencyKey: "wf-4-key",
		Steps:          []StepSpec{{Name: "A", ActionType: "create_file", Platform: "drive"}},
	}

	first, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)

	second, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, fs.calls, 1, "second submission must not re-execute the step")
}

func TestEngine_Submit_RollbackCallsCompensatorDirectlyWhenPlatformSupportsIt(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("create_file", "file-1")
	fs.fail("notify", core.KindAuth)

	driveClient := platform.NewMockClient("drive")
	registry := platform.NewRegistry()
	registry.Register(driveClient)

	engine := NewEngine(fs.submit, eventplane.NewBus(), 4)
	engine.SetPlatforms(registry, nil)

	spec := WorkflowSpec{
		WorkflowID:    "wf-compensate",
		Transactional: true,
		Steps: []StepSpec{
			{
				Name: "A", ActionType: "create_file", Platform: "drive",
				OnCompensate: &CompensateSpec{ActionType: "delete_file", Platform: "drive"},
			},
			{Name: "C", ActionType: "notify", Platform: "slack", DependsOn: []string{"A"}},
		},
	}

	run, err := engine.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, run.Status)
	require.Len(t, run.RollbackOutcome, 1)
	assert.True(t, run.RollbackOutcome[0].Result.Ok)

	// The compensator path bypasses Submit entirely for a platform that
	// implements it, so fs never sees "delete_file".
	assert.NotContains(t, fs.calls, "delete_file")
}

func TestEngine_Submit_ConcurrentSiblingsBothRun(t *testing.T) {
	fs := newFakeSubmitter()
	fs.succeed("a", "")
	fs.succeed("b", "")

	engine := NewEngine(fs.submit, eventplane.NewBus(), 2)
	spec := WorkflowSpec{
		WorkflowID: "wf-5",
		Steps: []StepSpec{
			{Name: "A", ActionType: "a"},
			{Name: "B", ActionType: "b"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	run, err := engine.Submit(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.CompletedSteps, 2)
}
