package approval

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
)

type fakeResubmitter struct {
	mu        sync.Mutex
	decisions []orchestration.ActionDecision
}

func (f *fakeResubmitter) Admit(decision orchestration.ActionDecision) (*orchestration.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decision)
	return orchestration.RecordFor(decision), nil
}

func TestCoordinator_Approve_ResubmitsWithApprovalCleared(t *testing.T) {
	fr := &fakeResubmitter{}
	coord := NewCoordinator(fr, eventplane.NewBus(), time.Minute, TimeoutReject)

	decision := orchestration.ActionDecision{ID: "a1", Type: "notify", Platform: "slack", RequiresApproval: true}
	reviewID, err := coord.RequestApproval(context.Background(), decision, "sensitive", time.Minute)
	require.NoError(t, err)

	require.NoError(t, coord.Approve(context.Background(), reviewID, "alice", "looks fine"))

	require.Len(t, fr.decisions, 1)
	assert.False(t, fr.decisions[0].RequiresApproval)
	assert.Equal(t, "alice", fr.decisions[0].ApprovedBy)
	assert.Equal(t, StatusApproved, coord.Get(reviewID).Status())
}

func TestCoordinator_Reject_NeverResubmits(t *testing.T) {
	fr := &fakeResubmitter{}
	coord := NewCoordinator(fr, eventplane.NewBus(), time.Minute, TimeoutReject)

	decision := orchestration.ActionDecision{ID: "a2", Type: "notify", Platform: "slack", RequiresApproval: true}
	reviewID, err := coord.RequestApproval(context.Background(), decision, "sensitive", time.Minute)
	require.NoError(t, err)

	require.NoError(t, coord.Reject(context.Background(), reviewID, "bob", "no"))
	assert.Empty(t, fr.decisions)
	assert.Equal(t, StatusRejected, coord.Get(reviewID).Status())
}

func TestCoordinator_SecondDecisionReturnsAlreadyDecided(t *testing.T) {
	fr := &fakeResubmitter{}
	coord := NewCoordinator(fr, eventplane.NewBus(), time.Minute, TimeoutReject)

	decision := orchestration.ActionDecision{ID: "a3", Type: "notify", Platform: "slack", RequiresApproval: true}
	reviewID, err := coord.RequestApproval(context.Background(), decision, "sensitive", time.Minute)
	require.NoError(t, err)

	require.NoError(t, coord.Approve(context.Background(), reviewID, "alice", "ok"))
	err = coord.Reject(context.Background(), reviewID, "bob", "too late")
	assert.ErrorIs(t, err, core.ErrAlreadyDecided)
	assert.Len(t, fr.decisions, 1)
}

func TestCoordinator_UnknownReviewReturnsNotFound(t *testing.T) {
	coord := NewCoordinator(&fakeResubmitter{}, eventplane.NewBus(), time.Minute, TimeoutReject)
	err := coord.Approve(context.Background(), "does-not-exist", "alice", "")
	assert.ErrorIs(t, err, core.ErrReviewNotFound)
}

func TestCoordinator_TimeoutApprove_AutoResubmits(t *testing.T) {
	fr := &fakeResubmitter{}
	coord := NewCoordinator(fr, eventplane.NewBus(), time.Minute, TimeoutApprove)

	decision := orchestration.ActionDecision{ID: "a4", Type: "notify", Platform: "slack", RequiresApproval: true}
	reviewID, err := coord.RequestApproval(context.Background(), decision, "sensitive", 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Get(reviewID).Status() == StatusTimedOut
	}, time.Second, 5*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Len(t, fr.decisions, 1)
	assert.Equal(t, "system", fr.decisions[0].ApprovedBy)
}

func TestCoordinator_TimeoutReject_NeverResubmits(t *testing.T) {
	fr := &fakeResubmitter{}
	coord := NewCoordinator(fr, eventplane.NewBus(), time.Minute, TimeoutReject)

	decision := orchestration.ActionDecision{ID: "a5", Type: "notify", Platform: "slack", RequiresApproval: true}
	reviewID, err := coord.RequestApproval(context.Background(), decision, "sensitive", 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Get(reviewID).Status() == StatusTimedOut
	}, time.Second, 5*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Empty(t, fr.decisions)
}
