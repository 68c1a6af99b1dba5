package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDAG_ReadySteps_RespectsDependencies(t *testing.T) {
	d := newDAG()
	d.addStep("A", nil)
	d.addStep("B", []string{"A"})
	d.addStep("C", []string{"B"})
	require.NoError(t, d.validate())

	assert.Equal(t, []string{"A"}, d.readySteps())

	d.markRunning("A")
	assert.Empty(t, d.readySteps())

	d.markCompleted("A")
	assert.Equal(t, []string{"B"}, d.readySteps())
	assert.False(t, d.isComplete())
}

func TestDAG_Validate_DetectsCycle(t *testing.T) {
	d := newDAG()
	d.addStep("A", []string{"B"})
	d.addStep("B", []string{"A"})
	assert.Error(t, d.validate())
}

func TestDAG_Validate_DetectsMissingDependency(t *testing.T) {
	d := newDAG()
	d.addStep("A", []string{"ghost"})
	assert.Error(t, d.validate())
}

func TestDAG_MarkFailed_CascadesSkipToDependents(t *testing.T) {
	d := newDAG()
	d.addStep("A", nil)
	d.addStep("B", []string{"A"})
	d.addStep("C", []string{"B"})
	require.NoError(t, d.validate())

	d.markRunning("A")
	d.markFailed("A")

	assert.Equal(t, stepFailed, d.statusOf("A"))
	assert.Equal(t, stepSkipped, d.statusOf("B"))
	assert.Equal(t, stepSkipped, d.statusOf("C"))
	assert.True(t, d.isComplete())
	assert.False(t, d.hasRunning())
}

func TestDAG_FailedDependencySkipsDependentDespiteCompletedSibling(t *testing.T) {
	// D depends on both A and E. A's failure skips D at once, so E
	// completing afterwards leaves D skipped and never ready.
	d := newDAG()
	d.addStep("A", nil)
	d.addStep("E", nil)
	d.addStep("D", []string{"A", "E"})
	require.NoError(t, d.validate())

	d.markRunning("A")
	d.markFailed("A")
	d.markRunning("E")
	d.markCompleted("E")

	assert.Equal(t, stepSkipped, d.statusOf("D"))
	assert.Empty(t, d.readySteps())
}

func TestDAG_IndependentBranchesBothReady(t *testing.T) {
	d := newDAG()
	d.addStep("A", nil)
	d.addStep("B", nil)
	require.NoError(t, d.validate())

	ready := d.readySteps()
	assert.ElementsMatch(t, []string{"A", "B"}, ready)
}
