package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/orchestrator/core"
)

func newTestBreaker(t *testing.T, threshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "notion",
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
		SuccessThreshold: successThreshold,
	})
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_TripsOpenAfterConsecutiveCountableFailures(t *testing.T) {
	cb := newTestBreaker(t, 3, 1, time.Minute)
	transient := core.NewActionError(core.KindTransient, "op", errors.New("boom"))

	for i := 0; i < 2; i++ {
		cb.RecordResult(transient)
		assert.Equal(t, StateClosed, cb.GetState())
	}
	cb.RecordResult(transient)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_NonCountableErrorsDoNotTripIt(t *testing.T) {
	cb := newTestBreaker(t, 2, 1, time.Minute)
	authErr := core.NewActionError(core.KindAuth, "op", errors.New("denied"))

	for i := 0; i < 10; i++ {
		cb.RecordResult(authErr)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenSuccessClosesBreaker(t *testing.T) {
	cb := newTestBreaker(t, 1, 2, 10*time.Millisecond)
	cb.RecordResult(core.NewActionError(core.KindTimeout, "op", errors.New("x")))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.True(t, cb.Allow())

	cb.RecordResult(nil)
	assert.Equal(t, StateHalfOpen, cb.GetState(), "one success short of successThreshold")

	assert.True(t, cb.Allow())
	cb.RecordResult(nil)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	cb := newTestBreaker(t, 1, 3, 10*time.Millisecond)
	cb.RecordResult(core.NewActionError(core.KindTimeout, "op", errors.New("x")))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())
	require.True(t, cb.Allow())

	cb.RecordResult(core.NewActionError(core.KindServiceUnavailable, "op", errors.New("still down")))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_HalfOpenSerializesProbes(t *testing.T) {
	cb := newTestBreaker(t, 1, 1, 10*time.Millisecond)
	cb.RecordResult(core.NewActionError(core.KindTimeout, "op", errors.New("x")))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "a second probe must not be let through concurrently")
}

func TestCircuitBreaker_ExecuteRejectsWhenOpen(t *testing.T) {
	cb := newTestBreaker(t, 1, 1, time.Minute)
	cb.ForceOpen()

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerOpen, core.KindOf(err))
}

func TestCircuitBreaker_ForceCloseResetsFailureCounter(t *testing.T) {
	cb := newTestBreaker(t, 3, 1, time.Minute)
	cb.RecordResult(core.NewActionError(core.KindTransient, "op", errors.New("x")))
	cb.RecordResult(core.NewActionError(core.KindTransient, "op", errors.New("x")))
	cb.ForceClose()
	assert.Equal(t, StateClosed, cb.GetState())

	cb.RecordResult(core.NewActionError(core.KindTransient, "op", errors.New("x")))
	cb.RecordResult(core.NewActionError(core.KindTransient, "op", errors.New("x")))
	assert.Equal(t, StateClosed, cb.GetState(), "failure counter must have reset, not carried over")
}

func TestCircuitBreaker_UpdateThresholdsRetunesWithoutResettingState(t *testing.T) {
	cb := newTestBreaker(t, 1, 1, time.Hour)
	cb.RecordResult(core.NewActionError(core.KindTimeout, "op", errors.New("x")))
	require.Equal(t, StateOpen, cb.GetState())

	// Lowering ResetTimeout must take effect on the breaker that is
	// already open, not just on the next breaker built from config.
	cb.UpdateThresholds(1, 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())
}

func TestCircuitBreaker_UpdateThresholdsChangesFailureThreshold(t *testing.T) {
	cb := newTestBreaker(t, 5, 2, time.Minute)
	cb.UpdateThresholds(1, 2, time.Minute)

	cb.RecordResult(core.NewActionError(core.KindTransient, "op", errors.New("x")))
	assert.Equal(t, StateOpen, cb.GetState(), "one failure must now be enough to trip")
}
