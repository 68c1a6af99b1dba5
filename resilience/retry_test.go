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

func TestRetrier_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	calls := 0

	err := r.Do(context.Background(), "notion", nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_RetriesTransientErrorsUpToMaxAttempts(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	calls := 0

	err := r.Do(context.Background(), "notion", nil, func(ctx context.Context) error {
		calls++
		return core.NewActionError(core.KindTransient, "op", errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_NonRetriableErrorStopsImmediately(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})
	calls := 0

	err := r.Do(context.Background(), "notion", nil, func(ctx context.Context) error {
		calls++
		return core.NewActionError(core.KindValidation, "op", errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRetrier_RateLimitUsesProvidedDelayInsteadOfBackoffSchedule(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 2, InitialDelay: time.Hour})
	var usedRateLimitDelay bool

	start := time.Now()
	_ = r.Do(context.Background(), "notion", func() time.Duration {
		usedRateLimitDelay = true
		return 5 * time.Millisecond
	}, func(ctx context.Context) error {
		return core.NewActionError(core.KindRateLimit, "op", errors.New("429"))
	})

	assert.True(t, usedRateLimitDelay)
	assert.Less(t, time.Since(start), time.Second, "must not have waited the hour-long default backoff")
}

func TestRetrier_ContextCancellationStopsRetryLoop(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "notion", nil, func(ctx context.Context) error {
		calls++
		return core.NewActionError(core.KindTransient, "op", errors.New("flaky"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 5)
}

func TestRetrier_HooksObserveAttemptsAndRetries(t *testing.T) {
	r := NewRetrier(core.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})
	var attempts []int
	var retried bool

	_ = r.DoWithHooks(context.Background(), "notion", nil, &RetryHooks{
		OnAttempt: func(attempt int) { attempts = append(attempts, attempt) },
		OnRetry:   func(attempt int, delay time.Duration, kind core.ErrorKind) { retried = true },
	}, func(ctx context.Context) error {
		return core.NewActionError(core.KindTimeout, "op", errors.New("slow"))
	})

	assert.Equal(t, []int{1, 2}, attempts)
	assert.True(t, retried)
}
