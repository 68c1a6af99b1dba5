package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AcquireSucceedsImmediatelyWhileTokensAvailable(t *testing.T) {
	tb := NewTokenBucket("notion", 2, 1)
	require.NoError(t, tb.Acquire(context.Background()))
	require.NoError(t, tb.Acquire(context.Background()))
	assert.InDelta(t, 0, tb.Available(), 0.2)
}

func TestTokenBucket_AcquireBlocksUntilRefill(t *testing.T) {
	tb := NewTokenBucket("notion", 1, 20) // ~50ms per token
	require.NoError(t, tb.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, tb.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTokenBucket_AcquireRespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket("notion", 1, 0.1) // very slow refill
	require.NoError(t, tb.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket_ServesWaitersFIFO(t *testing.T) {
	tb := NewTokenBucket("notion", 1, 50) // fast refill so the test stays quick
	require.NoError(t, tb.Acquire(context.Background())) // drain the initial token

	const n = 5
	order := make([]int, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, tb.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		time.Sleep(2 * time.Millisecond) // stagger arrival so FIFO order is deterministic
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTokenBucket_NextAvailableIsZeroWhenTokensPresent(t *testing.T) {
	tb := NewTokenBucket("notion", 2, 1)
	assert.Equal(t, time.Duration(0), tb.NextAvailable())
}

func TestTokenBucket_NextAvailableEstimatesWaitWhenEmpty(t *testing.T) {
	tb := NewTokenBucket("notion", 1, 1)
	require.NoError(t, tb.Acquire(context.Background()))
	wait := tb.NextAvailable()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)
}

func TestTokenBucket_UpdateRatesAppliesNewCapacity(t *testing.T) {
	tb := NewTokenBucket("notion", 2, 1)
	tb.UpdateRates(10, 5)

	assert.Equal(t, float64(10), tb.Capacity())
	// Tokens already at the old capacity (2) must not be discarded by
	// raising the ceiling.
	assert.InDelta(t, 2, tb.Available(), 0.01)
}

func TestTokenBucket_UpdateRatesClampsTokensToLoweredCapacity(t *testing.T) {
	tb := NewTokenBucket("notion", 10, 5)
	tb.UpdateRates(2, 5)

	assert.Equal(t, float64(2), tb.Capacity())
	assert.InDelta(t, 2, tb.Available(), 0.01)
}
