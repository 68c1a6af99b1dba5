package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWithPriority(id string, p Priority) *Record {
	return RecordFor(ActionDecision{ID: id, Type: "log", Platform: "notion", Priority: p})
}

func TestPriorityQueue_DequeueOrdersHighestPriorityFirst(t *testing.T) {
	q := NewPriorityQueue(10, 100)
	require.NoError(t, q.Enqueue(recordWithPriority("low", PriorityLow)))
	require.NoError(t, q.Enqueue(recordWithPriority("critical", PriorityCritical)))
	require.NoError(t, q.Enqueue(recordWithPriority("normal", PriorityNormal)))

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "critical", first.Decision.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "normal", second.Decision.ID)
}

func TestPriorityQueue_FIFOWithinSamePriority(t *testing.T) {
	q := NewPriorityQueue(10, 100)
	require.NoError(t, q.Enqueue(recordWithPriority("a", PriorityNormal)))
	require.NoError(t, q.Enqueue(recordWithPriority("b", PriorityNormal)))

	first, _ := q.Dequeue(context.Background())
	second, _ := q.Dequeue(context.Background())
	assert.Equal(t, "a", first.Decision.ID)
	assert.Equal(t, "b", second.Decision.ID)
}

func TestPriorityQueue_EvictsLowestPriorityOnOverflow(t *testing.T) {
	q := NewPriorityQueue(2, 100)
	require.NoError(t, q.Enqueue(recordWithPriority("low", PriorityLow)))
	require.NoError(t, q.Enqueue(recordWithPriority("normal", PriorityNormal)))

	require.NoError(t, q.Enqueue(recordWithPriority("critical", PriorityCritical)))
	assert.Equal(t, 2, q.Len())

	first, _ := q.Dequeue(context.Background())
	assert.Equal(t, "critical", first.Decision.ID)
	second, _ := q.Dequeue(context.Background())
	assert.Equal(t, "normal", second.Decision.ID, "low priority record should have been evicted")
}

func TestPriorityQueue_CriticalEnqueueFailsOnlyWhenEveryQueueIsCriticalAndFull(t *testing.T) {
	q := NewPriorityQueue(1, 100)
	require.NoError(t, q.Enqueue(recordWithPriority("c1", PriorityCritical)))

	err := q.Enqueue(recordWithPriority("c2", PriorityCritical))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPriorityQueue_StarvationGuardForcesLowerPriorityEventually(t *testing.T) {
	q := NewPriorityQueue(100, 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(recordWithPriority("high", PriorityHigh)))
	}
	require.NoError(t, q.Enqueue(recordWithPriority("rescued", PriorityLow)))

	seenLow := false
	for i := 0; i < 6; i++ {
		record, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if record.Decision.ID == "rescued" {
			seenLow = true
			break
		}
	}
	assert.True(t, seenLow, "starvation guard must rescue the low-priority record within a few dequeues")
}

func TestPriorityQueue_DequeueBlocksThenUnblocksOnEnqueue(t *testing.T) {
	q := NewPriorityQueue(10, 100)
	result := make(chan *Record, 1)
	go func() {
		record, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		result <- record
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(recordWithPriority("arrived", PriorityNormal)))

	select {
	case record := <-result:
		assert.Equal(t, "arrived", record.Decision.ID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue never unblocked after Enqueue")
	}
}

func TestPriorityQueue_DequeueRespectsContextCancellation(t *testing.T) {
	q := NewPriorityQueue(10, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriorityQueue_CloseUnblocksWaitingDequeue(t *testing.T) {
	q := NewPriorityQueue(10, 100)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Dequeue")
	}
}
