package orchestration

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/actionplane/orchestrator/core"
)

// ErrQueueFull is returned when the queue is at maxSize and no queued record
// ranks strictly below the incoming one, so nothing can be evicted; a
// critical enqueue therefore fails only when every queued record is critical
// (spec §3: "an enqueue at critical never fails unless all sub-queues are
// full of critical").
var ErrQueueFull = core.ErrQueueFull

var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// PriorityQueue is the single per-process bounded work queue (C8): four
// FIFO sub-queues keyed by priority, scanned high-to-low on dequeue, with a
// starvation guard that forces service of the best non-empty lower
// priority after K consecutive same-or-higher dequeues (spec §4.7).
type PriorityQueue struct {
	mu sync.Mutex

	subqueues map[Priority]*list.List
	maxSize   int
	size      int

	starvationGuardK int
	streak           int // consecutive dequeues not forced by the guard

	// notifyCh is closed and replaced on every state change (enqueue,
	// close), waking every blocked Dequeue without a sync.Cond, which
	// cannot be interrupted by ctx.Done().
	notifyCh chan struct{}

	logger core.Logger
	closed bool
}

// NewPriorityQueue constructs a queue bounded at maxSize total records,
// with starvationGuardK consecutive dequeues (default 16, per spec §4.7)
// before the guard forces a lower-priority dequeue.
func NewPriorityQueue(maxSize, starvationGuardK int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if starvationGuardK <= 0 {
		starvationGuardK = 16
	}
	q := &PriorityQueue{
		subqueues:        make(map[Priority]*list.List, len(priorityOrder)),
		maxSize:          maxSize,
		starvationGuardK: starvationGuardK,
		notifyCh:         make(chan struct{}),
		logger:           &core.NoOpLogger{},
	}
	for _, p := range priorityOrder {
		q.subqueues[p] = list.New()
	}
	return q
}

// SetLogger attaches a component-tagged logger.
func (q *PriorityQueue) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		q.logger = cal.WithComponent("framework/orchestration")
	} else {
		q.logger = logger
	}
}

// wakeLocked signals every blocked Dequeue. Must be called with mu held.
func (q *PriorityQueue) wakeLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// Enqueue admits record at its decision's priority. On overflow, the head of
// the lowest-priority non-empty sub-queue ranked strictly below the record is
// evicted to make room; if no queued record ranks below it (a peer is never
// evicted), Enqueue returns ErrQueueFull.
func (q *PriorityQueue) Enqueue(record *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("queue closed")
	}

	priority := record.Decision.Priority
	if q.size >= q.maxSize {
		if !q.evictLowestLocked(priority) {
			return ErrQueueFull
		}
	}

	q.subqueues[priority].PushBack(record)
	q.size++
	q.wakeLocked()

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge("orchestrator.queue.depth", float64(q.size), "priority", string(priority))
		registry.Counter("orchestrator.queue.enqueued", "priority", string(priority))
	}
	return nil
}

// evictLowestLocked evicts the head of the lowest-priority non-empty
// sub-queue strictly below incoming, so incoming always outranks whatever
// it displaces. Returns false if no eviction is possible (incoming would
// have to evict a peer or superior, which is disallowed).
func (q *PriorityQueue) evictLowestLocked(incoming Priority) bool {
	for i := len(priorityOrder) - 1; i >= 0; i-- {
		p := priorityOrder[i]
		if priorityRank[p] <= priorityRank[incoming] {
			break
		}
		if q.subqueues[p].Len() > 0 {
			q.subqueues[p].Remove(q.subqueues[p].Front())
			q.size--
			if registry := core.GetGlobalMetricsRegistry(); registry != nil {
				registry.Counter("orchestrator.queue.evictions", "priority", string(p))
			}
			return true
		}
	}
	return false
}

// Dequeue blocks until a record is available or ctx is done, then returns
// the highest-priority head, subject to the starvation guard.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*Record, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			record := q.popLocked()
			q.mu.Unlock()
			if registry := core.GetGlobalMetricsRegistry(); registry != nil {
				registry.Counter("orchestrator.queue.dequeued", "priority", string(record.Decision.Priority))
			}
			return record, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, errors.New("queue closed")
		}
		ch := q.notifyCh
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popLocked selects the next record, applying the starvation guard: after
// starvationGuardK consecutive dequeues, the next pick is forced to the
// best non-empty priority other than the true highest, if one exists.
// Must be called with mu held and q.size > 0.
func (q *PriorityQueue) popLocked() *Record {
	q.streak++

	forceRescue := q.streak > q.starvationGuardK
	skipped := false
	for _, p := range priorityOrder {
		sub := q.subqueues[p]
		if sub.Len() == 0 {
			continue
		}
		if forceRescue && !skipped && q.anyLowerNonEmptyLocked(p) {
			skipped = true
			continue
		}
		elem := sub.Front()
		sub.Remove(elem)
		q.size--
		if forceRescue {
			q.streak = 0
		}
		return elem.Value.(*Record)
	}
	return nil
}

func (q *PriorityQueue) anyLowerNonEmptyLocked(above Priority) bool {
	for _, p := range priorityOrder {
		if priorityRank[p] > priorityRank[above] && q.subqueues[p].Len() > 0 {
			return true
		}
	}
	return false
}

// Len returns the current total record count across all sub-queues.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close wakes every blocked Dequeue so workers can exit.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}
