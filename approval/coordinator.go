// Package approval implements the Approval Coordinator (C10): it stores
// PendingReviews, arms a single-shot timeout timer per review, and
// re-submits approved (or timeout-approved) decisions back into the router
// (C7) with RequiresApproval cleared and an approvedBy tag bound.
//
// This package imports orchestration, not the reverse: Coordinator
// implements orchestration.ApprovalRequester, the interface the executor
// pipeline (C6) calls into, exactly mirroring the submit-callback pattern
// workflow/engine.go uses to avoid the same cyclic reference (spec §9).
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
	"github.com/actionplane/orchestrator/orchestration"
)

// TimeoutAction is what the coordinator does automatically if a review's
// timeoutAt passes with no human decision (spec §3).
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// Status is a PendingReview's lifecycle position (spec §3).
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed-out"
)

// PendingReview is owned by the Approval Coordinator (spec §3).
type PendingReview struct {
	ReviewID      string
	Decision      orchestration.ActionDecision
	Reason        string
	QueuedAt      time.Time
	TimeoutAt     time.Time
	TimeoutAction TimeoutAction

	mu       sync.Mutex
	status   Status
	reviewer string
	notes    string
	timer    *time.Timer
}

// Status returns the review's current terminal-or-pending status.
func (r *PendingReview) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Resubmitter is the subset of the router (C7) the coordinator needs to
// re-admit an approved decision. orchestration.Router satisfies this
// directly; tests can supply a fake.
type Resubmitter interface {
	Admit(decision orchestration.ActionDecision) (*orchestration.Record, error)
}

// Coordinator is the Approval Coordinator (C10). It is the sole mutator of
// any review's terminal status: timer callbacks and approve/reject calls
// race through the same per-review mutex, so exactly one of them wins
// (spec §4.9: "the coordinator is the sole mutator of a review's terminal
// status; timer callbacks and UI calls race through a single mutex per
// review or equivalent serialization").
type Coordinator struct {
	mu      sync.RWMutex
	reviews map[string]*PendingReview

	resubmit        Resubmitter
	events          *eventplane.Bus
	logger          core.Logger
	journal         journal.Journal
	defaultTimeout  time.Duration
	defaultOnExpiry TimeoutAction
}

// NewCoordinator constructs a coordinator re-submitting approved decisions
// through resubmit and publishing lifecycle events to events.
func NewCoordinator(resubmit Resubmitter, events *eventplane.Bus, defaultTimeout time.Duration, defaultOnExpiry TimeoutAction) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 15 * time.Minute
	}
	if defaultOnExpiry == "" {
		defaultOnExpiry = TimeoutReject
	}
	return &Coordinator{
		reviews:         make(map[string]*PendingReview),
		resubmit:        resubmit,
		events:          events,
		logger:          &core.NoOpLogger{},
		journal:         journal.NewNoOp(),
		defaultTimeout:  defaultTimeout,
		defaultOnExpiry: defaultOnExpiry,
	}
}

// SetJournal installs the append-only recovery journal (C12). Unset, every
// Append is a silent no-op via journal.NewNoOp().
func (c *Coordinator) SetJournal(j journal.Journal) {
	if j == nil {
		return
	}
	c.journal = j
}

// SetLogger attaches a component-tagged logger.
func (c *Coordinator) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("framework/approval")
	} else {
		c.logger = logger
	}
}

// RequestApproval implements orchestration.ApprovalRequester (spec §4.9):
// it stores a PendingReview and arms a single-shot timer for timeoutAt.
func (c *Coordinator) RequestApproval(ctx context.Context, decision orchestration.ActionDecision, reason string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	reviewID := uuid.NewString()
	now := time.Now()
	review := &PendingReview{
		ReviewID:      reviewID,
		Decision:      decision,
		Reason:        reason,
		QueuedAt:      now,
		TimeoutAt:     now.Add(timeout),
		TimeoutAction: c.defaultOnExpiry,
		status:        StatusPending,
	}

	c.mu.Lock()
	c.reviews[reviewID] = review
	c.mu.Unlock()

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.approval.pending", "reason", reason)
	}

	review.timer = time.AfterFunc(timeout, func() { c.onTimeout(reviewID) })
	return reviewID, nil
}

// Approve records an approval decision for reviewID and re-submits the
// underlying action into C7 with requiresApproval=false (spec §4.9). The
// first terminal call for a review wins; later calls return
// core.ErrAlreadyDecided.
func (c *Coordinator) Approve(ctx context.Context, reviewID, reviewer, notes string) error {
	return c.decide(ctx, reviewID, StatusApproved, reviewer, notes)
}

// Reject records a rejection for reviewID. Subsequent calls for the same
// review return core.ErrAlreadyDecided.
func (c *Coordinator) Reject(ctx context.Context, reviewID, reviewer, notes string) error {
	return c.decide(ctx, reviewID, StatusRejected, reviewer, notes)
}

func (c *Coordinator) decide(ctx context.Context, reviewID string, status Status, reviewer, notes string) error {
	c.mu.RLock()
	review, ok := c.reviews[reviewID]
	c.mu.RUnlock()
	if !ok {
		return core.ErrReviewNotFound
	}

	review.mu.Lock()
	if review.status != StatusPending {
		review.mu.Unlock()
		return core.ErrAlreadyDecided
	}
	review.status = status
	review.reviewer = reviewer
	review.notes = notes
	if review.timer != nil {
		review.timer.Stop()
	}
	review.mu.Unlock()

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.approval.decided", "status", string(status))
	}

	c.finalize(ctx, review)
	return nil
}

func (c *Coordinator) onTimeout(reviewID string) {
	c.mu.RLock()
	review, ok := c.reviews[reviewID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	review.mu.Lock()
	if review.status != StatusPending {
		review.mu.Unlock()
		return
	}
	review.status = StatusTimedOut
	review.reviewer = "system"
	review.notes = fmt.Sprintf("auto-%sd on timeout", review.TimeoutAction)
	review.mu.Unlock()

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.approval.timeouts", "action", string(review.TimeoutAction))
	}

	c.finalize(context.Background(), review)
}

// finalize acts on a review's just-recorded terminal status: approve (or
// timeout-approve) re-submits through the router; reject (or
// timeout-reject) emits action:rejected with no side effect (spec §4.9).
func (c *Coordinator) finalize(ctx context.Context, review *PendingReview) {
	review.mu.Lock()
	status := review.status
	reviewer := review.reviewer
	notes := review.notes
	review.mu.Unlock()

	_ = c.journal.Append(journal.NewRecord(journal.KindReviewTransition, review.ReviewID, map[string]interface{}{
		"actionId": review.Decision.ID,
		"status":   string(status),
		"reviewer": reviewer,
	}))

	approves := status == StatusApproved || (status == StatusTimedOut && review.TimeoutAction == TimeoutApprove)
	if !approves {
		c.publish(review, eventplane.KindActionRejected, map[string]interface{}{
			"actionId": review.Decision.ID,
			"reason":   fmt.Sprintf("%s by %s: %s", status, reviewer, notes),
		})
		return
	}

	approved := review.Decision
	approved.RequiresApproval = false
	approved.ApprovedBy = reviewer

	if c.resubmit == nil {
		return
	}
	if _, err := c.resubmit.Admit(approved); err != nil {
		c.logger.ErrorWithContext(ctx, "failed to resubmit approved decision", map[string]interface{}{
			"reviewId": review.ReviewID,
			"actionId": review.Decision.ID,
			"error":    err.Error(),
		})
	}
}

func (c *Coordinator) publish(review *PendingReview, kind eventplane.Kind, fields map[string]interface{}) {
	if c.events == nil {
		return
	}
	c.events.Publish(eventplane.New(kind, review.Decision.CorrelationID, eventplane.Priority(review.Decision.Priority), fields))
}

// Get returns the review for reviewID, or nil if unknown. Mainly for tests
// and observability endpoints.
func (c *Coordinator) Get(reviewID string) *PendingReview {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reviews[reviewID]
}
