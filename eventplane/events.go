// Package eventplane implements the typed publish/subscribe contracts (C11)
// that every other component uses to surface state transitions: the action
// lifecycle, circuit breaker transitions, and workflow rollback lifecycle.
// Subscribers declare the subset of event kinds they handle; there is no
// dynamic listener-map dispatch by string (spec §9: "Event buses built on
// dynamic listener maps -> typed publish/subscribe where the event kind is
// a discriminated sum").
package eventplane

import (
	"time"
)

// Kind discriminates every event this plane carries (spec §6's outbound
// events table, plus the two inbound kinds it relays for symmetry).
type Kind string

const (
	KindActionReady            Kind = "action:ready"
	KindWorkflowSubmit         Kind = "workflow:submit"
	KindActionQueued           Kind = "action:queued"
	KindActionStarted          Kind = "action:started"
	KindActionRetrying         Kind = "action:retrying"
	KindActionCompleted        Kind = "action:completed"
	KindActionFailed           Kind = "action:failed"
	KindActionRequiresApproval Kind = "action:requires_approval"
	KindActionRejected         Kind = "action:rejected"
	KindCircuitOpened          Kind = "circuit:opened"
	KindCircuitClosed          Kind = "circuit:closed"
	KindCircuitHalfOpen        Kind = "circuit:half-open"
	KindWorkflowStepCompleted  Kind = "workflow:step_completed"
	KindWorkflowRollbackStarted Kind = "workflow:rollback_started"
	KindWorkflowRollbackFailed  Kind = "workflow:rollback_failed"
	KindWorkflowRolledBack      Kind = "workflow:rolled_back"
)

// Priority mirrors the suggested delivery priority from spec §6's outbound
// table. Kept as a plain string type (rather than importing orchestration's
// Priority) so eventplane has no dependency on the packages that publish to
// it — orchestration, workflow, and approval all import eventplane, never
// the reverse.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Event is the single envelope shape carried by the bus. Every event
// carries a timestamp, a fixed source tag, and the correlation id threaded
// from the originating decision (spec §6: "All outbound events carry
// timestamp, source=orchestrator, and the correlation id").
type Event struct {
	Kind          Kind
	Source        string
	Timestamp     time.Time
	CorrelationID string
	Priority      Priority
	Fields        map[string]interface{}
}

// Source is the fixed value every event emitted by this process carries.
const Source = "orchestrator"

// New constructs an Event stamped with Source and now().
func New(kind Kind, correlationID string, priority Priority, fields map[string]interface{}) Event {
	return Event{
		Kind:          kind,
		Source:        Source,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Priority:      priority,
		Fields:        fields,
	}
}
