// Package journal implements the optional append-only recovery journal
// (C12): one typed envelope per state transition, which Replay reads back
// in order; the orchestrator does not replay it on startup, so live state is
// not rebuilt from it (spec §6:
// "Persisted state layout (optional journal)"). Every other component
// depends on journal.Journal, never on a concrete implementation, so the
// default wiring can be the no-op store with zero code changes elsewhere.
package journal

import (
	"time"

	"github.com/actionplane/orchestrator/core"
)

// Kind discriminates a journal record's payload shape (spec §6).
type Kind string

const (
	KindActionAdmitted   Kind = "action_admitted"
	KindActionAttempt    Kind = "action_attempt"
	KindActionTerminal   Kind = "action_terminal"
	KindWorkflowStep     Kind = "workflow_step"
	KindReviewTransition Kind = "review_transition"
	KindIdempotencyDone  Kind = "idempotency_done"
)

// Record is one journal envelope: `{kind, id, ts, body}` (spec §6). Body
// carries whatever fields the emitting component needs to reconstruct state
// on replay; it is kept as a plain map rather than a typed union because
// the six kinds share no common payload shape and the journal itself never
// interprets Body, only the replay callback does.
type Record struct {
	Kind Kind                   `json:"kind"`
	ID   string                 `json:"id"`
	Ts   time.Time              `json:"ts"`
	Body map[string]interface{} `json:"body"`
}

// NewRecord stamps a Record with now().
func NewRecord(kind Kind, id string, body map[string]interface{}) Record {
	return Record{Kind: kind, ID: id, Ts: time.Now(), Body: body}
}

// Journal is the append-only log every state-transition-owning component
// (the router, the idempotency guard, the workflow engine, the approval
// coordinator) writes through. Replay is sequential and read-only: the
// caller supplies the reconstruction logic per kind.
type Journal interface {
	// Append persists one record. Implementations must make Append safe to
	// call from multiple goroutines concurrently.
	Append(rec Record) error

	// Replay reads every record in write order and invokes fn for each. A
	// non-nil error from fn stops the replay and is returned as-is.
	Replay(fn func(Record) error) error

	// Close releases any underlying resources (file handles, connections).
	Close() error
}

// recordAppend emits the journal append counter (C13) for a persisted
// implementation. NoOp deliberately never calls this: it persists nothing,
// so there is nothing to count.
func recordAppend(kind Kind) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.journal.appends", "kind", string(kind))
	}
}

// recordReplay emits the journal replay counter (C13), once per record
// handed to a Replay callback.
func recordReplay(kind Kind) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.journal.replays", "kind", string(kind))
	}
}
