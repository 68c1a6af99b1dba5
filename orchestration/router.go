package orchestration

import (
	"fmt"
	"sync"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
)

// requiredParams is the default shape validation the router performs by
// action type (spec §4.7: "Validate required keys by type"). The params
// payload itself stays opaque to the router beyond these keys; the adapter
// (C1) interprets the rest.
var requiredParams = map[string][]string{
	"create_task":   {"title"},
	"update_task":   {"id"},
	"notify":        {"channel", "text"},
	"file_document": {"path"},
	"append_row":    {"sheet", "row"},
	"log":           {"message"},
}

// Router validates incoming ActionDecisions, applies downgrade-only
// priority policy, and admits them to the PriorityQueue (C7).
type Router struct {
	queue   *PriorityQueue
	events  *eventplane.Bus
	logger  core.Logger
	journal journal.Journal

	mu       sync.RWMutex
	required map[string][]string

	// downgrade, if set, lets a load-shedding policy lower a decision's
	// priority before admission. It must never return a priority ranked
	// higher than the input (spec §4.7: "higher priority than the decision
	// claims is not allowed, downgrades are"); Admit enforces that bound
	// regardless of what the hook returns.
	downgrade func(decision ActionDecision) Priority
}

// NewRouter constructs a router admitting accepted decisions into queue and
// publishing lifecycle events to events.
func NewRouter(queue *PriorityQueue, events *eventplane.Bus) *Router {
	required := make(map[string][]string, len(requiredParams))
	for k, v := range requiredParams {
		required[k] = v
	}
	return &Router{
		queue:    queue,
		events:   events,
		logger:   &core.NoOpLogger{},
		journal:  journal.NewNoOp(),
		required: required,
	}
}

// SetJournal installs the append-only recovery journal (C12). Unset, every
// Append is a silent no-op via journal.NewNoOp().
func (r *Router) SetJournal(j journal.Journal) {
	if j == nil {
		return
	}
	r.journal = j
}

// SetLogger attaches a component-tagged logger.
func (r *Router) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("framework/orchestration")
	} else {
		r.logger = logger
	}
}

// SetDowngradePolicy installs an optional priority downgrade hook (e.g. a
// load-shedding policy that pushes non-critical work down under sustained
// backlog). Admit clamps the hook's return value so it can never exceed the
// decision's own declared priority.
func (r *Router) SetDowngradePolicy(fn func(decision ActionDecision) Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downgrade = fn
}

// RegisterRequiredParams overrides or adds the required param keys for
// actionType, for deployments with custom action types beyond the spec's
// illustrative set.
func (r *Router) RegisterRequiredParams(actionType string, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.required[actionType] = keys
}

// Admit validates decision, resolves its admitted priority, constructs an
// ActionRecord, and enqueues it. A malformed decision is rejected without
// ever touching the queue or counting against any platform's breaker.
func (r *Router) Admit(decision ActionDecision) (*Record, error) {
	if err := r.validate(decision); err != nil {
		r.publishRejected(decision, "validation: "+err.Error())
		return nil, core.NewActionError(core.KindValidation, "router.Admit", err)
	}

	priority := r.resolvePriority(decision)
	decision.Priority = priority

	record := RecordFor(decision)

	if err := r.queue.Enqueue(record); err != nil {
		r.publishRejected(decision, "queue_full")
		return nil, fmt.Errorf("router.Admit: %w", err)
	}

	r.events.Publish(eventplane.New(eventplane.KindActionQueued, decision.CorrelationID, eventplane.Priority(priority), map[string]interface{}{
		"actionId": decision.ID,
		"priority": string(priority),
	}))

	_ = r.journal.Append(journal.NewRecord(journal.KindActionAdmitted, decision.ID, map[string]interface{}{
		"type":     decision.Type,
		"platform": decision.Platform,
		"priority": string(priority),
	}))

	return record, nil
}

func (r *Router) validate(decision ActionDecision) error {
	if decision.ID == "" {
		return fmt.Errorf("missing id")
	}
	if decision.Type == "" {
		return fmt.Errorf("missing type")
	}
	if decision.Platform == "" {
		return fmt.Errorf("missing platform")
	}

	r.mu.RLock()
	keys, known := r.required[decision.Type]
	r.mu.RUnlock()
	if !known {
		return nil
	}
	for _, key := range keys {
		if _, ok := decision.Params[key]; !ok {
			return fmt.Errorf("action type %q missing required param %q", decision.Type, key)
		}
	}
	return nil
}

func (r *Router) resolvePriority(decision ActionDecision) Priority {
	declared := decision.Priority
	if declared == "" {
		declared = PriorityNormal
	}

	r.mu.RLock()
	downgrade := r.downgrade
	r.mu.RUnlock()
	if downgrade == nil {
		return declared
	}

	applied := downgrade(decision)
	if applied == "" || priorityRank[applied] < priorityRank[declared] {
		return declared
	}
	return applied
}

func (r *Router) publishRejected(decision ActionDecision, reason string) {
	r.events.Publish(eventplane.New(eventplane.KindActionRejected, decision.CorrelationID, eventplane.Priority(decision.Priority), map[string]interface{}{
		"actionId": decision.ID,
		"reason":   reason,
		"at":       time.Now(),
	}))
}
