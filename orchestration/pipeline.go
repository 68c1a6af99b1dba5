package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
	"github.com/actionplane/orchestrator/platform"
	"github.com/actionplane/orchestrator/resilience"
)

// ApprovalRequester hands a decision off to the approval coordinator (C10)
// when RequiresApproval is set. orchestration never imports the approval
// package directly: the coordinator imports orchestration and implements
// this interface itself, avoiding the cyclic reference the spec calls out
// (§9: "parameterizing the engine with a submit callback rather than a
// back-reference").
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, decision ActionDecision, reason string, timeout time.Duration) (reviewID string, err error)
}

// outcomeForKind classifies a terminal ErrorKind into an ActionAttempt outcome.
func outcomeForKind(kind core.ErrorKind) AttemptOutcome {
	switch kind {
	case core.KindTimeout:
		return OutcomeTimeout
	case core.KindBrokerOpen:
		return OutcomeRejectedByBreaker
	default:
		if kind.IsRetriable() {
			return OutcomeTransient
		}
		return OutcomePermanent
	}
}

// PipelineExecutor is the Executor Pipeline (C6): it composes the
// per-platform resilience stack (C2-C5), the idempotency guard (§4.10), and
// the approval handoff (C10) into a single execute(decision) call.
type PipelineExecutor struct {
	registry   *platform.Registry
	pipelines  map[string]*resilience.Pipeline // keyed by platform tag
	fallback   *resilience.FallbackDispatcher
	idempotent *IdempotencyGuard
	approval   ApprovalRequester
	events     *eventplane.Bus
	logger     core.Logger
	journal    journal.Journal

	defaultTimeout  time.Duration
	approvalTimeout time.Duration
}

// NewPipelineExecutor constructs the executor pipeline. pipelines must have
// one entry per platform tag the registry serves.
func NewPipelineExecutor(
	registry *platform.Registry,
	pipelines map[string]*resilience.Pipeline,
	fallback *resilience.FallbackDispatcher,
	idempotent *IdempotencyGuard,
	approval ApprovalRequester,
	events *eventplane.Bus,
	defaultTimeout time.Duration,
	approvalTimeout time.Duration,
) *PipelineExecutor {
	return &PipelineExecutor{
		registry:        registry,
		pipelines:       pipelines,
		fallback:        fallback,
		idempotent:      idempotent,
		approval:        approval,
		events:          events,
		logger:          &core.NoOpLogger{},
		journal:         journal.NewNoOp(),
		defaultTimeout:  defaultTimeout,
		approvalTimeout: approvalTimeout,
	}
}

// SetJournal installs the append-only recovery journal (C12). Unset, the
// executor writes to journal.NewNoOp() and every Append is a silent no-op.
func (p *PipelineExecutor) SetJournal(j journal.Journal) {
	if j == nil {
		return
	}
	p.journal = j
}

// SetLogger attaches a component-tagged logger.
func (p *PipelineExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		p.logger = cal.WithComponent("framework/orchestration")
	} else {
		p.logger = logger
	}
}

// Execute runs decision's record to a terminal or awaiting-approval state
// (spec §4.6). It is the Executor interface the worker pool (C8) dispatches
// dequeued records to.
func (p *PipelineExecutor) Execute(ctx context.Context, record *Record) {
	record.FirstStartedAt = time.Now()
	record.State = StateRunning
	decision := record.Decision

	if decision.RequiresApproval {
		p.handOffToApproval(ctx, record)
		return
	}

	key := decision.IdempotencyKey
	if key == "" {
		key = platform.IdempotencyKeyFor(decision.Type, decision.Platform, decision.Params)
	}

	outcome, cached, err := p.idempotent.Begin(ctx, key)
	if err != nil {
		record.CompletedAt = time.Now()
		p.finish(record, &Result{Ok: false, ErrorKind: core.KindTimeout, Message: err.Error()})
		return
	}
	if outcome != ProceedOutcome {
		record.CompletedAt = time.Now()
		p.finish(record, cached)
		return
	}

	deadline := decision.Deadline(record.FirstStartedAt, p.defaultTimeout)
	result := p.runWithFallback(ctx, record, deadline)
	record.CompletedAt = time.Now()
	p.idempotent.Finish(ctx, key, result)
	p.finish(record, result)
}

func (p *PipelineExecutor) handOffToApproval(ctx context.Context, record *Record) {
	reviewID, err := p.approval.RequestApproval(ctx, record.Decision, "requires_approval", p.approvalTimeout)
	if err != nil {
		record.CompletedAt = time.Now()
		p.finish(record, &Result{Ok: false, ErrorKind: core.KindTransient, Message: err.Error()})
		return
	}
	record.State = StateAwaitingApproval
	p.publish(record, eventplane.KindActionRequiresApproval, map[string]interface{}{
		"reviewId": reviewID,
	})
}

// runWithFallback runs the primary platform through its resilience
// pipeline, then, on permanent failure, defers to the fallback dispatcher
// (C5) when the decision carries a fallback chain (spec §4.5, §4.6 step 5).
func (p *PipelineExecutor) runWithFallback(ctx context.Context, record *Record, deadline time.Time) *Result {
	decision := record.Decision
	attemptNum := 0
	firstAttemptPublished := false

	execOn := func(ctx context.Context, platformTag string, params map[string]interface{}) (string, error) {
		pipeline, ok := p.pipelines[platformTag]
		if !ok {
			return "", core.NewActionError(core.KindValidation, "executor.execute", fmt.Errorf("no resilience pipeline configured for platform %q", platformTag))
		}
		client, err := p.registry.Get(platformTag)
		if err != nil {
			return "", core.NewActionError(core.KindValidation, "executor.execute", err)
		}

		var externalID string
		hooks := &resilience.RetryHooks{
			OnAttempt: func(attempt int) {
				attemptNum++
				record.Attempts = append(record.Attempts, ActionAttempt{
					AttemptNumber: attemptNum,
					StartedAt:     time.Now(),
				})
				if !firstAttemptPublished {
					firstAttemptPublished = true
					p.publish(record, eventplane.KindActionStarted, map[string]interface{}{
						"platform": platformTag,
						"attempt":  attempt,
					})
				}
			},
			OnRetry: func(attempt int, delay time.Duration, kind core.ErrorKind) {
				p.publish(record, eventplane.KindActionRetrying, map[string]interface{}{
					"attempt":   attempt + 1,
					"delayMs":   delay.Milliseconds(),
					"errorKind": string(kind),
				})
			},
		}

		runErr := pipeline.RunWithHooks(ctx, hooks, func(ctx context.Context) error {
			res := client.Execute(ctx, decision.Type, params, deadline)
			last := &record.Attempts[len(record.Attempts)-1]
			last.EndedAt = time.Now()
			if res.Ok {
				externalID = res.ExternalID
				last.Outcome = OutcomeSuccess
				return nil
			}
			last.ErrorKind = res.ErrorKind
			last.Outcome = outcomeForKind(res.ErrorKind)
			return res.Err("adapter.execute")
		})
		return externalID, runErr
	}

	externalID, err := execOn(ctx, decision.Platform, decision.Params)
	if err == nil {
		return &Result{Ok: true, ExternalID: externalID}
	}

	if len(decision.FallbackChain) == 0 {
		return &Result{Ok: false, ErrorKind: core.KindOf(err), Message: err.Error()}
	}

	fallbackOutcome := p.fallback.Dispatch(ctx, decision.Type, decision.Platform, decision.Params, decision.FallbackChain, execOn)
	if fallbackOutcome.Ok {
		return &Result{
			Ok:               true,
			ExternalID:       fallbackOutcome.ExternalID,
			UsedFallback:     true,
			FallbackPlatform: fallbackOutcome.FallbackPlatform,
		}
	}
	message := err.Error()
	kind := core.KindOf(err)
	if fallbackOutcome.Err != nil {
		message = fallbackOutcome.Err.Error()
		kind = core.KindOf(fallbackOutcome.Err)
	}
	return &Result{
		Ok:           false,
		ErrorKind:    kind,
		Message:      message,
		UsedFallback: fallbackOutcome.UsedFallback,
	}
}

func (p *PipelineExecutor) finish(record *Record, result *Result) {
	record.Result = result
	record.CompletedAt = time.Now()
	durationMs := float64(record.CompletedAt.Sub(record.FirstStartedAt).Milliseconds())
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.action.executions", "platform", record.Decision.Platform, "type", record.Decision.Type)
		registry.Histogram("orchestrator.action.duration_ms", durationMs, "platform", record.Decision.Platform)
		if !result.Ok {
			registry.Counter("orchestrator.action.errors", "platform", record.Decision.Platform, "errorKind", string(result.ErrorKind))
		}
	}
	if result.Ok {
		record.State = StateCompleted
		p.publish(record, eventplane.KindActionCompleted, map[string]interface{}{
			"externalId":       result.ExternalID,
			"usedFallback":     result.UsedFallback,
			"fallbackPlatform": result.FallbackPlatform,
		})
	} else {
		record.State = StateFailed
		p.publish(record, eventplane.KindActionFailed, map[string]interface{}{
			"errorKind": string(result.ErrorKind),
			"message":   result.Message,
		})
	}

	_ = p.journal.Append(journal.NewRecord(journal.KindActionTerminal, record.Decision.ID, map[string]interface{}{
		"ok":         result.Ok,
		"externalId": result.ExternalID,
		"errorKind":  string(result.ErrorKind),
		"state":      string(record.State),
	}))
}

func (p *PipelineExecutor) publish(record *Record, kind eventplane.Kind, fields map[string]interface{}) {
	fields["actionId"] = record.Decision.ID
	p.events.Publish(eventplane.New(kind, record.Decision.CorrelationID, eventplane.Priority(record.Decision.Priority), fields))
}
