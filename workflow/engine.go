package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
	"github.com/actionplane/orchestrator/orchestration"
	"github.com/actionplane/orchestrator/platform"
	"github.com/actionplane/orchestrator/resilience"
)

// Submit hands one ActionDecision to C7/C6 and returns a future: a channel
// delivering exactly one *orchestration.Result once the action reaches a
// terminal state. The workflow engine holds only this function, never a
// pointer to the router or executor pipeline, avoiding the cyclic reference
// spec §9 calls out ("parameterizing the engine with a submit(action) →
// future<result> callback rather than a back-reference").
type Submit func(ctx context.Context, decision orchestration.ActionDecision) (<-chan *orchestration.Result, error)

// runCacheEntry is the workflow-level idempotency cache's per-key state,
// mirroring orchestration.IdempotencyGuard's done/in-flight/waiters shape
// (orchestration/idempotency.go) but keyed on WorkflowRun instead of Result,
// since a workflow's idempotency cache and a step's idempotency guard are
// deliberately two separate spaces (spec §9 open question: "This spec
// requires both: workflow-level cache of final result; step-level via
// shared idempotencyKey space").
type runCacheEntry struct {
	done    bool
	run     *WorkflowRun
	waiters []chan struct{}
}

// Engine is the Workflow Engine (C9): dependency ordering, per-step
// submission through Submit, LIFO compensating rollback, and a
// workflow-idempotency cache of completed runs.
type Engine struct {
	submit            Submit
	events            *eventplane.Bus
	logger            core.Logger
	journal           journal.Journal
	concurrencyPerRun int

	registry  *platform.Registry
	pipelines map[string]*resilience.Pipeline

	mu    sync.Mutex
	cache map[string]*runCacheEntry
}

// NewEngine constructs the workflow engine. concurrencyPerRun bounds how
// many of a single run's ready steps may execute at once (spec §6
// configuration surface: "workflow.concurrencyPerRun — max in-flight steps
// per workflow").
func NewEngine(submit Submit, events *eventplane.Bus, concurrencyPerRun int) *Engine {
	if concurrencyPerRun <= 0 {
		concurrencyPerRun = 4
	}
	return &Engine{
		submit:            submit,
		events:            events,
		logger:            &core.NoOpLogger{},
		journal:           journal.NewNoOp(),
		concurrencyPerRun: concurrencyPerRun,
		cache:             make(map[string]*runCacheEntry),
	}
}

// SetJournal installs the append-only recovery journal (C12). Unset, every
// Append is a silent no-op via journal.NewNoOp().
func (e *Engine) SetJournal(j journal.Journal) {
	if j == nil {
		return
	}
	e.journal = j
}

// SetPlatforms installs the platform registry and per-platform resilience
// pipelines rollback uses to invoke a step's platform.Compensator directly
// (spec: "Optional compensate(type, externalId, params) -> Result used by
// C9 for rollback"). Unset, rollback falls back to resubmitting the
// compensating action through the ordinary Submit path for every step.
func (e *Engine) SetPlatforms(registry *platform.Registry, pipelines map[string]*resilience.Pipeline) {
	if registry == nil {
		return
	}
	e.registry = registry
	e.pipelines = pipelines
}

// SetLogger attaches a component-tagged logger.
func (e *Engine) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("framework/workflow")
	} else {
		e.logger = logger
	}
}

// Submit runs spec to completion (or returns the cached result of an
// identical prior submission), implementing spec §4.8 in full.
func (e *Engine) Submit(ctx context.Context, spec WorkflowSpec) (*WorkflowRun, error) {
	graph := newDAG()
	for _, step := range spec.Steps {
		graph.addStep(step.Name, step.DependsOn)
	}
	if err := graph.validate(); err != nil {
		return nil, core.NewActionError(core.KindValidation, "workflow.Submit", err)
	}

	if spec.IdempotencyKey != "" {
		proceed, cached, wait := e.beginRun(spec.IdempotencyKey)
		if !proceed {
			if wait != nil {
				select {
				case <-wait:
					e.mu.Lock()
					entry := e.cache[spec.IdempotencyKey]
					e.mu.Unlock()
					if entry != nil && entry.done {
						return entry.run, nil
					}
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return cached, nil
		}
	}

	run := newRun(spec)
	run.Status = StatusRunning
	run.StartedAt = time.Now()

	e.executeDAG(ctx, run, graph)

	run.CompletedAt = time.Now()
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.workflow.executions", "workflowId", spec.WorkflowID, "status", string(run.Status))
		registry.Histogram("orchestrator.workflow.duration_ms", float64(run.CompletedAt.Sub(run.StartedAt).Milliseconds()), "workflowId", spec.WorkflowID)
	}
	if spec.IdempotencyKey != "" {
		e.finishRun(spec.IdempotencyKey, run)
	}
	return run, nil
}

func (e *Engine) beginRun(key string) (proceed bool, cached *WorkflowRun, wait chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, exists := e.cache[key]
	if !exists {
		e.cache[key] = &runCacheEntry{}
		return true, nil, nil
	}
	if entry.done {
		return false, entry.run, nil
	}
	ch := make(chan struct{})
	entry.waiters = append(entry.waiters, ch)
	return false, nil, ch
}

func (e *Engine) finishRun(key string, run *WorkflowRun) {
	e.mu.Lock()
	entry, ok := e.cache[key]
	if !ok {
		entry = &runCacheEntry{}
		e.cache[key] = entry
	}
	entry.done = true
	entry.run = run
	waiters := entry.waiters
	entry.waiters = nil
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// executeDAG drives run.Spec's steps to completion over graph: repeatedly
// submit every currently-ready step (bounded by concurrencyPerRun), collect
// results, mark nodes terminal, and cascade either further readiness or a
// failure's dependent-skip + rollback (spec §4.8 steps 2-4).
func (e *Engine) executeDAG(ctx context.Context, run *WorkflowRun, graph *dag) {
	steps := make(map[string]StepSpec, len(run.Spec.Steps))
	for _, s := range run.Spec.Steps {
		steps[s.Name] = s
	}

	sem := make(chan struct{}, e.concurrencyPerRun)
	results := make(chan *StepOutcome)
	inFlight := 0
	failed := false

	// launchReady submits every currently-ready step. It is a no-op once the
	// run has failed or been cancelled, so calling it after every completed
	// outcome both advances a healthy run and naturally drains a failed one
	// down to zero in-flight without launching further work.
	launchReady := func() {
		if run.isCancelled() || failed {
			return
		}
		for _, name := range graph.readySteps() {
			graph.markRunning(name)
			inFlight++
			step := steps[name]
			go func() {
				sem <- struct{}{}
				defer func() { <-sem }()
				results <- e.runStep(ctx, run, step)
			}()
		}
	}

	launchReady()
	for inFlight > 0 {
		outcome := <-results
		inFlight--
		run.StepResults[outcome.StepName] = outcome
		step := steps[outcome.StepName]

		if outcome.Err == nil && outcome.Result != nil && outcome.Result.Ok {
			graph.markCompleted(outcome.StepName)
			run.CompletedSteps[outcome.StepName] = true
			pushCompensation(run, step, outcome.Result.ExternalID)
			e.publish(run, eventplane.KindWorkflowStepCompleted, map[string]interface{}{
				"stepName": outcome.StepName,
				"result":   outcome.Result,
			})
			_ = e.journal.Append(journal.NewRecord(journal.KindWorkflowStep, run.Spec.WorkflowID+":"+outcome.StepName, map[string]interface{}{
				"workflowId": run.Spec.WorkflowID,
				"stepName":   outcome.StepName,
				"ok":         true,
				"externalId": outcome.Result.ExternalID,
			}))
			if registry := core.GetGlobalMetricsRegistry(); registry != nil {
				registry.Counter("orchestrator.workflow.step.success", "workflowId", run.Spec.WorkflowID, "stepName", outcome.StepName)
			}
		} else {
			graph.markFailed(outcome.StepName)
			if !failed {
				failed = true
				run.FailedStep = outcome.StepName
				if outcome.Err != nil {
					run.Error = outcome.Err.Error()
				} else if outcome.Result != nil {
					run.Error = outcome.Result.Message
				}
			}
			_ = e.journal.Append(journal.NewRecord(journal.KindWorkflowStep, run.Spec.WorkflowID+":"+outcome.StepName, map[string]interface{}{
				"workflowId": run.Spec.WorkflowID,
				"stepName":   outcome.StepName,
				"ok":         false,
				"error":      run.Error,
			}))
			if registry := core.GetGlobalMetricsRegistry(); registry != nil {
				registry.Counter("orchestrator.workflow.step.failure", "workflowId", run.Spec.WorkflowID, "stepName", outcome.StepName)
			}
		}

		launchReady()
	}

	switch {
	case failed:
		run.Status = StatusFailed
		if run.Spec.Transactional {
			e.rollback(ctx, run)
		}
	case run.isCancelled():
		run.Status = StatusFailed
		run.Error = "cancelled"
		if run.Spec.Transactional {
			e.rollback(ctx, run)
		}
	case !graph.isComplete():
		// No ready steps and nothing in flight, yet steps remain pending:
		// unreachable given validate's cycle/missing-dependency checks, but
		// guarded defensively rather than silently reporting success.
		run.Status = StatusFailed
		run.Error = "workflow stalled: no progress possible"
		if run.Spec.Transactional {
			e.rollback(ctx, run)
		}
	default:
		run.Status = StatusCompleted
	}
}

// runStep submits one step's ActionDecision and blocks for its terminal
// result (spec §4.8 step 2).
func (e *Engine) runStep(ctx context.Context, run *WorkflowRun, step StepSpec) *StepOutcome {
	started := time.Now()
	decision := decisionFor(run, step)

	future, err := e.submit(ctx, decision)
	if err != nil {
		return &StepOutcome{StepName: step.Name, Err: err, StartedAt: started, CompletedAt: time.Now()}
	}

	select {
	case result := <-future:
		return &StepOutcome{StepName: step.Name, Result: result, StartedAt: started, CompletedAt: time.Now()}
	case <-ctx.Done():
		return &StepOutcome{StepName: step.Name, Err: ctx.Err(), StartedAt: started, CompletedAt: time.Now()}
	}
}

// rollback pops run.RollbackStack LIFO, compensating each registered step,
// per spec §4.8 step 4.
func (e *Engine) rollback(ctx context.Context, run *WorkflowRun) {
	if len(run.RollbackStack) == 0 {
		// Nothing to compensate: the failed step was the first with any
		// side effect, so "failed" already describes the run accurately.
		return
	}

	e.publish(run, eventplane.KindWorkflowRollbackStarted, map[string]interface{}{
		"failedStep": run.FailedStep,
	})
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.workflow.rollbacks", "workflowId", run.Spec.WorkflowID)
	}

	anyFailed := false
	for i := len(run.RollbackStack) - 1; i >= 0; i-- {
		c := run.RollbackStack[i]

		started := time.Now()
		result, err := e.compensate(ctx, run, c)
		outcome := StepOutcome{StepName: c.StepName, Result: result, Err: err, StartedAt: started, CompletedAt: time.Now()}
		run.RollbackOutcome = append(run.RollbackOutcome, outcome)

		if err != nil || result == nil || !result.Ok {
			anyFailed = true
			e.publish(run, eventplane.KindWorkflowRollbackFailed, map[string]interface{}{
				"stepName": c.StepName,
			})
			continue
		}
	}

	if anyFailed {
		run.Status = StatusPartiallyRolledBack
		return
	}

	run.Status = StatusRolledBack
	e.publish(run, eventplane.KindWorkflowRolledBack, map[string]interface{}{
		"failedStep": run.FailedStep,
	})
}

// compensate undoes one rollbackStack entry. When the step's platform
// adapter implements platform.Compensator, it's invoked directly — through
// that platform's resilience pipeline when one is configured, so a rollback
// gets the same retry/breaker protection as a forward action (spec:
// "Optional compensate(type, externalId, params) -> Result used by C9 for
// rollback"). Adapters that don't implement it are compensated by
// resubmitting the compensating action through the ordinary Submit path
// instead, as a best-effort action replay.
func (e *Engine) compensate(ctx context.Context, run *WorkflowRun, c compensation) (*orchestration.Result, error) {
	if e.registry != nil {
		if client, err := e.registry.Get(c.Platform); err == nil {
			if comp, ok := client.(platform.Compensator); ok {
				return e.runCompensator(ctx, c, comp), nil
			}
		}
	}

	decision := compensateDecisionFor(run, c)
	future, err := e.submit(ctx, decision)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-future:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runCompensator calls comp.Compensate for c, wrapped in c's resilience
// pipeline (rate limiter, breaker, retry) when one is configured for that
// platform.
func (e *Engine) runCompensator(ctx context.Context, c compensation, comp platform.Compensator) *orchestration.Result {
	var res platform.Result
	call := func(ctx context.Context) error {
		res = comp.Compensate(ctx, c.ActionType, c.ExternalID, c.Params)
		return res.Err("compensate")
	}

	var err error
	if pipeline, ok := e.pipelines[c.Platform]; ok {
		err = pipeline.Run(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return &orchestration.Result{Ok: false, ErrorKind: core.KindOf(err), Message: err.Error()}
	}
	return &orchestration.Result{Ok: true, ExternalID: res.ExternalID}
}

func (e *Engine) publish(run *WorkflowRun, kind eventplane.Kind, fields map[string]interface{}) {
	if e.events == nil {
		return
	}
	fields["workflowId"] = run.Spec.WorkflowID
	e.events.Publish(eventplane.New(kind, run.Spec.CorrelationID, eventplane.PriorityHigh, fields))
}
