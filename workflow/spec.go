package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/actionplane/orchestrator/orchestration"
)

// CompensateSpec is a step's optional rollback recipe (spec §3:
// "per-step onCompensate (optional rollback recipe)"). On the step's
// success, the engine merges Params over the step's own params plus the
// step's externalID (under "externalId") and pushes the merged action onto
// the run's rollbackStack; it fires, in reverse registration order, only if
// the workflow is transactional and a later step permanently fails.
type CompensateSpec struct {
	ActionType string                 `yaml:"actionType"`
	Platform   string                 `yaml:"platform"` // defaults to the owning step's platform when empty
	Params     map[string]interface{} `yaml:"params"`
}

// StepSpec is one ordered step of a WorkflowSpec (spec §3).
type StepSpec struct {
	Name          string                 `yaml:"name"`
	ActionType    string                 `yaml:"actionType"`
	Platform      string                 `yaml:"platform"`
	Params        map[string]interface{} `yaml:"params"`
	DependsOn     []string               `yaml:"dependsOn"`
	FallbackChain []string               `yaml:"fallbackChain"`
	TimeoutMs     int64                  `yaml:"timeoutMs"`
	OnCompensate  *CompensateSpec        `yaml:"onCompensate"`
}

// WorkflowSpec is the inbound submission (spec §3, §6 "workflow:submit").
type WorkflowSpec struct {
	WorkflowID     string     `yaml:"workflowId"`
	CorrelationID  string     `yaml:"correlationId"`
	IdempotencyKey string     `yaml:"idempotencyKey"`
	Transactional  bool       `yaml:"transactional"`
	Steps          []StepSpec `yaml:"steps"`
}

// ParseYAML decodes a WorkflowSpec from YAML, the submission format C11's
// workflow:submit carries over the wire (mirroring the teacher's
// WorkflowEngine.ParseWorkflowYAML for its agent/tool step definitions,
// adapted to this engine's step shape).
func ParseYAML(data []byte) (WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return WorkflowSpec{}, fmt.Errorf("workflow: parsing spec YAML: %w", err)
	}
	return spec, nil
}

// Status is a WorkflowRun's lifecycle position (spec §3).
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusRolledBack          Status = "rolled-back"
	StatusPartiallyRolledBack Status = "partially-rolled-back"
)

// compensation is one entry of a WorkflowRun's rollbackStack: a fully bound
// compensating action, ready to submit exactly as-is.
type compensation struct {
	StepName   string
	Platform   string
	ActionType string
	ExternalID string
	Params     map[string]interface{}
}

// StepOutcome records one step's terminal result within a WorkflowRun.
type StepOutcome struct {
	StepName    string
	Result      *orchestration.Result
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// WorkflowRun is one execution of a WorkflowSpec (spec §3).
type WorkflowRun struct {
	Spec   WorkflowSpec
	Status Status

	CompletedSteps map[string]bool
	StepResults    map[string]*StepOutcome
	RollbackStack  []compensation

	FailedStep      string
	RollbackOutcome []StepOutcome
	Error           string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	cancelled bool
}

func newRun(spec WorkflowSpec) *WorkflowRun {
	return &WorkflowRun{
		Spec:           spec,
		Status:         StatusPending,
		CompletedSteps: make(map[string]bool),
		StepResults:    make(map[string]*StepOutcome),
		CreatedAt:      time.Now(),
	}
}

// Cancel sets the run's cancellation flag (spec §5: "Workflow cancellation:
// external cancel sets a flag on WorkflowRun; the engine finishes any
// in-flight step, then short-circuits remaining steps and runs rollback if
// transactional"). Safe to call from any goroutine; the engine only reads
// it between step-submission batches, never mid-step.
func (r *WorkflowRun) Cancel() {
	r.cancelled = true
}

func (r *WorkflowRun) isCancelled() bool {
	return r.cancelled
}

// idempotencyKeyFor derives the per-step idempotency key shared with C6's
// guard, so a step resubmitted within the same process (or a second workflow
// submission racing the first) never double-executes its platform call
// (spec §4.10, §4.8 step 6).
func idempotencyKeyFor(workflowID, stepName string) string {
	return "workflow:" + workflowID + ":step:" + stepName
}

// decisionFor builds the ActionDecision the engine submits for step,
// through C7/C6, as spec §4.8 step 2 requires.
func decisionFor(run *WorkflowRun, step StepSpec) orchestration.ActionDecision {
	return orchestration.ActionDecision{
		ID:             run.Spec.WorkflowID + ":" + step.Name,
		CorrelationID:  run.Spec.CorrelationID,
		Type:           step.ActionType,
		Platform:       step.Platform,
		Priority:       orchestration.PriorityNormal,
		Params:         step.Params,
		IdempotencyKey: idempotencyKeyFor(run.Spec.WorkflowID, step.Name),
		FallbackChain:  step.FallbackChain,
		TimeoutMs:      step.TimeoutMs,
	}
}

// pushCompensation binds step's compensate recipe to its just-completed
// result and registers it on run's rollback stack.
func pushCompensation(run *WorkflowRun, step StepSpec, externalID string) {
	spec := step.OnCompensate
	if spec == nil {
		return
	}
	platform := spec.Platform
	if platform == "" {
		platform = step.Platform
	}
	params := make(map[string]interface{}, len(step.Params)+len(spec.Params)+1)
	for k, v := range step.Params {
		params[k] = v
	}
	for k, v := range spec.Params {
		params[k] = v
	}
	params["externalId"] = externalID

	run.RollbackStack = append(run.RollbackStack, compensation{
		StepName:   step.Name,
		Platform:   platform,
		ActionType: spec.ActionType,
		ExternalID: externalID,
		Params:     params,
	})
}

// compensateDecisionFor builds the ActionDecision for one rollbackStack
// entry.
func compensateDecisionFor(run *WorkflowRun, c compensation) orchestration.ActionDecision {
	return orchestration.ActionDecision{
		ID:             run.Spec.WorkflowID + ":compensate:" + c.StepName,
		CorrelationID:  run.Spec.CorrelationID,
		Type:           c.ActionType,
		Platform:       c.Platform,
		Priority:       orchestration.PriorityHigh,
		Params:         c.Params,
		IdempotencyKey: idempotencyKeyFor(run.Spec.WorkflowID, "compensate:"+c.StepName),
	}
}
