// Package platform defines the uniform adapter contract (C1) every external
// platform integration (Notion, Trello, Slack, Drive, Sheets, ...) must
// satisfy, plus a tag-keyed registry for looking adapters up by platform.
package platform

import (
	"context"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// Result is what a PlatformClient returns for a single execute/compensate
// call (spec §4.1). Exactly one of Value or ErrorKind is meaningful,
// discriminated by Ok.
type Result struct {
	Ok         bool
	Value      map[string]interface{}
	ErrorKind  core.ErrorKind
	ExternalID string
	Retriable  bool
	IsRateLimit bool
	IsAuth     bool
}

// Err turns a non-ok Result into a classified error for the resilience
// pipeline to inspect via core.KindOf.
func (r Result) Err(op string) error {
	if r.Ok {
		return nil
	}
	return core.NewActionError(r.ErrorKind, op, nil)
}

// Client is the uniform adapter surface every platform integration
// implements (C1). Adapters MUST translate transport-level errors into the
// core.ErrorKind taxonomy and MUST NOT perform their own retry — that is
// the Retry Engine's (C4) job exclusively.
type Client interface {
	// Platform returns the platform tag this client serves ("notion", "trello", ...).
	Platform() string

	// Execute performs a single attempt of the named action type against
	// this platform, respecting deadline.
	Execute(ctx context.Context, actionType string, params map[string]interface{}, deadline time.Time) Result

	// HealthCheck reports whether the platform is currently reachable,
	// independent of circuit breaker state (used by C13's health snapshot).
	HealthCheck(ctx context.Context) error
}

// Compensator is the optional rollback surface a Client may additionally
// implement, consulted by the workflow engine (C9) for LIFO compensation.
type Compensator interface {
	Compensate(ctx context.Context, actionType, externalID string, params map[string]interface{}) Result
}
