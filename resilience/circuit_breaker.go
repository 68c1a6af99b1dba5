package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// CircuitState represents the lifecycle state of a platform's circuit breaker.
type CircuitState int32

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects all requests without attempting them.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests through.
	StateHalfOpen
)

// String returns the event-plane string representation of the state,
// matching the "circuit:opened"/"circuit:closed"/"circuit:half-open" event
// kinds (C11).
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector is the circuit breaker's metrics hook.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorKind core.ErrorKind)
	RecordStateChange(name string, from, to CircuitState)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                              {}
func (n *noopMetrics) RecordFailure(name string, errorKind core.ErrorKind)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to CircuitState)   {}
func (n *noopMetrics) RecordRejection(name string)                            {}

// CircuitBreakerConfig holds per-platform circuit breaker configuration
// (spec §4.3, §6: breaker.<platform>.failureThreshold|resetTimeoutMs|successThreshold).
// Nothing here is a package-level constant: every platform's thresholds are
// supplied by core.Config, never hard-coded.
type CircuitBreakerConfig struct {
	// Name identifies the breaker, normally the platform tag ("notion", "slack", ...).
	Name string

	// FailureThreshold is the number of consecutive breaker-countable
	// failures (core.ErrorKind.CountsTowardBreaker) before the breaker trips open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful half-open
	// probes required to close the breaker again. A single half-open
	// failure returns it to open immediately.
	SuccessThreshold int

	Logger  core.Logger
	Metrics MetricsCollector

	// OnStateChange, if set, is called on every state transition in addition
	// to the metrics/log side effects, letting a caller relay the
	// transition onto the event plane (C11: "emits circuit:opened|closed|
	// half-open on every transition") without this package importing
	// eventplane itself — the same injected-callback shape RetryHooks uses
	// for action:retrying events.
	OnStateChange func(platform string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns reasonable values; callers should
// still route real thresholds through core.Config.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		Metrics:          &noopMetrics{},
	}
}

// CircuitBreaker implements a consecutive-failure-counting breaker with a
// half-open probation window (spec §4.3):
//
//   - closed: every call is attempted. A CountsTowardBreaker failure
//     increments a counter; FailureThreshold consecutive such failures
//     (uninterrupted by a success) trips the breaker open.
//   - open: calls are rejected immediately with core.ErrCircuitBreakerOpen
//     until ResetTimeout elapses, then the breaker moves to half-open.
//   - half-open: a bounded number of probe calls are let through serially.
//     SuccessThreshold consecutive successes closes the breaker; any single
//     failure reopens it and restarts the reset timer.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger

	state          atomic.Int32
	openedAt       atomic.Int64 // unix nanos, valid while state == StateOpen
	consecFailures atomic.Int32
	halfOpenInProgress atomic.Bool
	halfOpenSuccesses atomic.Int32

	mu sync.Mutex // guards state transitions only
}

// NewCircuitBreaker constructs a breaker from config, filling in sane
// defaults for anything left zero.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, core.NewFrameworkError("NewCircuitBreaker", "config", core.ErrMissingConfiguration)
	}
	if config.Name == "" {
		return nil, core.NewFrameworkError("NewCircuitBreaker", "config", core.ErrMissingConfiguration)
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		logger: &core.NoOpLogger{},
	}
	if config.Logger != nil {
		cb.logger = config.Logger
	}
	return cb, nil
}

// SetLogger attaches a component-tagged logger.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.logger = cal.WithComponent("framework/resilience")
	} else {
		cb.logger = logger
	}
}

// GetState returns the current breaker state.
func (cb *CircuitBreaker) GetState() CircuitState {
	return cb.resolveState()
}

// Name returns the platform tag this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// resolveState returns the effective state, performing the open -> half-open
// transition as a side effect once ResetTimeout has elapsed.
func (cb *CircuitBreaker) resolveState() CircuitState {
	state := CircuitState(cb.state.Load())
	if state != StateOpen {
		return state
	}

	openedAt := cb.openedAt.Load()
	if time.Since(time.Unix(0, openedAt)) < cb.config.ResetTimeout {
		return StateOpen
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if CircuitState(cb.state.Load()) != StateOpen {
		return CircuitState(cb.state.Load())
	}
	if time.Since(time.Unix(0, cb.openedAt.Load())) < cb.config.ResetTimeout {
		return StateOpen
	}
	cb.transitionTo(StateHalfOpen)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenInProgress.Store(false)
	return StateHalfOpen
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(to CircuitState) {
	from := CircuitState(cb.state.Load())
	if from == to {
		return
	}
	cb.state.Store(int32(to))
	cb.config.Metrics.RecordStateChange(cb.config.Name, from, to)
	cb.logger.Info("circuit breaker state transition", map[string]interface{}{
		"platform":  cb.config.Name,
		"fromState": from.String(),
		"toState":   to.String(),
	})
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// Allow reports whether a call may proceed right now, without executing
// anything. The executor pipeline (C6) calls this before rate-limiter
// acquisition so a tripped breaker short-circuits before consuming a token.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.resolveState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Serialize half-open probes: only one in flight at a time.
		return cb.halfOpenInProgress.CompareAndSwap(false, true)
	default:
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false
	}
}

// Execute runs fn if the breaker allows it, recovering panics into errors,
// and records the outcome via RecordResult. ctx cancellation surfaces as
// ctx.Err() without waiting for fn to return.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return core.NewActionError(core.KindBrokerOpen, "circuitBreaker.execute", core.ErrCircuitBreakerOpen)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in breaker-guarded call: %v\n%s", r, debug.Stack())
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		cb.RecordResult(err)
		return err
	case <-ctx.Done():
		cb.RecordResult(ctx.Err())
		return ctx.Err()
	}
}

// RecordResult updates breaker state from a call's outcome. It is exported
// so the executor pipeline (C6) can call it directly for calls it drives
// itself (Execute is a convenience wrapper over Allow + RecordResult).
func (cb *CircuitBreaker) RecordResult(err error) {
	state := cb.resolveState()

	if err == nil {
		cb.onSuccess(state)
		return
	}

	kind := core.KindOf(err)
	if !kind.CountsTowardBreaker() {
		// rate_limit/auth/validation/not_found/client don't indict the
		// remote platform's health; treat as a pass-through for breaker
		// purposes but still release any half-open slot.
		if state == StateHalfOpen {
			cb.halfOpenInProgress.Store(false)
		}
		return
	}

	cb.onFailure(state, kind)
}

func (cb *CircuitBreaker) onSuccess(state CircuitState) {
	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch state {
	case StateClosed:
		cb.consecFailures.Store(0)
	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Add(1)
		cb.halfOpenInProgress.Store(false)
		if int(successes) >= cb.config.SuccessThreshold {
			cb.mu.Lock()
			cb.transitionTo(StateClosed)
			cb.consecFailures.Store(0)
			cb.mu.Unlock()
		}
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, kind core.ErrorKind) {
	cb.config.Metrics.RecordFailure(cb.config.Name, kind)

	switch state {
	case StateClosed:
		failures := cb.consecFailures.Add(1)
		if int(failures) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			cb.transitionTo(StateOpen)
			cb.openedAt.Store(time.Now().UnixNano())
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		cb.halfOpenInProgress.Store(false)
		cb.mu.Lock()
		cb.transitionTo(StateOpen)
		cb.openedAt.Store(time.Now().UnixNano())
		cb.consecFailures.Store(0)
		cb.mu.Unlock()
	}
}

// ForceOpen trips the breaker manually, e.g. from an operator command.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateOpen)
	cb.openedAt.Store(time.Now().UnixNano())
}

// UpdateThresholds retunes the breaker's trip/reset/recovery parameters in
// place, letting a hot-reloaded core.Config change them without rebuilding
// the breaker (and losing its current state) around a new config value.
func (cb *CircuitBreaker) UpdateThresholds(failureThreshold, successThreshold int, resetTimeout time.Duration) {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config.FailureThreshold = failureThreshold
	cb.config.SuccessThreshold = successThreshold
	cb.config.ResetTimeout = resetTimeout
}

// ForceClose resets the breaker to closed, clearing failure counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.consecFailures.Store(0)
}
