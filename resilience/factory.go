package resilience

import (
	"context"

	"github.com/actionplane/orchestrator/core"
)

// ResilienceDependencies holds the optional cross-cutting dependencies every
// resilience component accepts, following the same injection pattern as the
// rest of this module: nil fields fall back to no-op/default implementations.
type ResilienceDependencies struct {
	Logger         core.Logger
	MetricsEnabled bool                                          // wire TelemetryMetrics into the breaker
	OnStateChange  func(platform string, from, to CircuitState) // relay breaker transitions onto the event plane
}

// Option configures ResilienceDependencies.
type Option func(*ResilienceDependencies)

// WithLogger injects a shared logger.
func WithLogger(logger core.Logger) Option {
	return func(d *ResilienceDependencies) {
		d.Logger = logger
	}
}

// WithMetrics enables metrics emission on constructed components.
func WithMetrics(enabled bool) Option {
	return func(d *ResilienceDependencies) {
		d.MetricsEnabled = enabled
	}
}

// WithStateChangeHook installs a callback invoked on every circuit breaker
// state transition (C11's circuit:opened|closed|half-open events), letting
// the caller publish onto the event plane without this package importing
// it directly.
func WithStateChangeHook(hook func(platform string, from, to CircuitState)) Option {
	return func(d *ResilienceDependencies) {
		d.OnStateChange = hook
	}
}

func resolveDeps(opts []Option) ResilienceDependencies {
	var d ResilienceDependencies
	for _, opt := range opts {
		opt(&d)
	}
	if d.Logger == nil {
		d.Logger = &core.NoOpLogger{}
	}
	return d
}

// NewPlatformCircuitBreaker builds a circuit breaker for platform from its
// per-platform config, wiring in the shared logger and, if requested, a
// TelemetryMetrics collector.
func NewPlatformCircuitBreaker(platform string, cfg core.CircuitBreakerConfig, opts ...Option) (*CircuitBreaker, error) {
	deps := resolveDeps(opts)

	breakerCfg := &CircuitBreakerConfig{
		Name:             platform,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		Logger:           deps.Logger,
		OnStateChange:    deps.OnStateChange,
	}
	if deps.MetricsEnabled {
		breakerCfg.Metrics = NewTelemetryMetrics()
	}

	return NewCircuitBreaker(breakerCfg)
}

// NewPlatformRetrier builds a Retrier for platform from its per-platform
// retry config.
func NewPlatformRetrier(cfg core.RetryConfig, opts ...Option) *Retrier {
	deps := resolveDeps(opts)
	r := NewRetrier(cfg)
	r.SetLogger(deps.Logger)
	return r
}

// NewPlatformTokenBucket builds a TokenBucket for platform from its
// per-platform rate limiter config.
func NewPlatformTokenBucket(platform string, cfg core.RateLimiterConfig, opts ...Option) *TokenBucket {
	deps := resolveDeps(opts)
	tb := NewTokenBucket(platform, cfg.Capacity, cfg.RefillPerSec)
	tb.SetLogger(deps.Logger)
	return tb
}

// Pipeline bundles the three per-platform reliability stages (C2, C3, C4)
// that the executor pipeline (C6) composes around a single platform call.
type Pipeline struct {
	Platform    string
	TokenBucket *TokenBucket
	Breaker     *CircuitBreaker
	Retrier     *Retrier
}

// NewPipeline constructs the full per-platform reliability stack from a
// platform tag and its resolved configs.
func NewPipeline(platform string, breaker core.CircuitBreakerConfig, limiter core.RateLimiterConfig, retry core.RetryConfig, opts ...Option) (*Pipeline, error) {
	cb, err := NewPlatformCircuitBreaker(platform, breaker, opts...)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Platform:    platform,
		TokenBucket: NewPlatformTokenBucket(platform, limiter, opts...),
		Breaker:     cb,
		Retrier:     NewPlatformRetrier(retry, opts...),
	}, nil
}

// Run executes fn through the pipeline: the retry loop wraps every attempt,
// and each attempt passes the breaker gate, then the rate limiter acquire,
// then fn (spec §4.6: the breaker gates before the
// rate limiter spends a token, so a tripped breaker fails fast without
// consuming capacity). fn must already be the single-attempt platform
// call; the retrier and breaker both observe its classified
// core.ErrorKind via core.KindOf.
func (p *Pipeline) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.RunWithHooks(ctx, nil, fn)
}

// RunWithHooks is Run with optional per-call RetryHooks, letting a caller
// observe each attempt (for ActionAttempt bookkeeping and action:retrying
// events) without the pipeline itself knowing about that domain type.
func (p *Pipeline) RunWithHooks(ctx context.Context, hooks *RetryHooks, fn func(ctx context.Context) error) error {
	return p.Retrier.DoWithHooks(ctx, p.Platform, p.TokenBucket.NextAvailable, hooks, func(ctx context.Context) error {
		if !p.Breaker.Allow() {
			return core.NewActionError(core.KindBrokerOpen, "pipeline.run", core.ErrCircuitBreakerOpen)
		}
		err := p.TokenBucket.Acquire(ctx)
		if err == nil {
			err = fn(ctx)
		}
		p.Breaker.RecordResult(err)
		return err
	})
}
