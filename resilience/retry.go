package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// Retrier applies core.RetryConfig's backoff schedule to a platform's calls
// (spec §4.4): delay_k = min(maxDelay, initialDelay * multiplier^(k-1)) + jitter,
// where jitter is additive uniform noise over [0, JitterMax], or over
// [0, initialDelay/2] when JitterMax is not positive. Only
// errors whose core.ErrorKind.IsRetriable() is true consume an attempt;
// anything else returns immediately without sleeping.
type Retrier struct {
	config core.RetryConfig
	logger core.Logger
	rand   *rand.Rand
}

// RetryHooks lets a caller observe individual attempts of a single Do call
// without the retry engine knowing anything about the caller's domain types
// (e.g. ActionAttempt/ActionRecord). Passed per-call rather than stored on
// the Retrier, since one Retrier instance is shared by every concurrent
// caller for a platform.
type RetryHooks struct {
	// OnAttempt fires immediately before each call to fn, 1-indexed.
	OnAttempt func(attempt int)
	// OnRetry fires after a retriable failure, once the next delay has been
	// computed, before sleeping.
	OnRetry func(attempt int, delay time.Duration, kind core.ErrorKind)
}

// NewRetrier builds a Retrier from a platform's retry configuration, filling
// in defaults for anything left zero.
func NewRetrier(config core.RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retrier{
		config: config,
		logger: &core.NoOpLogger{},
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetLogger attaches a component-tagged logger.
func (r *Retrier) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("framework/resilience")
	} else {
		r.logger = logger
	}
}

// delayFor returns the backoff delay preceding retry attempt k (1-indexed:
// k=1 is the wait taken after the first failed attempt).
func (r *Retrier) delayFor(k int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(k-1))
	delay := time.Duration(base)
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	jitterMax := r.config.JitterMax
	if jitterMax <= 0 {
		jitterMax = r.config.InitialDelay / 2
	}
	if jitterMax > 0 {
		delay += time.Duration(r.rand.Int63n(int64(jitterMax) + 1))
	}
	return delay
}

// Do executes fn, retrying on retriable errors up to MaxAttempts total
// attempts. If rateLimitDelay is non-nil, a core.KindRateLimit failure waits
// for its return value instead of the exponential schedule, letting the
// token bucket's own next-refill estimate take precedence over blind backoff.
func (r *Retrier) Do(ctx context.Context, platform string, rateLimitDelay func() time.Duration, fn func(ctx context.Context) error) error {
	return r.DoWithHooks(ctx, platform, rateLimitDelay, nil, fn)
}

// DoWithHooks is Do with optional per-call observability hooks.
func (r *Retrier) DoWithHooks(ctx context.Context, platform string, rateLimitDelay func() time.Duration, hooks *RetryHooks, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if hooks != nil && hooks.OnAttempt != nil {
			hooks.OnAttempt(attempt)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := core.KindOf(err)
		if !kind.IsRetriable() {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		var delay time.Duration
		if kind == core.KindRateLimit && rateLimitDelay != nil {
			delay = rateLimitDelay()
		} else {
			delay = r.delayFor(attempt)
		}

		if registry := core.GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("orchestrator.retry.attempts", "platform", platform, "errorKind", string(kind))
		}

		if hooks != nil && hooks.OnRetry != nil {
			hooks.OnRetry(attempt, delay, kind)
		}

		r.logger.DebugWithContext(ctx, "retrying after failure", map[string]interface{}{
			"platform":  platform,
			"attempt":   attempt,
			"nextDelay": delay.String(),
			"errorKind": string(kind),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("orchestrator.retry.exhausted", "platform", platform)
	}
	return fmt.Errorf("max retry attempts (%d) exceeded for platform %s: %w", r.config.MaxAttempts, platform, lastErr)
}
