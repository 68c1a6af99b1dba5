package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// TokenBucket is a fractional-token, FIFO-fair rate limiter (spec §4.2,
// C2). Tokens refill continuously at RefillPerSec up to Capacity. Acquire
// blocks the calling goroutine until a token is available or ctx is done,
// and callers are served in the order they called Acquire — a burst of
// waiters never lets a later arrival cut ahead of an earlier one once both
// are blocked.
type TokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
	waiters      *list.List // of *waiter, front = next to be served

	logger core.Logger
	name   string
}

type waiter struct {
	ready chan struct{}
}

// NewTokenBucket constructs a bucket starting full.
func NewTokenBucket(name string, capacity, refillPerSec float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &TokenBucket{
		tokens:       capacity,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		lastRefill:   time.Now(),
		waiters:      list.New(),
		logger:       &core.NoOpLogger{},
		name:         name,
	}
}

// SetLogger attaches a component-tagged logger.
func (tb *TokenBucket) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		tb.logger = cal.WithComponent("framework/resilience")
	} else {
		tb.logger = logger
	}
}

// refillLocked advances tokens to "now", called with mu held.
func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillPerSec
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Acquire blocks until one token is available, ctx is cancelled, or ctx's
// deadline passes. Waiters are served strictly FIFO: a goroutine only
// consumes a token once every earlier caller has either been served or
// given up.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	started := time.Now()
	tb.mu.Lock()
	tb.refillLocked()

	if tb.waiters.Len() == 0 && tb.tokens >= 1 {
		tb.tokens--
		tokensLeft := tb.tokens
		tb.mu.Unlock()
		tb.recordAcquire(ctx, started, tokensLeft)
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := tb.waiters.PushBack(w)
	tb.mu.Unlock()

	ticker := time.NewTicker(tb.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.ready:
			tb.recordAcquire(ctx, started, tb.Available())
			return nil
		case <-ctx.Done():
			tb.mu.Lock()
			// If we were already woken concurrently with cancellation,
			// honor the grant rather than dropping the token on the floor.
			select {
			case <-w.ready:
				tb.mu.Unlock()
				tb.recordAcquire(ctx, started, tb.Available())
				return nil
			default:
			}
			tb.waiters.Remove(elem)
			tb.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			tb.pump()
		}
	}
}

// recordAcquire emits the rate limiter's wait-time and remaining-tokens
// metrics (C13) for a granted Acquire.
func (tb *TokenBucket) recordAcquire(ctx context.Context, started time.Time, tokensLeft float64) {
	registry := core.GetGlobalMetricsRegistry()
	if registry == nil {
		return
	}
	registry.EmitWithContext(ctx, "orchestrator.rate_limiter.wait_time_ms", float64(time.Since(started).Milliseconds()), "platform", tb.name)
	registry.Gauge("orchestrator.rate_limiter.tokens_available", tokensLeft, "platform", tb.name)
}

// tickInterval is roughly the time to accrue one token, so a blocked
// Acquire re-checks the queue at a cadence matched to the refill rate.
func (tb *TokenBucket) tickInterval() time.Duration {
	d := time.Duration(float64(time.Second) / tb.refillPerSec)
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// pump grants tokens to queued waiters in FIFO order as they become
// available. Called with no lock held; acquires internally.
func (tb *TokenBucket) pump() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()

	for tb.tokens >= 1 {
		front := tb.waiters.Front()
		if front == nil {
			break
		}
		tb.tokens--
		tb.waiters.Remove(front)
		close(front.Value.(*waiter).ready)
	}
}

// NextAvailable estimates how long until at least one token is available,
// for the retry engine's rate-limit backoff override.
func (tb *TokenBucket) NextAvailable() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	deficit := 1 - tb.tokens
	return time.Duration(deficit / tb.refillPerSec * float64(time.Second))
}

// Available reports the current (possibly fractional) token count, useful
// for health/metrics reporting.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// Capacity reports the bucket's configured maximum token count, letting a
// caller compute a fill ratio from Available() for health reporting (C13).
func (tb *TokenBucket) Capacity() float64 {
	return tb.capacity
}

// UpdateRates applies new capacity/refill values, letting a hot-reloaded
// core.Config retune an already-running bucket without rebuilding the
// pipeline around it. Refilling first means the change never discards
// tokens a waiter is about to be granted.
func (tb *TokenBucket) UpdateRates(capacity, refillPerSec float64) {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	tb.capacity = capacity
	tb.refillPerSec = refillPerSec
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Name returns the platform tag this bucket was constructed for.
func (tb *TokenBucket) Name() string {
	return tb.name
}
