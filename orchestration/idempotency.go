package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/journal"
)

// idempotencyState is the guard's in-memory record per key (spec §4.10).
type idempotencyState struct {
	done   bool
	result *Result
	// waiters are closed when the in-flight attempt completes, letting
	// concurrent callers with the same key block on the first attempt
	// instead of producing a second side effect.
	waiters []chan struct{}
	doneAt  time.Time
}

// IdempotencyGuard enforces at-most-once external side effects per
// idempotency key (spec §4.10): the first caller with a key proceeds, later
// callers with the same key either wait for it (in-flight) or get the
// cached result immediately (done). Done entries expire after ttl, using the
// same periodic cleanup-goroutine shape as the teacher's gomind/orchestration
// SimpleCache.
type IdempotencyGuard struct {
	mu      sync.Mutex
	entries map[string]*idempotencyState
	ttl     time.Duration
	store   core.KVStore // optional: done transitions are copied here; Begin does not read it
	logger  core.Logger
	journal journal.Journal

	stopCleanup chan struct{}
}

// NewIdempotencyGuard constructs a guard with the given done-entry TTL. If
// store is non-nil, done transitions are also written there; Begin consults
// only the in-memory entries, so a restarted process does not read them back.
func NewIdempotencyGuard(ttl time.Duration, store core.KVStore) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	g := &IdempotencyGuard{
		entries:     make(map[string]*idempotencyState),
		ttl:         ttl,
		store:       store,
		logger:      &core.NoOpLogger{},
		journal:     journal.NewNoOp(),
		stopCleanup: make(chan struct{}),
	}
	go g.cleanupRoutine()
	return g
}

// SetJournal installs the append-only recovery journal (C12), recording
// every done transition as a journal.KindIdempotencyDone record. Nothing
// replays those records into the guard on startup
// (spec §6: "journal ... persists transitions inflight -> done").
func (g *IdempotencyGuard) SetJournal(j journal.Journal) {
	if j == nil {
		return
	}
	g.journal = j
}

// SetLogger attaches a component-tagged logger.
func (g *IdempotencyGuard) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		g.logger = cal.WithComponent("framework/orchestration")
	} else {
		g.logger = logger
	}
}

// Stop terminates the background TTL-cleanup goroutine.
func (g *IdempotencyGuard) Stop() {
	close(g.stopCleanup)
}

// guardOutcome tells the caller of Begin what to do next.
type guardOutcome int

const (
	// ProceedOutcome means no prior attempt exists; the caller owns the
	// side effect and must call Finish when done.
	ProceedOutcome guardOutcome = iota
	// CachedOutcome means a prior attempt already completed; Result is valid.
	CachedOutcome
	// WaitedOutcome means the caller waited for an in-flight attempt,
	// which has now completed; Result is valid.
	WaitedOutcome
)

// Begin attempts to claim key for execution. It returns immediately with
// CachedOutcome if key is already done, blocks until the in-flight attempt
// finishes if key is in-flight (returning WaitedOutcome), or claims the key
// and returns ProceedOutcome, in which case the caller MUST call Finish
// exactly once.
func (g *IdempotencyGuard) Begin(ctx context.Context, key string) (guardOutcome, *Result, error) {
	g.mu.Lock()
	entry, exists := g.entries[key]
	if !exists {
		g.entries[key] = &idempotencyState{}
		g.mu.Unlock()
		return ProceedOutcome, nil, nil
	}
	if entry.done {
		result := entry.result
		g.mu.Unlock()
		return CachedOutcome, result, nil
	}

	wait := make(chan struct{})
	entry.waiters = append(entry.waiters, wait)
	g.mu.Unlock()

	select {
	case <-wait:
		g.mu.Lock()
		defer g.mu.Unlock()
		if e, ok := g.entries[key]; ok && e.done {
			return WaitedOutcome, e.result, nil
		}
		// The in-flight attempt vanished without completing (e.g. the
		// owning worker crashed): let this caller become the new owner.
		g.entries[key] = &idempotencyState{}
		return ProceedOutcome, nil, nil
	case <-ctx.Done():
		return ProceedOutcome, nil, ctx.Err()
	}
}

// Finish records the terminal result for key, transitioning it from
// in-flight to done and waking any waiters. Must be called exactly once by
// whichever caller received ProceedOutcome from Begin.
func (g *IdempotencyGuard) Finish(ctx context.Context, key string, result *Result) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		entry = &idempotencyState{}
		g.entries[key] = entry
	}
	entry.done = true
	entry.result = result
	entry.doneAt = time.Now()
	waiters := entry.waiters
	entry.waiters = nil
	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if g.store != nil && result != nil {
		_ = g.store.Set(ctx, "idempotency:"+key, string(result.ErrorKind), g.ttl)
	}

	body := map[string]interface{}{"key": key}
	if result != nil {
		body["ok"] = result.Ok
		body["externalId"] = result.ExternalID
	}
	_ = g.journal.Append(journal.NewRecord(journal.KindIdempotencyDone, key, body))
}

// Abandon releases key without marking it done, for the case where the
// owning attempt failed before producing any result worth caching (e.g. a
// panic recovered upstream). Waiters become new owners via Begin's race.
func (g *IdempotencyGuard) Abandon(key string) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		g.mu.Unlock()
		return
	}
	waiters := entry.waiters
	delete(g.entries, key)
	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (g *IdempotencyGuard) cleanupRoutine() {
	interval := g.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.evictExpired()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *IdempotencyGuard) evictExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for key, entry := range g.entries {
		if entry.done && now.Sub(entry.doneAt) > g.ttl {
			delete(g.entries, key)
		}
	}
}
