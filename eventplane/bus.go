package eventplane

import (
	"context"
	"sync"

	"github.com/actionplane/orchestrator/core"
)

// Bus is an in-process typed publish/subscribe bus. Subscribers declare the
// specific Kinds they want; Publish fans out to every matching subscription
// without blocking on a slow consumer beyond its own buffer (spec §9: "typed
// publish/subscribe where the event kind is a discriminated sum; subscribers
// declare the subset they handle").
//
// Grounded on the subscribe-returns-channel-plus-cancel shape of
// orchestration/hitl_command_store.go's RedisCommandStore, adapted from a
// single-checkpoint Redis channel to an in-process fan-out bus keyed by
// event Kind.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	logger core.Logger
}

type subscription struct {
	ch     chan Event
	cancel func()
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Kind][]*subscription),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger attaches a component-tagged logger.
func (b *Bus) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		b.logger = cal.WithComponent("framework/eventplane")
	} else {
		b.logger = logger
	}
}

// Subscribe returns a channel delivering every future event whose Kind is in
// kinds, and a cancel func that must be called to release the subscription.
// The channel is buffered; while a subscriber's buffer is full, Publish
// drops the new event for that subscriber rather than blocking (dashboards and
// metrics sinks are advisory consumers, not the system of record — the
// journal, when enabled, is).
func (b *Bus) Subscribe(ctx context.Context, buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: make(chan Event, buffer), cancel: cancel}

	b.mu.Lock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], sub)
	}
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.mu.Lock()
		for _, k := range kinds {
			b.subs[k] = removeSub(b.subs[k], sub)
		}
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, cancel
}

func removeSub(list []*subscription, target *subscription) []*subscription {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers event to every subscriber of event.Kind. Delivery is
// best-effort and non-blocking: a full subscriber buffer drops the event for
// that subscriber and the drop is logged, rather than stalling the
// publishing worker (spec §5: "No suspension occurs while mutating an
// ActionRecord" — a worker publishing a terminal event must never block on a
// slow dashboard consumer).
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := b.subs[event.Kind]
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropped event: subscriber buffer full", map[string]interface{}{
				"kind": string(event.Kind),
			})
		}
	}
}
