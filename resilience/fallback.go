package resilience

import (
	"context"

	"github.com/actionplane/orchestrator/core"
)

// ParamMapper translates an action's parameters from the primary platform's
// shape into the fallback platform's shape (spec §4.5: Notion "status
// property" -> Trello "list id"). The dispatcher holds its own mapper table,
// one per (actionType, fromPlatform, toPlatform) triple, and does not read
// platform.Registry's mappers; the fallback dispatcher is deliberately ignorant of
// what any mapping actually does.
type ParamMapper func(params map[string]interface{}) (map[string]interface{}, error)

// BreakerLookup resolves a platform tag to its circuit breaker, so the
// dispatcher can skip platforms whose breaker is already open without
// spending a retry cycle on them.
type BreakerLookup func(platform string) (*CircuitBreaker, bool)

// Attempt is one fallback dispatcher invocation of a single platform.
type Attempt struct {
	Platform string
	Params   map[string]interface{}
}

// Outcome is the result of a fallback-chain execution.
type Outcome struct {
	Ok               bool
	ExternalID       string
	Err              error
	UsedFallback     bool
	FallbackPlatform string
}

// FallbackDispatcher re-routes a permanently-failed action to the next
// platform in its decision's fallbackChain (spec §4.5, C5).
type FallbackDispatcher struct {
	breakers BreakerLookup
	mappers  map[string]ParamMapper // keyed by "actionType|fromPlatform|toPlatform"
	logger   core.Logger
}

// NewFallbackDispatcher constructs a dispatcher consulting breakers through
// lookup and translating parameters via the supplied mapper table.
func NewFallbackDispatcher(breakers BreakerLookup, mappers map[string]ParamMapper) *FallbackDispatcher {
	if mappers == nil {
		mappers = map[string]ParamMapper{}
	}
	return &FallbackDispatcher{
		breakers: breakers,
		mappers:  mappers,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger attaches a component-tagged logger.
func (d *FallbackDispatcher) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		d.logger = cal.WithComponent("framework/resilience")
	} else {
		d.logger = logger
	}
}

// RegisterMapper adds a parameter translation for a given action type moving
// from one platform to another.
func (d *FallbackDispatcher) RegisterMapper(actionType, fromPlatform, toPlatform string, mapper ParamMapper) {
	d.mappers[mapperKey(actionType, fromPlatform, toPlatform)] = mapper
}

func mapperKey(actionType, from, to string) string {
	return actionType + "|" + from + "|" + to
}

// Dispatch walks chain in order, translating params from primaryPlatform at
// each hop and invoking exec for the first platform whose breaker allows it.
// It stops at the first success or when the chain is exhausted, returning
// the last attempt's classified error if every hop failed or was skipped.
func (d *FallbackDispatcher) Dispatch(
	ctx context.Context,
	actionType string,
	primaryPlatform string,
	primaryParams map[string]interface{},
	chain []string,
	exec func(ctx context.Context, platform string, params map[string]interface{}) (externalID string, err error),
) Outcome {
	fromPlatform := primaryPlatform
	params := primaryParams
	var lastErr error

	for _, platform := range chain {
		if d.breakers != nil {
			if cb, ok := d.breakers(platform); ok && cb != nil && !cb.Allow() {
				d.logger.InfoWithContext(ctx, "fallback hop skipped: breaker open", map[string]interface{}{
					"actionType": actionType,
					"platform":   platform,
				})
				continue
			}
		}

		mapped := params
		if mapper, ok := d.mappers[mapperKey(actionType, fromPlatform, platform)]; ok {
			translated, err := mapper(params)
			if err != nil {
				lastErr = core.NewActionError(core.KindValidation, "fallback.mapParams", err)
				fromPlatform = platform
				continue
			}
			mapped = translated
		}

		if registry := core.GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("orchestrator.fallback.attempts", "actionType", actionType, "platform", platform)
		}

		externalID, err := exec(ctx, platform, mapped)
		if err == nil {
			if registry := core.GetGlobalMetricsRegistry(); registry != nil {
				registry.Counter("orchestrator.fallback.success", "actionType", actionType, "platform", platform)
			}
			return Outcome{
				Ok:               true,
				ExternalID:       externalID,
				UsedFallback:     true,
				FallbackPlatform: platform,
			}
		}

		lastErr = err
		fromPlatform = platform
		params = mapped
	}

	return Outcome{
		Ok:           false,
		Err:          lastErr,
		UsedFallback: len(chain) > 0,
	}
}
