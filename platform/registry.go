package platform

import (
	"fmt"
	"sync"

	"github.com/actionplane/orchestrator/core"
)

// Registry holds the set of configured platform adapters, keyed by platform
// tag, plus a table of parameter-translation mappers for moving an action
// from one platform to another. The Fallback Dispatcher (C5) keeps its own
// mapper table and does not read this one.
//
// Adapters are statically registered at startup (spec §4.1: "a closed set
// of platform tags") — there is no discovery or health-based selection
// here, unlike the teacher's agent registry/discovery split.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	mappers  map[string]func(params map[string]interface{}) (map[string]interface{}, error)
	logger   core.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		mappers: make(map[string]func(params map[string]interface{}) (map[string]interface{}, error)),
		logger:  &core.NoOpLogger{},
	}
}

// SetLogger attaches a component-tagged logger.
func (r *Registry) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("framework/platform")
	} else {
		r.logger = logger
	}
}

// Register adds or replaces the adapter for a platform tag.
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Platform()] = client
	r.logger.Info("platform adapter registered", map[string]interface{}{
		"platform": client.Platform(),
	})
}

// Get returns the adapter for a platform tag.
func (r *Registry) Get(platform string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAdapterNotFound, platform)
	}
	return c, nil
}

// Platforms lists every registered platform tag.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}

// RegisterParamMapper adds a parameter-translation function for moving a
// given action type from one platform's param shape to another's (spec
// §4.5: Notion "status property" -> Trello "list id"). Mappers are returned
// by ParamMapper; neither the Fallback Dispatcher nor the primary execution
// path reads them.
func (r *Registry) RegisterParamMapper(actionType, fromPlatform, toPlatform string, mapper func(params map[string]interface{}) (map[string]interface{}, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[mapperKey(actionType, fromPlatform, toPlatform)] = mapper
}

// ParamMapper returns the registered mapper for a type/from/to triple, if any.
func (r *Registry) ParamMapper(actionType, fromPlatform, toPlatform string) (func(params map[string]interface{}) (map[string]interface{}, error), bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[mapperKey(actionType, fromPlatform, toPlatform)]
	return m, ok
}

func mapperKey(actionType, from, to string) string {
	return actionType + "|" + from + "|" + to
}
