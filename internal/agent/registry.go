package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// DefaultKind is used when the configuration names no agent.
const DefaultKind = "claude"

// Registry maps agent kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	for kind, f := range BuiltInAgents() {
		r.factories[kind] = f
	}
	return r
}

// BuiltInAgents returns the factories of the built-in agents.
func BuiltInAgents() map[string]Factory {
	return map[string]Factory{
		"claude": NewClaude,
		"script": NewScript,
	}
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Unregister removes a factory.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, kind)
}

// List returns the registered kinds in name order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the agent selected by cfg.Kind.
func (r *Registry) New(cfg types.AgentConfig, env Env) (Agent, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = DefaultKind
	}

	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", kind)
	}
	return f(cfg, env)
}
