package agent

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mikaelliljedahl/prfactory/types"
)

// Registry maps unique agent names to instances. Registration is guarded by
// a single mutex because it can race with execution lookups during startup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register binds an agent under its name. Registering a name twice fails.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return types.Errorf(types.ErrDuplicateAgent, "agent %q already registered", name)
	}
	r.agents[name] = a
	r.logger.Info("agent registered", zap.String("agent", name))
	return nil
}

// Unregister removes a binding. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, name)
	r.logger.Info("agent unregistered", zap.String("agent", name))
}

// Resolve fetches an agent by name, failing when it is not registered.
func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[name]
	if !exists {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %q not registered", name)
	}
	return a, nil
}

// TryResolve fetches an agent by name, reporting absence instead of erroring.
func (r *Registry) TryResolve(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[name]
	return a, exists
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
