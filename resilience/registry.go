package resilience

import "sync"

// Registry looks policies up by name for call sites that don't want to
// thread a *Policy through their own construction (spec.md §4.6
// "registry exposes get_default()/get(name)").
type Registry struct {
	mu    sync.RWMutex
	def   *Policy
	named map[string]*Policy
}

// NewRegistry builds a Registry whose GetDefault returns def.
func NewRegistry(def *Policy) *Registry {
	return &Registry{def: def, named: make(map[string]*Policy)}
}

// Register associates name with p. Re-registering a name replaces it;
// the Policy values themselves remain immutable.
func (r *Registry) Register(name string, p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = p
}

// GetDefault returns the registry's default policy.
func (r *Registry) GetDefault() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Get returns the policy registered under name, or the default if name
// is unknown (spec.md §4.6 "unknown name → default").
func (r *Registry) Get(name string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.named[name]; ok {
		return p
	}
	return r.def
}
