package circuit

import "sync"

// Registry owns the breaker instances keyed by resource name. All callers of
// a resource share the same breaker; the registry is built once at the
// composition root and injected into callers.
type Registry struct {
	config   Config
	observer Observer
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that builds breakers with the given config
// and observer.
func NewRegistry(config Config, observer Observer) *Registry {
	return &Registry{
		config:   config,
		observer: observer,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named resource, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.breakers[name]; exists {
		return b
	}

	b := New(name, r.config, r.observer)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots for every registered breaker.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.GetStats())
	}
	return stats
}
