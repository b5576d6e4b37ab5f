package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps scenarios to their filters.
type Registry struct {
	mu      sync.RWMutex
	filters map[Scenario]Filter
}

// NewRegistry creates a registry holding the built-in scenarios.
func NewRegistry() *Registry {
	r := &Registry{filters: make(map[Scenario]Filter)}
	r.Register(stochFilter{})
	r.Register(adxFilter{})
	r.Register(smaFilter{})
	r.Register(trixFilter{})
	return r
}

// Register adds or replaces a filter.
func (r *Registry) Register(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[f.Scenario()] = f
}

// Get retrieves a filter by scenario.
func (r *Registry) Get(s Scenario) (Filter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[s]
	return f, ok
}

// GetAll returns every filter ordered by scenario name.
func (r *Registry) GetAll() []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Filter, 0, len(r.filters))
	for _, f := range r.filters {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Scenario() < result[j].Scenario() })
	return result
}

var defaultRegistry = NewRegistry()

// Filters lists the built-in scenario filters.
func Filters() []Filter { return defaultRegistry.GetAll() }

// FilterFor returns the built-in filter of a scenario. Unknown scenarios are
// a programmer error: Params.Validate rejects them first.
func FilterFor(s Scenario) Filter {
	f, ok := defaultRegistry.Get(s)
	if !ok {
		panic(fmt.Sprintf("strategy: no filter for scenario %q", s))
	}
	return f
}
