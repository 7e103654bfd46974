package schema

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Registry names validators so spec catalogs can reference them.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register adds or replaces a named validator.
func (r *Registry) Register(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Get returns the validator registered as name.
func (r *Registry) Get(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	if !ok {
		return nil, eris.Errorf("schema: unknown schema %q", name)
	}
	return v, nil
}

// Names lists registered schemas in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for n := range r.validators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
