package unit

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a unit instance from its id, its configured parameters,
// and the injected toolkit.
type Constructor func(id string, params map[string]any, tk *Toolkit) (Interface, error)

// Registry is an explicit map from unit type name to constructor. Types are
// registered at startup; no runtime introspection is involved.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for a type name. Registering a duplicate name
// is an error.
func (r *Registry) Register(typeName string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[typeName]; exists {
		return fmt.Errorf("unit type %q already registered", typeName)
	}
	r.constructors[typeName] = ctor
	return nil
}

// New constructs a unit of the given type.
func (r *Registry) New(typeName, id string, params map[string]any, tk *Toolkit) (Interface, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown unit type %q (registered: %v)", typeName, r.Types())
	}
	return ctor(id, params, tk)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
