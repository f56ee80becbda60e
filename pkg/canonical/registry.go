package canonical

import (
	"fmt"
	"slices"

	"github.com/agentstation/migrator/pkg/errors"
)

// Registry maps entity types to their write adapters. It is built once, up
// front, and read-only afterwards.
type Registry struct {
	adapters map[string]WriteAdapter
}

// NewRegistry creates a registry from adapters. Registering an entity type
// twice is a configuration error.
func NewRegistry(adapters ...WriteAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]WriteAdapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		t := a.EntityType()
		if _, dup := r.adapters[t]; dup {
			return nil, errors.NewConfigError("registry", fmt.Sprintf("entity type %q registered twice", t), nil)
		}
		r.adapters[t] = a
	}
	return r, nil
}

// NewRegistryFromSpecs builds a FieldAdapter per spec and registers them.
func NewRegistryFromSpecs(specs ...EntitySpec) (*Registry, error) {
	adapters := make([]WriteAdapter, 0, len(specs))
	for _, s := range specs {
		a, err := NewFieldAdapter(s)
		if err != nil {
			return nil, errors.NewConfigError("registry", fmt.Sprintf("entity type %q", s.Type), err)
		}
		adapters = append(adapters, a)
	}
	return NewRegistry(adapters...)
}

// EntityWriteAdapter returns the adapter for entityType, or a
// *errors.NotRegisteredError when there is none.
func (r *Registry) EntityWriteAdapter(entityType string) (WriteAdapter, error) {
	a, ok := r.adapters[entityType]
	if !ok {
		return nil, errors.NewNotRegisteredError(entityType)
	}
	return a, nil
}

// EntityTypes returns the registered entity types, sorted.
func (r *Registry) EntityTypes() []string {
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Len returns the number of registered entity types.
func (r *Registry) Len() int { return len(r.adapters) }
