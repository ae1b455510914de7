package mapping

import (
	"errors"
	"fmt"
	"sort"
)

// Registry is an immutable, ordered set of definitions.
type Registry struct {
	defs []Definition
	byID map[string]int
}

// NewRegistry validates defs and orders them by weight, then id.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(defs))}
	var errs []error
	for _, def := range defs {
		for _, ve := range Validate(def) {
			errs = append(errs, ve)
		}
		if _, dup := r.byID[def.ID]; dup {
			errs = append(errs, ValidationError{
				Mapping: def.ID,
				Field:   "id",
				Message: "duplicate mapping id",
				Code:    ErrDuplicateMapping,
			})
			continue
		}
		r.byID[def.ID] = -1
		r.defs = append(r.defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(r.defs, func(i, j int) bool {
		if r.defs[i].Weight != r.defs[j].Weight {
			return r.defs[i].Weight < r.defs[j].Weight
		}
		return r.defs[i].ID < r.defs[j].ID
	})
	for i, def := range r.defs {
		r.byID[def.ID] = i
	}
	return r, nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (Definition, error) {
	i, ok := r.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("unknown mapping %q", id)
	}
	return r.defs[i], nil
}

// All returns every definition in registry order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// PushMappings returns definitions with a local trigger.
func (r *Registry) PushMappings() []Definition {
	return r.filter(Definition.DoesPush)
}

// PullMappings returns definitions with a remote create or update trigger.
func (r *Registry) PullMappings() []Definition {
	return r.filter(Definition.DoesPull)
}

// ForEntity returns the definitions covering an entity type and bundle.
func (r *Registry) ForEntity(entityType, bundle string) []Definition {
	return r.filter(func(d Definition) bool { return d.AppliesTo(entityType, bundle) })
}

// EntityTypes returns the distinct local entity types in registry order.
func (r *Registry) EntityTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.defs {
		if !seen[d.LocalEntityType] {
			seen[d.LocalEntityType] = true
			out = append(out, d.LocalEntityType)
		}
	}
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	return len(r.defs)
}

func (r *Registry) filter(keep func(Definition) bool) []Definition {
	var out []Definition
	for _, d := range r.defs {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
