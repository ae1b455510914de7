package engine

import (
	"sync/atomic"

	"github.com/roach88/crmsync/internal/mapping"
)

// mappingSet is a mapping registry that can be swapped while the push
// queue, observer and pull handlers hold on to it.
type mappingSet struct {
	current atomic.Pointer[mapping.Registry]
}

func newMappingSet(r *mapping.Registry) *mappingSet {
	s := &mappingSet{}
	s.current.Store(r)
	return s
}

func (s *mappingSet) registry() *mapping.Registry { return s.current.Load() }

func (s *mappingSet) swap(r *mapping.Registry) { s.current.Store(r) }

func (s *mappingSet) Get(id string) (mapping.Definition, error) {
	return s.registry().Get(id)
}

func (s *mappingSet) All() []mapping.Definition { return s.registry().All() }

func (s *mappingSet) PushMappings() []mapping.Definition { return s.registry().PushMappings() }

func (s *mappingSet) PullMappings() []mapping.Definition { return s.registry().PullMappings() }

func (s *mappingSet) ForEntity(entityType, bundle string) []mapping.Definition {
	return s.registry().ForEntity(entityType, bundle)
}
