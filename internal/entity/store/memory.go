package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"verity/internal/entity/models"
	"verity/pkg/domain"
	"verity/pkg/platform/sentinel"
)

// InMemory keeps entities in process memory. The single mutex gives the
// linearization the contract asks for: create races are decided by map
// insertion, merges validate and mutate under the same lock.
type InMemory struct {
	mu       sync.RWMutex
	entities map[domain.EntityID]*models.Entity
}

func NewInMemory() *InMemory {
	return &InMemory{entities: make(map[domain.EntityID]*models.Entity)}
}

func (s *InMemory) CreateIfAbsent(_ context.Context, entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[entity.ID]; exists {
		return fmt.Errorf("entity %s: %w", entity.ID, sentinel.ErrAlreadyUsed)
	}
	cloned := *entity
	s.entities[entity.ID] = &cloned
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id domain.EntityID) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, sentinel.ErrNotFound)
	}
	cloned := *entity
	return &cloned, nil
}

func (s *InMemory) Merge(_ context.Context, from, to domain.EntityID, mergedAt time.Time) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.entities[from]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", from, sentinel.ErrNotFound)
	}
	target, ok := s.entities[to]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", to, sentinel.ErrNotFound)
	}
	if err := source.CanMergeInto(target); err != nil {
		return nil, err
	}
	source.ApplyMerge(to, mergedAt)
	cloned := *source
	return &cloned, nil
}

func (s *InMemory) ListMergedInto(_ context.Context, target domain.EntityID) ([]domain.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.EntityID{}
	for id, entity := range s.entities {
		if entity.MergedTo != nil && *entity.MergedTo == target {
			out = append(out, id)
		}
	}
	return out, nil
}
