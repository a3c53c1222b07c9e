// Package store persists resolved identities and their merge state. The
// entity table exclusively owns merge state: nothing else may write
// merged_to/merged_at.
package store

import (
	"context"
	"time"

	"verity/internal/entity/models"
	"verity/pkg/domain"
)

// Store is the entity table.
type Store interface {
	// CreateIfAbsent inserts a new Active entity. Returns
	// sentinel.ErrAlreadyUsed (possibly wrapped) when the id is taken; the
	// resolve path recovers by retrying as a read, never surfacing the race.
	CreateIfAbsent(ctx context.Context, entity *models.Entity) error

	// FindByID returns the entity or sentinel.ErrNotFound.
	FindByID(ctx context.Context, id domain.EntityID) (*models.Entity, error)

	// Merge atomically validates and applies from → to. Both rows are read
	// under the store's lock, models.(*Entity).CanMergeInto decides, and the
	// two merge fields are written together at mergedAt. Precondition
	// failures surface the models sentinel errors; once committed, no later
	// read may observe a half-merged state.
	Merge(ctx context.Context, from, to domain.EntityID, mergedAt time.Time) (*models.Entity, error)

	// ListMergedInto returns the ids of entities whose MergedTo equals
	// target. One redirect hop; callers walk transitively.
	ListMergedInto(ctx context.Context, target domain.EntityID) ([]domain.EntityID, error)
}
