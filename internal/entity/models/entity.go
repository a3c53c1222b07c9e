package models

import (
	"errors"
	"time"

	"verity/pkg/domain"
)

// Sentinel errors for merge preconditions. Services wrap them with coded
// errors that identify the conflicting entity; tests match with errors.Is.
var (
	// ErrSourceAlreadyMerged: the merge source already has a target. Merged
	// is terminal, so this can never be retried into success.
	ErrSourceAlreadyMerged = errors.New("source entity is already merged")
	// ErrTargetAlreadyMerged: merge targets must be active. Chains are never
	// created by merge itself; they only arise transiently between
	// independent merges and are resolved by the transitive follow in
	// resolution.
	ErrTargetAlreadyMerged = errors.New("merge target is already merged")
	// ErrCrossOwnerMerge: owners are an isolation boundary.
	ErrCrossOwnerMerge = errors.New("entities belong to different owners")
	// ErrSelfMerge: an entity cannot be merged into itself.
	ErrSelfMerge = errors.New("cannot merge an entity into itself")
)

// Entity is a resolved, owner-scoped identity.
//
// Invariants:
//   - ID is the deterministic hash of (owner, entity type, normalized value);
//     see domain.NewEntityID.
//   - State machine: Active → Merged, terminal. MergedTo and MergedAt are set
//     together, exactly once, and never change afterwards.
//   - Entities are never deleted; the audit trail survives a merge.
//   - Historical observations keep the original entity as subject. Only
//     forward resolution follows the redirect.
type Entity struct {
	ID              domain.EntityID `json:"id"`
	OwnerID         domain.OwnerID  `json:"owner_id"`
	EntityType      string          `json:"entity_type"`
	NormalizedValue string          `json:"normalized_value"`
	CreatedAt       time.Time       `json:"created_at"`

	MergedTo *domain.EntityID `json:"merged_to,omitempty"`
	MergedAt *time.Time       `json:"merged_at,omitempty"`
}

// IsMerged reports whether the entity has reached the terminal state.
func (e *Entity) IsMerged() bool {
	return e.MergedTo != nil
}

// CanMergeInto checks the merge preconditions against a loaded target.
// Use with ApplyMerge inside the store's atomic execute so validation and
// mutation happen under one lock.
func (e *Entity) CanMergeInto(target *Entity) error {
	if e.ID == target.ID {
		return ErrSelfMerge
	}
	if e.OwnerID != target.OwnerID {
		return ErrCrossOwnerMerge
	}
	if e.IsMerged() {
		return ErrSourceAlreadyMerged
	}
	if target.IsMerged() {
		return ErrTargetAlreadyMerged
	}
	return nil
}

// ApplyMerge transitions the entity to Merged. Call CanMergeInto first; this
// method assumes the preconditions hold.
func (e *Entity) ApplyMerge(to domain.EntityID, now time.Time) {
	e.MergedTo = &to
	e.MergedAt = &now
}

// NewEntity constructs an Active entity for a resolved identity.
func NewEntity(owner domain.OwnerID, entityType, normalizedValue string, now time.Time) *Entity {
	return &Entity{
		ID:              domain.NewEntityID(owner, entityType, normalizedValue),
		OwnerID:         owner,
		EntityType:      entityType,
		NormalizedValue: normalizedValue,
		CreatedAt:       now,
	}
}
