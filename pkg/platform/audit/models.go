// Package audit records durable facts about identity lifecycle changes.
// A merge is only legible later through these facts: the observation log
// stays truthful to the original subjects, so the re-attribution itself must
// be recorded somewhere queryable.
package audit

import (
	"context"
	"time"

	"verity/pkg/domain"
)

// EventCategory classifies audit events for retention and routing.
type EventCategory string

const (
	// CategoryLineage covers structural identity changes that future reads
	// depend on: merges and re-attributions. Long retention.
	CategoryLineage EventCategory = "lineage"

	// CategoryActivity covers routine facts useful for debugging and
	// last-seen bookkeeping. Can be sampled or aged out.
	CategoryActivity EventCategory = "activity"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	OwnerID   domain.OwnerID
	EntityID  domain.EntityID
	Action    string
	Reason    string
	RequestID string
	// Details carries action-specific facts (merge target, observation
	// counts) as flat strings so every sink can render them.
	Details map[string]string
}

// AuditEvent names a recordable action.
type AuditEvent string

const (
	EventEntityCreated AuditEvent = "entity_created"
	// EventEntityResolved is the last-seen fact: resolving an existing
	// entity is recorded here rather than mutating the entity row.
	EventEntityResolved AuditEvent = "entity_resolved"
	EventEntityMerged   AuditEvent = "entity_merged"
	// EventObservationsReattributed records the logical move of a merged
	// entity's history to its target. No physical rows change.
	EventObservationsReattributed AuditEvent = "observations_reattributed"
	EventSnapshotRebuilt          AuditEvent = "snapshot_rebuilt"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventEntityCreated:            CategoryActivity,
	EventEntityResolved:           CategoryActivity,
	EventEntityMerged:             CategoryLineage,
	EventObservationsReattributed: CategoryLineage,
	EventSnapshotRebuilt:          CategoryActivity,
}

// Category returns the category for an event, defaulting to activity.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryActivity
}

// Store persists audit events. Append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityID domain.EntityID) ([]Event, error)
}
