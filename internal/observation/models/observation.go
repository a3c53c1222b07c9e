package models

import (
	"time"

	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

// Observation is an immutable fact about one subject at one moment, as
// perceived by one source.
//
// Invariants:
//   - Once appended, never mutated or deleted. The store interface has no
//     update or delete operation; this type has no apply methods.
//   - Replay order is (ObservedAt, ID) ascending. IDs are assigned from a
//     monotonic sequence at append time, so the order is total.
//   - Subject, SchemaVersion, ObservedAt and Fields are set by the producer;
//     ID, RecordedAt and UnknownFieldCount are set at append time.
type Observation struct {
	ID      domain.ObservationID `json:"id"`
	Subject SubjectKey           `json:"subject"`

	// OwnerID scopes the observation to its owner. Relationships inherit the
	// owner of their endpoint entities.
	OwnerID domain.OwnerID `json:"owner_id"`

	// EntityType names the schema family for entity subjects. Empty for
	// relationship subjects, whose type lives in the subject key.
	EntityType    string `json:"entity_type,omitempty"`
	SchemaVersion string `json:"schema_version"`

	SourceID   domain.SourceID `json:"source_id"`
	ObservedAt time.Time       `json:"observed_at"`

	Fields map[string]FieldValue `json:"fields"`

	// Tie-break inputs for the highest-priority-wins strategy.
	SpecificityScore float64 `json:"specificity_score"`
	SourcePriority   int     `json:"source_priority"`

	// UnknownFieldCount records how many fields were not covered by the
	// schema at append time. Bookkeeping only; the fields themselves are
	// retained verbatim.
	UnknownFieldCount int       `json:"unknown_field_count"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Validate checks the producer-supplied parts of an observation. Append
// rejects anything that fails here with an invalid-input error.
func (o *Observation) Validate() error {
	if err := o.Subject.Validate(); err != nil {
		return err
	}
	if o.Subject.Kind == SubjectEntity && o.EntityType == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "entity observations require an entity type")
	}
	if o.OwnerID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "observation requires an owner id")
	}
	if o.ObservedAt.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "observation requires an observed_at timestamp")
	}
	if len(o.Fields) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "observation requires at least one field")
	}
	return nil
}

// Before reports whether o precedes other in replay order: (ObservedAt, ID)
// ascending. This total order is shared by every store implementation and by
// the reducer, and must never diverge between them.
func (o *Observation) Before(other *Observation) bool {
	if !o.ObservedAt.Equal(other.ObservedAt) {
		return o.ObservedAt.Before(other.ObservedAt)
	}
	return o.ID < other.ID
}

// SchemaType returns the type name used for policy lookup: the entity type
// for entity subjects, the relationship type for relationship subjects.
func (o *Observation) SchemaType() string {
	if o.Subject.Kind == SubjectRelationship {
		return o.Subject.RelationshipType
	}
	return o.EntityType
}
