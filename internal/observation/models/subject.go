package models

import (
	"fmt"
	"strings"

	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

// SubjectKind distinguishes entity subjects from relationship subjects.
type SubjectKind string

const (
	SubjectEntity       SubjectKind = "entity"
	SubjectRelationship SubjectKind = "relationship"
)

// SubjectKey addresses one reducible subject: either a resolved entity or a
// (relationship type, source, target) triple. Relationships are reduced
// exactly like entities but have no identity-resolution step.
type SubjectKey struct {
	Kind SubjectKind

	// Entity subject.
	EntityID domain.EntityID

	// Relationship subject.
	RelationshipType string
	SourceEntityID   domain.EntityID
	TargetEntityID   domain.EntityID
}

// EntitySubject builds the subject key for a resolved entity.
func EntitySubject(entityID domain.EntityID) SubjectKey {
	return SubjectKey{Kind: SubjectEntity, EntityID: entityID}
}

// RelationshipSubject builds the subject key for a relationship triple.
func RelationshipSubject(relType string, source, target domain.EntityID) SubjectKey {
	return SubjectKey{
		Kind:             SubjectRelationship,
		RelationshipType: relType,
		SourceEntityID:   source,
		TargetEntityID:   target,
	}
}

// String renders the canonical text form used as store and cache key:
//
//	entity:<uuid>
//	rel:<type>:<source-uuid>:<target-uuid>
func (k SubjectKey) String() string {
	if k.Kind == SubjectRelationship {
		return fmt.Sprintf("rel:%s:%s:%s", k.RelationshipType, k.SourceEntityID, k.TargetEntityID)
	}
	return "entity:" + k.EntityID.String()
}

// Validate checks the key is structurally complete for its kind.
func (k SubjectKey) Validate() error {
	switch k.Kind {
	case SubjectEntity:
		if k.EntityID.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "entity subject requires an entity id")
		}
	case SubjectRelationship:
		if k.RelationshipType == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "relationship subject requires a relationship type")
		}
		if k.SourceEntityID.IsNil() || k.TargetEntityID.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "relationship subject requires source and target entity ids")
		}
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown subject kind %q", k.Kind)
	}
	return nil
}

// ParseSubjectKey parses the canonical text form produced by String.
func ParseSubjectKey(raw string) (SubjectKey, error) {
	switch {
	case strings.HasPrefix(raw, "entity:"):
		entityID, err := domain.ParseEntityID(strings.TrimPrefix(raw, "entity:"))
		if err != nil {
			return SubjectKey{}, err
		}
		return EntitySubject(entityID), nil
	case strings.HasPrefix(raw, "rel:"):
		rest := strings.TrimPrefix(raw, "rel:")
		// Relationship types must not contain ':'; both trailing components
		// are fixed-width UUIDs so splitting from the right is unambiguous.
		parts := strings.Split(rest, ":")
		if len(parts) < 3 {
			return SubjectKey{}, dErrors.Newf(dErrors.CodeInvalidInput, "malformed relationship key %q", raw)
		}
		relType := strings.Join(parts[:len(parts)-2], ":")
		if relType == "" {
			return SubjectKey{}, dErrors.Newf(dErrors.CodeInvalidInput, "malformed relationship key %q", raw)
		}
		source, err := domain.ParseEntityID(parts[len(parts)-2])
		if err != nil {
			return SubjectKey{}, err
		}
		target, err := domain.ParseEntityID(parts[len(parts)-1])
		if err != nil {
			return SubjectKey{}, err
		}
		return RelationshipSubject(relType, source, target), nil
	default:
		return SubjectKey{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown subject key %q", raw)
	}
}

// MarshalText lets SubjectKey serve as a JSON object key or plain field.
func (k SubjectKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the canonical text form.
func (k *SubjectKey) UnmarshalText(text []byte) error {
	parsed, err := ParseSubjectKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
