// Package domain defines the typed identifiers shared across the truth layer.
//
// IDs are distinct types over uuid.UUID so the compiler rejects cross-type
// assignment (passing an OwnerID where an EntityID is expected is a bug we
// want caught at compile time, not in production).
package domain

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	dErrors "verity/pkg/domain-errors"
)

// OwnerID is the isolation boundary: entities and observations are invisible
// outside their owner.
type OwnerID uuid.UUID

// EntityID identifies a resolved identity. For entities created through
// resolution it is a deterministic UUIDv5 of (owner, entity type, normalized
// identifying value); see NewEntityID.
type EntityID uuid.UUID

// SourceID references the originating document or record of an observation.
// Opaque to this core.
type SourceID uuid.UUID

// ObservationID is assigned at append time from a monotonic sequence. It is
// the deterministic tie-breaker in replay ordering, so assignment order is
// part of the contract.
type ObservationID int64

// entityNamespace seeds deterministic entity IDs. Changing it changes every
// derived id, so it is fixed for the lifetime of the system.
var entityNamespace = uuid.MustParse("9d4f8f82-1c64-4f24-9b62-70a3f1c2b5d1")

// NewEntityID derives the deterministic candidate id for an identity.
// Same (owner, entityType, normalizedValue) always yields the same id.
func NewEntityID(owner OwnerID, entityType, normalizedValue string) EntityID {
	name := make([]byte, 0, 16+len(entityType)+len(normalizedValue)+2)
	ownerBytes := uuid.UUID(owner)
	name = append(name, ownerBytes[:]...)
	name = append(name, 0x00)
	name = append(name, entityType...)
	name = append(name, 0x00)
	name = append(name, normalizedValue...)
	return EntityID(uuid.NewSHA1(entityNamespace, name))
}

func (id OwnerID) String() string  { return uuid.UUID(id).String() }
func (id EntityID) String() string { return uuid.UUID(id).String() }
func (id SourceID) String() string { return uuid.UUID(id).String() }

func (id OwnerID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id EntityID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id SourceID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id ObservationID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// The ids serialize as their canonical UUID string form. Without these the
// underlying [16]byte array would leak into JSON.

func (id OwnerID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id EntityID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id SourceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *OwnerID) UnmarshalText(raw []byte) error {
	parsed, err := uuid.Parse(string(raw))
	if err != nil {
		return err
	}
	*id = OwnerID(parsed)
	return nil
}

func (id *EntityID) UnmarshalText(raw []byte) error {
	parsed, err := uuid.Parse(string(raw))
	if err != nil {
		return err
	}
	*id = EntityID(parsed)
	return nil
}

func (id *SourceID) UnmarshalText(raw []byte) error {
	parsed, err := uuid.Parse(string(raw))
	if err != nil {
		return err
	}
	*id = SourceID(parsed)
	return nil
}

// ParseOwnerID parses and validates an owner id from its string form.
// Rejects empty, malformed, and nil UUIDs at the trust boundary.
func ParseOwnerID(raw string) (OwnerID, error) {
	parsed, err := parseUUID(raw, "owner id")
	if err != nil {
		return OwnerID{}, err
	}
	return OwnerID(parsed), nil
}

// ParseEntityID parses and validates an entity id from its string form.
func ParseEntityID(raw string) (EntityID, error) {
	parsed, err := parseUUID(raw, "entity id")
	if err != nil {
		return EntityID{}, err
	}
	return EntityID(parsed), nil
}

// ParseSourceID parses and validates a source id from its string form.
func ParseSourceID(raw string) (SourceID, error) {
	parsed, err := parseUUID(raw, "source id")
	if err != nil {
		return SourceID{}, err
	}
	return SourceID(parsed), nil
}

// ParseObservationID parses an observation id from its decimal string form.
func ParseObservationID(raw string) (ObservationID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid observation id %q", raw))
	}
	return ObservationID(n), nil
}

func parseUUID(raw, what string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid %s %q", what, raw))
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be the nil UUID")
	}
	return parsed, nil
}
