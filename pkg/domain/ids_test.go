package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "verity/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs".
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseOwnerID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEntityID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseOwnerID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseEntityID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, EntityID(validUUID), id)
	})
}

func TestParseObservationID(t *testing.T) {
	t.Run("rejects non-numeric", func(t *testing.T) {
		_, err := ParseObservationID("abc")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects zero and negative", func(t *testing.T) {
		for _, raw := range []string{"0", "-5"} {
			_, err := ParseObservationID(raw)
			require.Error(t, err, raw)
		}
	})

	t.Run("accepts positive", func(t *testing.T) {
		id, err := ParseObservationID("42")
		require.NoError(t, err)
		assert.Equal(t, ObservationID(42), id)
	})
}

// TestNewEntityID_Determinism verifies the identity-key derivation: same
// inputs always yield the same id, any differing component yields another.
func TestNewEntityID_Determinism(t *testing.T) {
	owner := OwnerID(uuid.New())
	otherOwner := OwnerID(uuid.New())

	a := NewEntityID(owner, "person", "jane doe")
	b := NewEntityID(owner, "person", "jane doe")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, NewEntityID(owner, "person", "john doe"))
	assert.NotEqual(t, a, NewEntityID(owner, "company", "jane doe"))
	assert.NotEqual(t, a, NewEntityID(otherOwner, "person", "jane doe"))
}

// TestNewEntityID_NoDelimiterCollision guards the id derivation against
// concatenation ambiguity between the type and value components.
func TestNewEntityID_NoDelimiterCollision(t *testing.T) {
	owner := OwnerID(uuid.New())
	a := NewEntityID(owner, "ab", "c")
	b := NewEntityID(owner, "a", "bc")
	assert.NotEqual(t, a, b)
}
