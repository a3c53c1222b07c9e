package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verity/pkg/domain"
)

func newActive(owner domain.OwnerID, value string) *Entity {
	return NewEntity(owner, "person", value, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestNewEntityDerivesDeterministicID(t *testing.T) {
	owner := domain.OwnerID(uuid.New())
	a := newActive(owner, "ada lovelace")
	b := newActive(owner, "ada lovelace")
	assert.Equal(t, a.ID, b.ID)

	c := newActive(owner, "charles babbage")
	assert.NotEqual(t, a.ID, c.ID)
}

func TestCanMergeInto(t *testing.T) {
	owner := domain.OwnerID(uuid.New())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("active pair merges", func(t *testing.T) {
		source := newActive(owner, "a")
		target := newActive(owner, "b")
		require.NoError(t, source.CanMergeInto(target))
	})

	t.Run("self merge rejected", func(t *testing.T) {
		entity := newActive(owner, "a")
		assert.ErrorIs(t, entity.CanMergeInto(entity), ErrSelfMerge)
	})

	t.Run("cross owner rejected", func(t *testing.T) {
		source := newActive(owner, "a")
		target := newActive(domain.OwnerID(uuid.New()), "a")
		assert.ErrorIs(t, source.CanMergeInto(target), ErrCrossOwnerMerge)
	})

	t.Run("merged source rejected", func(t *testing.T) {
		source := newActive(owner, "a")
		target := newActive(owner, "b")
		source.ApplyMerge(target.ID, now)
		assert.ErrorIs(t, source.CanMergeInto(target), ErrSourceAlreadyMerged)
	})

	t.Run("merged target rejected", func(t *testing.T) {
		source := newActive(owner, "a")
		target := newActive(owner, "b")
		target.ApplyMerge(newActive(owner, "c").ID, now)
		assert.ErrorIs(t, source.CanMergeInto(target), ErrTargetAlreadyMerged)
	})
}

func TestApplyMergeIsTerminal(t *testing.T) {
	owner := domain.OwnerID(uuid.New())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entity := newActive(owner, "a")
	require.False(t, entity.IsMerged())

	target := newActive(owner, "b")
	entity.ApplyMerge(target.ID, now)

	assert.True(t, entity.IsMerged())
	assert.Equal(t, target.ID, *entity.MergedTo)
	assert.Equal(t, now, *entity.MergedAt)
}
