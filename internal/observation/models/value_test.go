package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEquality(t *testing.T) {
	t.Run("distinguishes kinds with equal renderings", func(t *testing.T) {
		assert.False(t, String("true").Equal(Bool(true)))
		assert.False(t, String("1").Equal(Number(1)))
		assert.False(t, Null().Equal(String("null")))
	})

	t.Run("list equality is order sensitive", func(t *testing.T) {
		a := List(String("x"), String("y"))
		b := List(String("y"), String("x"))
		assert.False(t, a.Equal(b))
		assert.True(t, a.Equal(List(String("x"), String("y"))))
	})
}

func TestUnion(t *testing.T) {
	t.Run("deduplicates by canonical form", func(t *testing.T) {
		acc := List(String("a"), String("b"))
		next := List(String("b"), String("c"))
		union := Union(acc, next)
		assert.Equal(t, List(String("a"), String("b"), String("c")), union)
	})

	t.Run("preserves first appearance order", func(t *testing.T) {
		union := Union(List(String("z")), List(String("a"), String("z")))
		assert.Equal(t, List(String("z"), String("a")), union)
	})

	t.Run("lifts scalars into single element lists", func(t *testing.T) {
		union := Union(String("solo"), String("duo"))
		assert.Equal(t, List(String("solo"), String("duo")), union)
	})

	t.Run("null contributes nothing", func(t *testing.T) {
		union := Union(Null(), List(String("a")))
		assert.Equal(t, List(String("a")), union)
	})

	t.Run("is idempotent", func(t *testing.T) {
		base := List(String("a"), Number(2))
		assert.True(t, Union(base, base).Equal(base))
	})
}

func TestFieldValueJSON(t *testing.T) {
	t.Run("round trips the natural form", func(t *testing.T) {
		original := map[string]FieldValue{
			"name":   String("Ada"),
			"age":    Number(36),
			"active": Bool(true),
			"tags":   List(String("x"), Number(1)),
			"gone":   Null(),
		}
		encoded, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded map[string]FieldValue
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		for name, value := range original {
			assert.True(t, value.Equal(decoded[name]), "field %s", name)
		}
	})

	t.Run("rejects object values", func(t *testing.T) {
		var v FieldValue
		err := json.Unmarshal([]byte(`{"nested":"doc"}`), &v)
		require.Error(t, err)
	})

	t.Run("rejects nested object inside a list", func(t *testing.T) {
		var v FieldValue
		err := json.Unmarshal([]byte(`["ok", {"not":"ok"}]`), &v)
		require.Error(t, err)
	})
}
