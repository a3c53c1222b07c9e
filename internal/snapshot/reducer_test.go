package snapshot

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verity/internal/observation/models"
	"verity/internal/policy"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

var (
	testOwner   = domain.OwnerID(uuid.MustParse("6f1f64e9-06b9-4a7d-8c6c-8a4e6d2f9a01"))
	testSource  = domain.SourceID(uuid.MustParse("b4f0c2ce-41f7-4b0e-94ab-49b2d7c10f02"))
	testEntity  = domain.EntityID(uuid.MustParse("e8d7c6b5-a493-4821-b0ff-1e2d3c4b5a03"))
	testSubject = models.EntitySubject(testEntity)
	baseTime    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func personPolicy() *policy.MergePolicy {
	return &policy.MergePolicy{
		SchemaType:    "person",
		SchemaVersion: "1",
		Fields: map[string]policy.FieldRule{
			"name":   {Strategy: policy.StrategyLastWriteWins},
			"email":  {Strategy: policy.StrategyHighestPriority},
			"phones": {Strategy: policy.StrategyAccumulate},
			"status": {Strategy: policy.StrategyLastWriteWins},
		},
	}
}

func obs(id int64, observedAt time.Time, priority int, specificity float64, fields map[string]models.FieldValue) models.Observation {
	return models.Observation{
		ID:               domain.ObservationID(id),
		Subject:          testSubject,
		OwnerID:          testOwner,
		EntityType:       "person",
		SchemaVersion:    "1",
		SourceID:         testSource,
		ObservedAt:       observedAt,
		Fields:           fields,
		SourcePriority:   priority,
		SpecificityScore: specificity,
	}
}

func TestComputeLastWriteWins(t *testing.T) {
	observations := []models.Observation{
		obs(1, baseTime, 0, 0, map[string]models.FieldValue{"name": models.String("A. Lovelace")}),
		obs(2, baseTime.Add(time.Hour), 0, 0, map[string]models.FieldValue{"name": models.String("Ada Lovelace")}),
	}

	snap, err := Compute(testSubject, observations, personPolicy(), baseTime.Add(2*time.Hour))
	require.NoError(t, err)

	assert.True(t, models.String("Ada Lovelace").Equal(snap.Fields["name"]))
	assert.Equal(t, domain.ObservationID(2), snap.Provenance["name"])
	assert.Equal(t, 2, snap.ObservationCount)
	assert.Equal(t, baseTime.Add(time.Hour), snap.LastObservationAt)
}

func TestComputeLastWriteWinsTieBreaksOnID(t *testing.T) {
	// Equal observed_at: the higher observation id wins.
	observations := []models.Observation{
		obs(7, baseTime, 0, 0, map[string]models.FieldValue{"name": models.String("second")}),
		obs(3, baseTime, 0, 0, map[string]models.FieldValue{"name": models.String("first")}),
	}

	snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
	require.NoError(t, err)
	assert.True(t, models.String("second").Equal(snap.Fields["name"]))
	assert.Equal(t, domain.ObservationID(7), snap.Provenance["name"])
}

func TestComputeHighestPriority(t *testing.T) {
	t.Run("priority beats recency", func(t *testing.T) {
		observations := []models.Observation{
			obs(1, baseTime, 10, 0, map[string]models.FieldValue{"email": models.String("crm@example.com")}),
			obs(2, baseTime.Add(time.Hour), 1, 0, map[string]models.FieldValue{"email": models.String("scrape@example.com")}),
		}
		snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
		require.NoError(t, err)
		assert.True(t, models.String("crm@example.com").Equal(snap.Fields["email"]))
		assert.Equal(t, domain.ObservationID(1), snap.Provenance["email"])
	})

	t.Run("specificity breaks priority ties", func(t *testing.T) {
		observations := []models.Observation{
			obs(1, baseTime, 5, 0.9, map[string]models.FieldValue{"email": models.String("specific@example.com")}),
			obs(2, baseTime.Add(time.Hour), 5, 0.2, map[string]models.FieldValue{"email": models.String("vague@example.com")}),
		}
		snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
		require.NoError(t, err)
		assert.True(t, models.String("specific@example.com").Equal(snap.Fields["email"]))
	})

	t.Run("recency then id break remaining ties", func(t *testing.T) {
		observations := []models.Observation{
			obs(1, baseTime, 5, 0.5, map[string]models.FieldValue{"email": models.String("older")}),
			obs(2, baseTime.Add(time.Minute), 5, 0.5, map[string]models.FieldValue{"email": models.String("newer")}),
		}
		snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
		require.NoError(t, err)
		assert.True(t, models.String("newer").Equal(snap.Fields["email"]))
	})
}

func TestComputeAccumulate(t *testing.T) {
	observations := []models.Observation{
		obs(1, baseTime, 0, 0, map[string]models.FieldValue{
			"phones": models.List(models.String("+1-555-0100"))}),
		obs(2, baseTime.Add(time.Hour), 0, 0, map[string]models.FieldValue{
			"phones": models.List(models.String("+1-555-0101"), models.String("+1-555-0100"))}),
		obs(3, baseTime.Add(2*time.Hour), 0, 0, map[string]models.FieldValue{
			"phones": models.String("+1-555-0102")}),
	}

	snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
	require.NoError(t, err)

	want := models.List(
		models.String("+1-555-0100"),
		models.String("+1-555-0101"),
		models.String("+1-555-0102"),
	)
	assert.True(t, want.Equal(snap.Fields["phones"]), "got %s", snap.Fields["phones"].Canonical())
	// Provenance points at the latest contributor.
	assert.Equal(t, domain.ObservationID(3), snap.Provenance["phones"])
}

func TestComputeUncoveredFieldFallsBack(t *testing.T) {
	observations := []models.Observation{
		obs(1, baseTime, 0, 0, map[string]models.FieldValue{"nickname": models.String("old")}),
		obs(2, baseTime.Add(time.Hour), 0, 0, map[string]models.FieldValue{"nickname": models.String("new")}),
	}
	snap, err := Compute(testSubject, observations, personPolicy(), baseTime)
	require.NoError(t, err)
	assert.True(t, models.String("new").Equal(snap.Fields["nickname"]))
}

func TestComputeEmptyHistory(t *testing.T) {
	snap, err := Compute(testSubject, nil, personPolicy(), baseTime)
	require.NoError(t, err)
	assert.Empty(t, snap.Fields)
	assert.Zero(t, snap.ObservationCount)
}

func TestComputeRejectsNilAndInvalidPolicy(t *testing.T) {
	_, err := Compute(testSubject, nil, nil, baseTime)
	assert.True(t, dErrors.Is(err, dErrors.CodeConfiguration))

	bad := personPolicy()
	bad.Fields["status"] = policy.FieldRule{Strategy: "mystery"}
	_, err = Compute(testSubject, nil, bad, baseTime)
	assert.True(t, dErrors.Is(err, dErrors.CodeConfiguration))
}

// TestComputeDeterministicUnderShuffle is the replay guarantee: any storage
// or arrival order of the same observations reduces to byte-identical
// snapshots.
func TestComputeDeterministicUnderShuffle(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	observations := make([]models.Observation, 0, 40)
	for i := int64(1); i <= 40; i++ {
		fields := map[string]models.FieldValue{}
		switch i % 4 {
		case 0:
			fields["name"] = models.String(string(rune('a' + i%26)))
		case 1:
			fields["email"] = models.String(string(rune('a'+i%26)) + "@example.com")
		case 2:
			fields["phones"] = models.List(models.Number(float64(i)))
		default:
			fields["status"] = models.Bool(i%8 == 3)
		}
		observations = append(observations,
			obs(i, baseTime.Add(time.Duration(rng.Intn(10))*time.Minute), rng.Intn(3), rng.Float64(), fields))
	}

	reference, err := Compute(testSubject, observations, personPolicy(), baseTime)
	require.NoError(t, err)
	referenceBytes, err := reference.Encode()
	require.NoError(t, err)

	for trial := 0; trial < 100; trial++ {
		shuffled := make([]models.Observation, len(observations))
		copy(shuffled, observations)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		snap, err := Compute(testSubject, shuffled, personPolicy(), baseTime)
		require.NoError(t, err)
		encoded, err := snap.Encode()
		require.NoError(t, err)
		require.Equal(t, string(referenceBytes), string(encoded), "trial %d diverged", trial)
	}
}

// TestTruncateAtReplaysHistory pins the time-travel semantics: the snapshot
// as of a cut equals a live reduction of the truncated sequence.
func TestTruncateAtReplaysHistory(t *testing.T) {
	pending := obs(1, baseTime, 0, 0, map[string]models.FieldValue{"status": models.String("pending")})
	done := obs(2, baseTime.Add(time.Hour), 0, 0, map[string]models.FieldValue{"status": models.String("done")})
	observations := []models.Observation{pending, done}

	t.Run("cut before the second observation shows the first", func(t *testing.T) {
		cut := baseTime.Add(30 * time.Minute)
		snap, err := Compute(testSubject, TruncateAt(observations, cut), personPolicy(), baseTime)
		require.NoError(t, err)
		assert.True(t, models.String("pending").Equal(snap.Fields["status"]))
		assert.Equal(t, 1, snap.ObservationCount)
	})

	t.Run("cut is inclusive", func(t *testing.T) {
		snap, err := Compute(testSubject, TruncateAt(observations, baseTime.Add(time.Hour)), personPolicy(), baseTime)
		require.NoError(t, err)
		assert.True(t, models.String("done").Equal(snap.Fields["status"]))
	})

	t.Run("cut before everything yields the empty snapshot", func(t *testing.T) {
		snap, err := Compute(testSubject, TruncateAt(observations, baseTime.Add(-time.Minute)), personPolicy(), baseTime)
		require.NoError(t, err)
		assert.Empty(t, snap.Fields)
	})
}
