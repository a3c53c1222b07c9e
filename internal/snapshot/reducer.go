package snapshot

import (
	"sort"
	"time"

	"verity/internal/observation/models"
	"verity/internal/policy"
	dErrors "verity/pkg/domain-errors"
	"verity/pkg/domain"
)

// Compute reduces an observation sequence into a snapshot under a merge
// policy. Pure: no I/O, no clock access beyond computedAt, no randomness.
// Equal inputs produce byte-identical output (see Snapshot.Encode); that
// guarantee is what makes snapshots safely recomputable by any caller
// without coordination.
//
// The input slice is not mutated; replay order (observed_at, observation_id)
// is established on a copy.
func Compute(subject models.SubjectKey, observations []models.Observation, pol *policy.MergePolicy, computedAt time.Time) (*Snapshot, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if pol == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "merge policy is required")
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	ordered := make([]models.Observation, len(observations))
	copy(ordered, observations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(&ordered[j])
	})

	snap := &Snapshot{
		Subject:       subject,
		SchemaVersion: pol.SchemaVersion,
		ComputedAt:    computedAt,
		Fields:        make(map[string]models.FieldValue),
		Provenance:    make(map[string]domain.ObservationID),
	}

	type accumulated struct {
		value models.FieldValue
		obsID domain.ObservationID
	}
	accs := make(map[string]accumulated)
	priorityWinner := make(map[string]*models.Observation)

	for i := range ordered {
		obs := &ordered[i]
		snap.ObservationCount++
		if obs.ObservedAt.After(snap.LastObservationAt) {
			snap.LastObservationAt = obs.ObservedAt
		}

		for _, field := range models.FieldNames(obs.Fields) {
			value := obs.Fields[field]
			rule, _ := pol.Rule(field)

			switch rule.Strategy {
			case policy.StrategyLastWriteWins:
				// Replay order is exactly the last-write-wins order, so the
				// latest observation carrying the field wins by iteration.
				snap.Fields[field] = value
				snap.Provenance[field] = obs.ID

			case policy.StrategyHighestPriority:
				if beatsOnPriority(obs, priorityWinner[field]) {
					priorityWinner[field] = obs
					snap.Fields[field] = value
					snap.Provenance[field] = obs.ID
				}

			case policy.StrategyAccumulate:
				combine := rule.Combine
				if combine == nil {
					combine = models.Union
				}
				acc, seen := accs[field]
				if !seen {
					acc.value = models.List()
				}
				acc.value = combine(acc.value, value)
				acc.obsID = obs.ID
				accs[field] = acc
				snap.Fields[field] = acc.value
				snap.Provenance[field] = acc.obsID

			default:
				return nil, dErrors.Newf(dErrors.CodeConfiguration,
					"field %q references unknown strategy %q", field, rule.Strategy)
			}
		}
	}

	return snap, nil
}

// beatsOnPriority reports whether a wins over b under the
// (source_priority, specificity_score, observed_at, observation_id)
// lexicographic order. This total order is the determinism guarantee of the
// highest-priority-wins strategy and must be identical everywhere.
func beatsOnPriority(a, b *models.Observation) bool {
	if b == nil {
		return true
	}
	if a.SourcePriority != b.SourcePriority {
		return a.SourcePriority > b.SourcePriority
	}
	if a.SpecificityScore != b.SpecificityScore {
		return a.SpecificityScore > b.SpecificityScore
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID > b.ID
}

// TruncateAt filters an observation sequence to those observed at or before
// the cut. Replaying a truncated sequence is the definition of a time-travel
// query: the result equals what a live snapshot showed at that moment.
func TruncateAt(observations []models.Observation, cut time.Time) []models.Observation {
	kept := make([]models.Observation, 0, len(observations))
	for _, obs := range observations {
		if !obs.ObservedAt.After(cut) {
			kept = append(kept, obs)
		}
	}
	return kept
}
