// Package policy adapts the external schema registry into field-level merge
// rules the reducer consumes. The registry itself is an external collaborator;
// this package only reads its output and never mutates it. Schema evolution
// creates a new version rather than changing an existing one, so a policy for
// a fixed (type, version) pair is immutable and freely cacheable.
package policy

import (
	"strings"

	"verity/internal/observation/models"
	dErrors "verity/pkg/domain-errors"
)

// Strategy names a field merge strategy.
type Strategy string

const (
	// StrategyLastWriteWins picks the observation with the greatest
	// (observed_at, observation_id).
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyHighestPriority picks the observation with the greatest
	// (source_priority, specificity_score, observed_at, observation_id)
	// lexicographic tuple.
	StrategyHighestPriority Strategy = "highest_priority_wins"
	// StrategyAccumulate combines values across observations instead of
	// replacing them; the combine function comes from the rule.
	StrategyAccumulate Strategy = "accumulate"
)

// CombineFunc folds the next value into the accumulated one. Must be pure
// and deterministic; the default is set union (models.Union).
type CombineFunc func(acc, next models.FieldValue) models.FieldValue

// FieldRule is the merge rule for one field.
type FieldRule struct {
	Strategy Strategy
	Combine  CombineFunc
}

// MergePolicy is the complete rule set for one (type, schema version) pair.
// Fields not listed are open-world: retained under last-write-wins and
// counted as unknown at append time.
type MergePolicy struct {
	SchemaType    string
	SchemaVersion string
	Fields        map[string]FieldRule
}

// Rule returns the rule for a field and whether the schema covers it.
// Uncovered fields fall back to last-write-wins so they are retained
// verbatim without participating in typed merge comparisons.
func (p *MergePolicy) Rule(field string) (FieldRule, bool) {
	if rule, ok := p.Fields[field]; ok {
		return rule, true
	}
	return FieldRule{Strategy: StrategyLastWriteWins}, false
}

// Validate rejects malformed policies. An unknown strategy is a fatal
// configuration error: the reducer must halt for the type rather than guess.
func (p *MergePolicy) Validate() error {
	if p.SchemaType == "" {
		return dErrors.New(dErrors.CodeConfiguration, "merge policy requires a schema type")
	}
	if p.SchemaVersion == "" {
		return dErrors.New(dErrors.CodeConfiguration, "merge policy requires a schema version")
	}
	for field, rule := range p.Fields {
		switch rule.Strategy {
		case StrategyLastWriteWins, StrategyHighestPriority, StrategyAccumulate:
		default:
			return dErrors.Newf(dErrors.CodeConfiguration,
				"merge policy %s/%s field %q references unknown strategy %q",
				p.SchemaType, p.SchemaVersion, field, rule.Strategy)
		}
	}
	return nil
}

// Normalizer canonicalizes a raw identifying value before identity hashing.
// Rules are policy-supplied, not hardcoded in the resolution path.
type Normalizer func(raw string) string

// DefaultNormalizer trims, case-folds and collapses internal whitespace.
func DefaultNormalizer(raw string) string {
	folded := strings.ToLower(strings.TrimSpace(raw))
	return strings.Join(strings.Fields(folded), " ")
}
