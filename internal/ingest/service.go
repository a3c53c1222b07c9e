// Package ingest is the front door for producers: resolve the subject
// identity, then append the observation, per item. It owns no state of its
// own; everything it does is expressed through the entity and observation
// services.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entityservice "verity/internal/entity/service"
	"verity/internal/observation/models"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

// Resolver maps raw identifying values to entity ids.
type Resolver interface {
	Resolve(ctx context.Context, owner domain.OwnerID, entityType, rawValue string) (entityservice.ResolveResult, error)
}

// Appender appends validated observations to the log.
type Appender interface {
	Append(ctx context.Context, obs models.Observation) (*models.Observation, error)
}

// Item is one producer-supplied observation about an entity identified by a
// raw value rather than a resolved id.
type Item struct {
	EntityType       string                       `json:"entity_type"`
	IdentifyingValue string                       `json:"identifying_value"`
	SchemaVersion    string                       `json:"schema_version"`
	SourceID         domain.SourceID              `json:"source_id"`
	ObservedAt       time.Time                    `json:"observed_at"`
	Fields           map[string]models.FieldValue `json:"fields"`
	SpecificityScore float64                      `json:"specificity_score"`
	SourcePriority   int                          `json:"source_priority"`
}

// Result reports where one item landed.
type Result struct {
	EntityID      domain.EntityID      `json:"entity_id"`
	ObservationID domain.ObservationID `json:"observation_id"`
	Redirected    bool                 `json:"redirected"`
	Created       bool                 `json:"created"`
	UnknownFields int                  `json:"unknown_fields"`
}

// Service runs the resolve-then-append pipeline.
type Service struct {
	resolver Resolver
	appender Appender
	logger   *slog.Logger
}

func New(resolver Resolver, appender Appender, logger *slog.Logger) *Service {
	return &Service{resolver: resolver, appender: appender, logger: logger}
}

// Submit processes items in order and stops at the first failure, returning
// the results of the items that landed. Items are independent appends, not a
// transaction: observations already appended stay appended, which is the
// append-only contract, not a partial-failure bug. Callers retry the
// remainder; resolution is idempotent and re-appending a failed item is safe.
func (s *Service) Submit(ctx context.Context, owner domain.OwnerID, items []Item) ([]Result, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "owner id is required")
	}
	if len(items) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one item is required")
	}

	results := make([]Result, 0, len(items))
	for i, item := range items {
		result, err := s.submitOne(ctx, owner, item)
		if err != nil {
			return results, dErrors.Wrap(err, dErrors.CodeOf(err), fmt.Sprintf("item %d", i))
		}
		results = append(results, *result)
	}
	return results, nil
}

func (s *Service) submitOne(ctx context.Context, owner domain.OwnerID, item Item) (*Result, error) {
	resolved, err := s.resolver.Resolve(ctx, owner, item.EntityType, item.IdentifyingValue)
	if err != nil {
		return nil, err
	}

	appended, err := s.appender.Append(ctx, models.Observation{
		Subject:          models.EntitySubject(resolved.EntityID),
		OwnerID:          owner,
		EntityType:       item.EntityType,
		SchemaVersion:    item.SchemaVersion,
		SourceID:         item.SourceID,
		ObservedAt:       item.ObservedAt,
		Fields:           item.Fields,
		SpecificityScore: item.SpecificityScore,
		SourcePriority:   item.SourcePriority,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		EntityID:      resolved.EntityID,
		ObservationID: appended.ID,
		Redirected:    resolved.Redirected,
		Created:       resolved.Created,
		UnknownFields: appended.UnknownFieldCount,
	}, nil
}
