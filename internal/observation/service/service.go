// Package service is the write side of the observation log: validate,
// annotate against the schema, append, invalidate the derived cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"verity/internal/observation/models"
	"verity/internal/observation/store"
	"verity/internal/platform/metrics"
	"verity/internal/policy"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
	"verity/pkg/platform/sentinel"
	"verity/pkg/requestcontext"
)

// SnapshotInvalidator drops derived state for a subject after its log grows.
// Satisfied by the snapshot service.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, subject models.SubjectKey) error
}

// Service validates and appends observations.
type Service struct {
	store     store.Store
	policies  policy.Provider
	snapshots SnapshotInvalidator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// strictSchema rejects observations whose (type, version) pair has no
	// registered policy. Off by default: unknown schemas are recorded with
	// every field counted unknown.
	strictSchema bool
}

// Option configures the Service.
type Option func(*Service)

// WithStrictSchema rejects unknown schema versions instead of recording them.
func WithStrictSchema(strict bool) Option {
	return func(s *Service) { s.strictSchema = strict }
}

// WithSnapshotInvalidator wires cache invalidation on append.
func WithSnapshotInvalidator(snapshots SnapshotInvalidator) Option {
	return func(s *Service) { s.snapshots = snapshots }
}

// WithMetrics wires the append counter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store store.Store, policies policy.Provider, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{store: store, policies: policies, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append validates the observation, counts its unknown fields against the
// schema, and appends it to the log. The returned observation carries the
// assigned id and recorded-at time. The log itself is never revised: a bad
// append is rejected here or it is permanent.
func (s *Service) Append(ctx context.Context, obs models.Observation) (*models.Observation, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	unknown, err := s.countUnknownFields(ctx, &obs)
	if err != nil {
		return nil, err
	}
	obs.UnknownFieldCount = unknown
	obs.RecordedAt = requestcontext.Now(ctx)

	id, err := s.store.Append(ctx, &obs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "append observation")
	}
	obs.ID = id

	if s.metrics != nil {
		s.metrics.ObservationsAppended.WithLabelValues(string(obs.Subject.Kind)).Inc()
	}
	if s.snapshots != nil {
		if err := s.snapshots.Invalidate(ctx, obs.Subject); err != nil {
			s.logger.WarnContext(ctx, "snapshot invalidation failed",
				slog.String("subject", obs.Subject.String()),
				slog.String("error", err.Error()))
		}
	}
	return &obs, nil
}

// List returns the full replay sequence for a subject, optionally bounded at
// an instant (inclusive).
func (s *Service) List(ctx context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	observations, err := s.store.List(ctx, subject, upTo)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list observations")
	}
	return observations, nil
}

// Page returns one page of the replay sequence.
func (s *Service) Page(ctx context.Context, subject models.SubjectKey, limit, offset int) ([]models.Observation, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "limit must be between 1 and 1000, got %d", limit)
	}
	if offset < 0 {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "offset must not be negative, got %d", offset)
	}
	observations, err := s.store.Page(ctx, subject, limit, offset)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "page observations")
	}
	return observations, nil
}

// Get returns one observation by scanning its subject's sequence.
func (s *Service) Get(ctx context.Context, subject models.SubjectKey, id domain.ObservationID) (*models.Observation, error) {
	observations, err := s.List(ctx, subject, nil)
	if err != nil {
		return nil, err
	}
	for i := range observations {
		if observations[i].ID == id {
			return &observations[i], nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeNotFound, "observation %s not found under %s", id, subject)
}

// countUnknownFields annotates the append against the registered schema. A
// missing policy either rejects the append (strict mode) or marks every
// field unknown; either way the decision is recorded, never silent.
func (s *Service) countUnknownFields(ctx context.Context, obs *models.Observation) (int, error) {
	pol, err := s.policies.GetMergePolicy(ctx, obs.SchemaType(), obs.SchemaVersion)
	if errors.Is(err, sentinel.ErrNotFound) {
		if s.strictSchema {
			return 0, dErrors.Wrap(err, dErrors.CodeSchemaUnknown,
				fmt.Sprintf("no merge policy for schema %s/%s", obs.SchemaType(), obs.SchemaVersion))
		}
		return len(obs.Fields), nil
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "load merge policy")
	}

	unknown := 0
	for field := range obs.Fields {
		if _, covered := pol.Rule(field); !covered {
			unknown++
		}
	}
	return unknown, nil
}
