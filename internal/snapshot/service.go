package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"verity/internal/observation/models"
	obsstore "verity/internal/observation/store"
	"verity/internal/platform/metrics"
	"verity/internal/policy"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
	audit "verity/pkg/platform/audit"
	"verity/pkg/platform/sentinel"
	"verity/pkg/requestcontext"
)

// MergedSources lists entities merged directly into a target. Satisfied by
// the entity store; declared here so snapshots need only the redirect index,
// not the whole entity subsystem.
type MergedSources interface {
	ListMergedInto(ctx context.Context, target domain.EntityID) ([]domain.EntityID, error)
}

// AuditEmitter records snapshot lifecycle facts.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Query identifies one snapshot read.
type Query struct {
	Subject       models.SubjectKey
	SchemaType    string
	SchemaVersion string

	// At requests the state as of a past instant. Time-travel reads replay a
	// truncated sequence and never touch the cache.
	At *time.Time
}

// Service is the read side: replay on demand, cache the result, collapse
// concurrent recomputes of the same subject into one.
type Service struct {
	observations obsstore.Store
	policies     policy.Provider
	cache        Cache
	merged       MergedSources
	auditor      AuditEmitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	group        singleflight.Group
	hopLimit     int
}

// Option configures the Service.
type Option func(*Service)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithMergedSources enables union reads over merged histories.
func WithMergedSources(merged MergedSources) Option {
	return func(s *Service) { s.merged = merged }
}

// WithAuditEmitter wires rebuild facts into the audit trail.
func WithAuditEmitter(auditor AuditEmitter) Option {
	return func(s *Service) { s.auditor = auditor }
}

// WithMetrics wires cache and compute counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRedirectHopLimit bounds the merged-history walk.
func WithRedirectHopLimit(limit int) Option {
	return func(s *Service) { s.hopLimit = limit }
}

func New(observations obsstore.Store, policies policy.Provider, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		observations: observations,
		policies:     policies,
		cache:        NewInMemoryCache(),
		logger:       logger,
		hopLimit:     32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSnapshot returns the reduced current state for a subject, or the state
// as of Query.At when set.
func (s *Service) GetSnapshot(ctx context.Context, q Query) (*Snapshot, error) {
	if err := q.Subject.Validate(); err != nil {
		return nil, err
	}
	if q.SchemaType == "" || q.SchemaVersion == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "schema type and version are required")
	}

	if q.At != nil {
		return s.compute(ctx, q)
	}

	cached, err := s.cache.Get(ctx, q.Subject, q.SchemaType, q.SchemaVersion)
	if err == nil {
		if s.metrics != nil {
			s.metrics.SnapshotCacheHits.Inc()
		}
		return cached, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		// A broken cache must not break reads; fall through to replay.
		s.logger.WarnContext(ctx, "snapshot cache read failed",
			slog.String("subject", q.Subject.String()),
			slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.SnapshotCacheMisses.Inc()
	}

	key := q.Subject.String() + "\x00" + q.SchemaType + "\x00" + q.SchemaVersion
	result, err, _ := s.group.Do(key, func() (any, error) {
		snap, err := s.compute(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, q.Subject, q.SchemaType, q.SchemaVersion, snap); err != nil {
			s.logger.WarnContext(ctx, "snapshot cache write failed",
				slog.String("subject", q.Subject.String()),
				slog.String("error", err.Error()))
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

// FieldProvenance answers "where did this value come from": the winning
// value for one field and the original observation that supplied it.
func (s *Service) FieldProvenance(ctx context.Context, q Query, field string) (*FieldProvenance, error) {
	if field == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "field name is required")
	}
	if err := q.Subject.Validate(); err != nil {
		return nil, err
	}
	if q.SchemaType == "" || q.SchemaVersion == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "schema type and version are required")
	}

	observations, err := s.loadHistory(ctx, q.Subject, q.At)
	if err != nil {
		return nil, err
	}
	pol, err := s.policy(ctx, q.SchemaType, q.SchemaVersion)
	if err != nil {
		return nil, err
	}
	snap, err := Compute(q.Subject, observations, pol, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	obsID, ok := snap.Provenance[field]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound,
			"field %q is not present in the snapshot of %s", field, q.Subject)
	}
	for i := range observations {
		if observations[i].ID == obsID {
			return &FieldProvenance{
				Field:         field,
				Value:         snap.Fields[field],
				ObservationID: obsID,
				SourceID:      observations[i].SourceID,
				ObservedAt:    observations[i].ObservedAt,
			}, nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
		"provenance of field %q references missing observation %s", field, obsID)
}

// Invalidate drops cached state for a subject. Called after merges.
func (s *Service) Invalidate(ctx context.Context, subject models.SubjectKey) error {
	return s.cache.Invalidate(ctx, subject)
}

// Rebuild recomputes and caches the snapshot under the schema of the
// subject's most recent observation. An empty history or an unknown policy
// makes it a no-op; the next reader recomputes on demand.
func (s *Service) Rebuild(ctx context.Context, subject models.SubjectKey) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	observations, err := s.loadHistory(ctx, subject, nil)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		return nil
	}

	latest := &observations[0]
	for i := 1; i < len(observations); i++ {
		if latest.Before(&observations[i]) {
			latest = &observations[i]
		}
	}
	schemaType, schemaVersion := latest.SchemaType(), latest.SchemaVersion

	pol, err := s.policies.GetMergePolicy(ctx, schemaType, schemaVersion)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load merge policy")
	}

	snap, err := s.reduce(ctx, subject, observations, pol)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, subject, schemaType, schemaVersion, snap); err != nil {
		return fmt.Errorf("cache rebuilt snapshot: %w", err)
	}

	if s.auditor != nil {
		event := audit.Event{
			Action:    string(audit.EventSnapshotRebuilt),
			OwnerID:   latest.OwnerID,
			Timestamp: requestcontext.Now(ctx),
			RequestID: requestcontext.RequestID(ctx),
			Details: map[string]string{
				"subject":           subject.String(),
				"observation_count": fmt.Sprintf("%d", snap.ObservationCount),
			},
		}
		if subject.Kind == models.SubjectEntity {
			event.EntityID = subject.EntityID
		}
		if err := s.auditor.Emit(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "audit emission failed",
				slog.String("action", event.Action),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Service) compute(ctx context.Context, q Query) (*Snapshot, error) {
	observations, err := s.loadHistory(ctx, q.Subject, q.At)
	if err != nil {
		return nil, err
	}
	pol, err := s.policy(ctx, q.SchemaType, q.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return s.reduce(ctx, q.Subject, observations, pol)
}

func (s *Service) reduce(ctx context.Context, subject models.SubjectKey, observations []models.Observation, pol *policy.MergePolicy) (*Snapshot, error) {
	start := time.Now()
	snap, err := Compute(subject, observations, pol, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SnapshotsComputed.Inc()
		s.metrics.SnapshotComputeTime.Observe(time.Since(start).Seconds())
	}
	return snap, nil
}

func (s *Service) policy(ctx context.Context, schemaType, schemaVersion string) (*policy.MergePolicy, error) {
	pol, err := s.policies.GetMergePolicy(ctx, schemaType, schemaVersion)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeSchemaUnknown,
			fmt.Sprintf("no merge policy for schema %s/%s", schemaType, schemaVersion))
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load merge policy")
	}
	return pol, nil
}

// loadHistory returns the subject's observations in append order. For entity
// subjects it unions in the histories of entities merged into it,
// transitively: a merged entity's past contributes to its target's present
// without any row ever moving.
func (s *Service) loadHistory(ctx context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error) {
	observations, err := s.observations.List(ctx, subject, upTo)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load observations")
	}
	if subject.Kind != models.SubjectEntity || s.merged == nil {
		return observations, nil
	}

	sources, err := s.mergedSources(ctx, subject.EntityID)
	if err != nil {
		return nil, err
	}
	for _, source := range sources {
		more, err := s.observations.List(ctx, models.EntitySubject(source), upTo)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load merged observations")
		}
		observations = append(observations, more...)
	}
	return observations, nil
}

// mergedSources walks the redirect index breadth-first from the target and
// returns every entity whose history now belongs to it. Depth is bounded by
// the hop limit; the merge preconditions keep chains shallow in practice.
func (s *Service) mergedSources(ctx context.Context, target domain.EntityID) ([]domain.EntityID, error) {
	visited := map[domain.EntityID]struct{}{target: {}}
	frontier := []domain.EntityID{target}
	out := []domain.EntityID{}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= s.hopLimit {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"merge graph under entity %s exceeds %d hops", target, s.hopLimit)
		}
		next := []domain.EntityID{}
		for _, id := range frontier {
			sources, err := s.merged.ListMergedInto(ctx, id)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list merged entities")
			}
			for _, source := range sources {
				if _, seen := visited[source]; seen {
					continue
				}
				visited[source] = struct{}{}
				out = append(out, source)
				next = append(next, source)
			}
		}
		frontier = next
	}
	return out, nil
}
