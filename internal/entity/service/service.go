// Package service implements identity resolution and the merge state
// machine. Resolution is deterministic end to end: normalize, hash, look up,
// follow redirects. The only nondeterminism anywhere near this path is which
// concurrent creator wins a race, and that is invisible to callers because
// the loser retries as a read.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"verity/internal/entity/models"
	"verity/internal/entity/store"
	obsmodels "verity/internal/observation/models"
	obsstore "verity/internal/observation/store"
	"verity/internal/platform/metrics"
	"verity/internal/policy"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
	audit "verity/pkg/platform/audit"
	"verity/pkg/platform/sentinel"
	"verity/pkg/platform/tx"
	"verity/pkg/requestcontext"
)

// createRetries bounds the resolve race recovery loop. One retry suffices in
// principle (the winner's row is visible after the constraint fires); a
// couple more tolerate read-replica style lag in exotic setups.
const createRetries = 3

// AuditEmitter records lifecycle facts. Satisfied by the audit publisher.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// SnapshotRebuilder invalidates and recomputes cached snapshots after
// structural changes. Satisfied by the snapshot service; declared here so
// this package stays independent of it.
type SnapshotRebuilder interface {
	Invalidate(ctx context.Context, subject obsmodels.SubjectKey) error
	Rebuild(ctx context.Context, subject obsmodels.SubjectKey) error
}

// Service orchestrates resolution and merge.
type Service struct {
	entities     store.Store
	observations obsstore.Store
	policies     policy.Provider
	auditor      AuditEmitter
	snapshots    SnapshotRebuilder
	metrics      *metrics.Metrics
	logger       *slog.Logger
	tx           tx.Runner
	hopLimit     int
}

// Option configures the Service.
type Option func(*Service)

// WithTxRunner sets the transaction runner; defaults to the no-op runner
// used with memory stores.
func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) { s.tx = runner }
}

// WithSnapshotRebuilder wires cache invalidation after merges.
func WithSnapshotRebuilder(rebuilder SnapshotRebuilder) Option {
	return func(s *Service) { s.snapshots = rebuilder }
}

// WithMetrics wires resolve/merge counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRedirectHopLimit overrides the transitive-follow bound.
func WithRedirectHopLimit(limit int) Option {
	return func(s *Service) { s.hopLimit = limit }
}

func New(entities store.Store, observations obsstore.Store, policies policy.Provider,
	auditor AuditEmitter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		entities:     entities,
		observations: observations,
		policies:     policies,
		auditor:      auditor,
		logger:       logger,
		tx:           tx.NewNoopRunner(),
		hopLimit:     32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveResult is the outcome of a resolution.
type ResolveResult struct {
	EntityID domain.EntityID `json:"entity_id"`
	// Redirected is true when the deterministic candidate was merged and the
	// returned id is its terminal active target.
	Redirected bool `json:"redirected"`
	// Created is true when this call created the identity.
	Created bool `json:"created"`
}

// Resolve maps (owner, entityType, rawValue) to the terminal active entity
// id, creating the identity on first sight.
func (s *Service) Resolve(ctx context.Context, owner domain.OwnerID, entityType, rawValue string) (ResolveResult, error) {
	if owner.IsNil() {
		return ResolveResult{}, dErrors.New(dErrors.CodeInvalidInput, "owner id is required")
	}
	if entityType == "" {
		return ResolveResult{}, dErrors.New(dErrors.CodeInvalidInput, "entity type is required")
	}
	normalized := s.policies.Normalizer(entityType)(rawValue)
	if normalized == "" {
		return ResolveResult{}, dErrors.New(dErrors.CodeInvalidInput, "identifying value is empty after normalization")
	}

	candidate := domain.NewEntityID(owner, entityType, normalized)
	now := requestcontext.Now(ctx)

	for attempt := 0; ; attempt++ {
		entity, err := s.entities.FindByID(ctx, candidate)
		if errors.Is(err, sentinel.ErrNotFound) {
			fresh := models.NewEntity(owner, entityType, normalized, now)
			createErr := s.entities.CreateIfAbsent(ctx, fresh)
			if errors.Is(createErr, sentinel.ErrAlreadyUsed) || errors.Is(createErr, sentinel.ErrConflict) {
				// Lost the creation race; the winner's row is authoritative.
				if attempt < createRetries {
					continue
				}
				return ResolveResult{}, dErrors.Wrap(createErr, dErrors.CodeInternal, "resolve retry budget exhausted")
			}
			if createErr != nil {
				return ResolveResult{}, dErrors.Wrap(createErr, dErrors.CodeInternal, "create entity")
			}
			s.emit(ctx, audit.Event{
				Action:   string(audit.EventEntityCreated),
				OwnerID:  owner,
				EntityID: fresh.ID,
				Details:  map[string]string{"entity_type": entityType},
			})
			s.countResolve("created")
			return ResolveResult{EntityID: fresh.ID, Created: true}, nil
		}
		if err != nil {
			return ResolveResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "look up entity")
		}

		terminal, err := s.followRedirects(ctx, entity)
		if err != nil {
			return ResolveResult{}, err
		}
		redirected := terminal.ID != entity.ID

		// Last-seen is an observation about the entity, not a mutation of it.
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventEntityResolved),
			OwnerID:  owner,
			EntityID: terminal.ID,
			Details:  map[string]string{"redirected": strconv.FormatBool(redirected)},
		})
		if redirected {
			s.countResolve("redirected")
		} else {
			s.countResolve("existing")
		}
		return ResolveResult{EntityID: terminal.ID, Redirected: redirected}, nil
	}
}

// followRedirects walks merged_to to the terminal active entity. The walk is
// bounded: exceeding the hop limit or revisiting a node means a cycle, which
// the merge preconditions make impossible, so it is reported as an invariant
// violation rather than handled.
func (s *Service) followRedirects(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	visited := map[domain.EntityID]struct{}{entity.ID: {}}
	current := entity
	for hops := 0; current.IsMerged(); hops++ {
		if hops >= s.hopLimit {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"redirect chain from entity %s exceeds %d hops", entity.ID, s.hopLimit)
		}
		next, err := s.entities.FindByID(ctx, *current.MergedTo)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal,
				fmt.Sprintf("follow redirect of entity %s", current.ID))
		}
		if _, seen := visited[next.ID]; seen {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"redirect cycle detected at entity %s", next.ID)
		}
		visited[next.ID] = struct{}{}
		current = next
	}
	return current, nil
}

// Get returns an entity by id, merge state included.
func (s *Service) Get(ctx context.Context, id domain.EntityID) (*models.Entity, error) {
	if id.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	}
	entity, err := s.entities.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("entity %s not found", id))
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up entity")
	}
	return entity, nil
}

// Merge consolidates from into to. On success the source is terminally
// Merged, the audit trail records the logical re-attribution, and the
// target's snapshot is rebuilt. Historical observations are not rewritten.
func (s *Service) Merge(ctx context.Context, owner domain.OwnerID, from, to domain.EntityID) (*models.Entity, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "owner id is required")
	}
	if from.IsNil() || to.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "source and target entity ids are required")
	}
	if from == to {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "cannot merge entity %s into itself", from)
	}

	now := requestcontext.Now(ctx)
	var merged *models.Entity
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		source, err := s.findForMerge(txCtx, from, "source")
		if err != nil {
			return err
		}
		target, err := s.findForMerge(txCtx, to, "target")
		if err != nil {
			return err
		}
		if source.OwnerID != owner || target.OwnerID != owner {
			s.countRejection("cross_owner")
			return dErrors.Wrap(models.ErrCrossOwnerMerge, dErrors.CodeConflict,
				fmt.Sprintf("entities %s and %s are not both owned by %s", from, to, owner))
		}

		merged, err = s.entities.Merge(txCtx, from, to, now)
		if err != nil {
			return s.translateMergeErr(err, from, to)
		}

		reattributed, err := s.observations.List(txCtx, obsmodels.EntitySubject(from), nil)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "count re-attributed observations")
		}

		s.emit(txCtx, audit.Event{
			Action:   string(audit.EventEntityMerged),
			OwnerID:  owner,
			EntityID: from,
			Details:  map[string]string{"merged_to": to.String()},
		})
		s.emit(txCtx, audit.Event{
			Action:   string(audit.EventObservationsReattributed),
			OwnerID:  owner,
			EntityID: to,
			Details: map[string]string{
				"from_entity":       from.String(),
				"observation_count": strconv.Itoa(len(reattributed)),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Merges.Inc()
	}
	s.refreshAfterMerge(ctx, from, to)
	return merged, nil
}

func (s *Service) findForMerge(ctx context.Context, id domain.EntityID, role string) (*models.Entity, error) {
	entity, err := s.entities.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		s.countRejection("not_found")
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("merge %s entity %s not found", role, id))
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up "+role+" entity")
	}
	return entity, nil
}

func (s *Service) translateMergeErr(err error, from, to domain.EntityID) error {
	switch {
	case errors.Is(err, models.ErrSourceAlreadyMerged):
		s.countRejection("source_already_merged")
		return dErrors.Wrap(err, dErrors.CodeConflict,
			fmt.Sprintf("entity %s is already merged", from))
	case errors.Is(err, models.ErrTargetAlreadyMerged):
		s.countRejection("target_already_merged")
		return dErrors.Wrap(err, dErrors.CodeConflict,
			fmt.Sprintf("merge target %s is already merged", to))
	case errors.Is(err, models.ErrCrossOwnerMerge):
		s.countRejection("cross_owner")
		return dErrors.Wrap(err, dErrors.CodeConflict,
			fmt.Sprintf("entities %s and %s belong to different owners", from, to))
	case errors.Is(err, models.ErrSelfMerge):
		return dErrors.Wrap(err, dErrors.CodeInvalidInput,
			fmt.Sprintf("cannot merge entity %s into itself", from))
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "apply merge")
	}
}

// refreshAfterMerge drops both cached snapshots and rebuilds the target's.
// Best-effort: recomputation is pure and idempotent, so a failed rebuild
// merely costs the next reader a recompute.
func (s *Service) refreshAfterMerge(ctx context.Context, from, to domain.EntityID) {
	if s.snapshots == nil {
		return
	}
	for _, subject := range []obsmodels.SubjectKey{obsmodels.EntitySubject(from), obsmodels.EntitySubject(to)} {
		if err := s.snapshots.Invalidate(ctx, subject); err != nil {
			s.logger.WarnContext(ctx, "snapshot invalidation failed",
				slog.String("subject", subject.String()),
				slog.String("error", err.Error()))
		}
	}
	if err := s.snapshots.Rebuild(ctx, obsmodels.EntitySubject(to)); err != nil {
		s.logger.WarnContext(ctx, "snapshot rebuild failed",
			slog.String("subject", obsmodels.EntitySubject(to).String()),
			slog.String("error", err.Error()))
	}
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emission failed",
			slog.String("action", event.Action),
			slog.String("error", err.Error()))
	}
}

func (s *Service) countResolve(outcome string) {
	if s.metrics != nil {
		s.metrics.EntitiesResolved.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countRejection(reason string) {
	if s.metrics != nil {
		s.metrics.MergeRejections.WithLabelValues(reason).Inc()
	}
}
