// Package store persists the observation log. Append-only by interface: no
// update or delete operation exists, which is the enforcement point for the
// immutability invariant.
package store

import (
	"context"
	"time"

	"verity/internal/observation/models"
	"verity/pkg/domain"
)

// Store is the append-only observation log.
//
// Implementations must provide serializable per-subject-key ordering:
// concurrent appends to the same subject are linearized, appends to distinct
// subjects may proceed in parallel. IDs are assigned from a monotonic
// sequence shared across subjects, so (observed_at, id) is a total order.
type Store interface {
	// Append assigns the observation id and recorded-at time, persists the
	// observation, and returns the assigned id. The input must already be
	// validated; Append does not re-check producer fields.
	Append(ctx context.Context, obs *models.Observation) (domain.ObservationID, error)

	// List returns the full replay sequence for one subject in
	// (observed_at, id) ascending order. A nil upTo returns everything; a
	// non-nil upTo bounds the replay at that instant, inclusive.
	List(ctx context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error)

	// Page returns one offset-addressed page of the replay sequence, in the
	// same order as List. Restartable: equal arguments yield equal pages as
	// long as no append lands in between.
	Page(ctx context.Context, subject models.SubjectKey, limit, offset int) ([]models.Observation, error)
}
