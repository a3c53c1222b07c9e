package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"verity/internal/observation/models"
	"verity/pkg/domain"
)

// InMemory keeps the log in process memory. Used by unit tests and
// development runs without Postgres; intentionally favors clarity over
// performance, like the rest of the in-memory stores in this codebase.
// The single mutex linearizes appends per subject (and across subjects,
// which is stricter than required but harmless at this scale).
type InMemory struct {
	mu       sync.RWMutex
	seq      domain.ObservationID
	subjects map[string][]models.Observation
}

func NewInMemory() *InMemory {
	return &InMemory{subjects: make(map[string][]models.Observation)}
}

func (s *InMemory) Append(_ context.Context, obs *models.Observation) (domain.ObservationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	stored := *obs
	stored.ID = s.seq
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now()
	}
	stored.Fields = cloneFields(obs.Fields)

	key := stored.Subject.String()
	seq := append(s.subjects[key], stored)
	// IDs are monotonic, so only observed_at can be out of order.
	sort.SliceStable(seq, func(i, j int) bool { return seq[i].Before(&seq[j]) })
	s.subjects[key] = seq

	obs.ID = stored.ID
	obs.RecordedAt = stored.RecordedAt
	return stored.ID, nil
}

func (s *InMemory) List(_ context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.subjects[subject.String()]
	out := make([]models.Observation, 0, len(seq))
	for _, obs := range seq {
		if upTo != nil && obs.ObservedAt.After(*upTo) {
			continue
		}
		obs.Fields = cloneFields(obs.Fields)
		out = append(out, obs)
	}
	return out, nil
}

func (s *InMemory) Page(_ context.Context, subject models.SubjectKey, limit, offset int) ([]models.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.subjects[subject.String()]
	if offset >= len(seq) || limit <= 0 {
		return []models.Observation{}, nil
	}
	end := offset + limit
	if end > len(seq) {
		end = len(seq)
	}
	out := make([]models.Observation, end-offset)
	for i, obs := range seq[offset:end] {
		obs.Fields = cloneFields(obs.Fields)
		out[i] = obs
	}
	return out, nil
}

func cloneFields(fields map[string]models.FieldValue) map[string]models.FieldValue {
	cloned := make(map[string]models.FieldValue, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}
	return cloned
}
