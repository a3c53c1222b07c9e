package snapshot

import (
	"encoding/json"
	"time"

	"verity/internal/observation/models"
	"verity/pkg/domain"
)

// Snapshot is the reducer's current-state projection for one subject.
//
// Snapshots are derived data: always recomputable from the observation log,
// never an independent source of truth. Caches hold them for read performance
// but may be dropped at any time without data loss.
type Snapshot struct {
	Subject       models.SubjectKey `json:"subject"`
	SchemaVersion string            `json:"schema_version"`
	ComputedAt    time.Time         `json:"computed_at"`

	Fields map[string]models.FieldValue `json:"fields"`

	// Provenance maps each field to the observation that won it.
	Provenance map[string]domain.ObservationID `json:"provenance"`

	ObservationCount  int       `json:"observation_count"`
	LastObservationAt time.Time `json:"last_observation_at"`
}

// Encode renders the canonical byte form. encoding/json sorts map keys, so
// equal snapshots encode byte-identically; the determinism tests rely on it
// and the redis cache stores it.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses the canonical byte form.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FieldProvenance is the answer to a field-level provenance query: the
// current value and the original observation that determined it.
type FieldProvenance struct {
	Field         string               `json:"field"`
	Value         models.FieldValue    `json:"value"`
	ObservationID domain.ObservationID `json:"observation_id"`
	SourceID      domain.SourceID      `json:"source_id"`
	ObservedAt    time.Time            `json:"observed_at"`
}
