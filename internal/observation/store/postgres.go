package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"verity/internal/observation/models"
	"verity/pkg/domain"
	txcontext "verity/pkg/platform/tx"
)

// Postgres persists the log in an append-only table. The BIGSERIAL primary
// key is the monotonic observation id; the (subject_key, observed_at, id)
// index serves replay reads. There is no UPDATE or DELETE statement in this
// file and none may be added.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Append(ctx context.Context, obs *models.Observation) (domain.ObservationID, error) {
	fieldsJSON, err := json.Marshal(obs.Fields)
	if err != nil {
		return 0, fmt.Errorf("marshal observation fields: %w", err)
	}
	recordedAt := obs.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO observations (
			subject_key, subject_kind, owner_id, entity_type, schema_version,
			source_id, observed_at, fields, specificity_score, source_priority,
			unknown_field_count, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	var id int64
	err = s.execer(ctx).QueryRowContext(ctx, query,
		obs.Subject.String(),
		string(obs.Subject.Kind),
		uuid.UUID(obs.OwnerID),
		obs.EntityType,
		obs.SchemaVersion,
		uuid.UUID(obs.SourceID),
		obs.ObservedAt,
		fieldsJSON,
		obs.SpecificityScore,
		obs.SourcePriority,
		obs.UnknownFieldCount,
		recordedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}

	obs.ID = domain.ObservationID(id)
	obs.RecordedAt = recordedAt
	return obs.ID, nil
}

const observationColumns = `
	id, subject_key, owner_id, entity_type, schema_version, source_id,
	observed_at, fields, specificity_score, source_priority,
	unknown_field_count, recorded_at
`

func (s *Postgres) List(ctx context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error) {
	query := `SELECT ` + observationColumns + `
		FROM observations
		WHERE subject_key = $1
	`
	args := []any{subject.String()}
	if upTo != nil {
		query += ` AND observed_at <= $2`
		args = append(args, *upTo)
	}
	query += ` ORDER BY observed_at, id`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func (s *Postgres) Page(ctx context.Context, subject models.SubjectKey, limit, offset int) ([]models.Observation, error) {
	if limit <= 0 {
		return []models.Observation{}, nil
	}
	query := `SELECT ` + observationColumns + `
		FROM observations
		WHERE subject_key = $1
		ORDER BY observed_at, id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, subject.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func scanObservations(rows *sql.Rows) ([]models.Observation, error) {
	out := []models.Observation{}
	for rows.Next() {
		var (
			obs        models.Observation
			subjectKey string
			ownerID    uuid.UUID
			sourceID   uuid.UUID
			fieldsJSON []byte
		)
		if err := rows.Scan(
			&obs.ID, &subjectKey, &ownerID, &obs.EntityType, &obs.SchemaVersion,
			&sourceID, &obs.ObservedAt, &fieldsJSON, &obs.SpecificityScore,
			&obs.SourcePriority, &obs.UnknownFieldCount, &obs.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		subject, err := models.ParseSubjectKey(subjectKey)
		if err != nil {
			return nil, fmt.Errorf("stored subject key %q: %w", subjectKey, err)
		}
		obs.Subject = subject
		obs.OwnerID = domain.OwnerID(ownerID)
		obs.SourceID = domain.SourceID(sourceID)
		if err := json.Unmarshal(fieldsJSON, &obs.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal observation fields: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}
