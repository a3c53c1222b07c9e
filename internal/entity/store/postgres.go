package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"verity/internal/entity/models"
	"verity/pkg/domain"
	"verity/pkg/platform/sentinel"
	txcontext "verity/pkg/platform/tx"
)

// Postgres persists entities. The primary key carries the resolve-race
// uniqueness guarantee: two concurrent creates for the same identity collide
// on the constraint and the loser retries as a read.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const uniqueViolation = "23505"

func (s *Postgres) CreateIfAbsent(ctx context.Context, entity *models.Entity) error {
	query := `
		INSERT INTO entities (id, owner_id, entity_type, normalized_value, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(entity.ID),
		uuid.UUID(entity.OwnerID),
		entity.EntityType,
		entity.NormalizedValue,
		entity.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("entity %s: %w", entity.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

const entityColumns = `id, owner_id, entity_type, normalized_value, created_at, merged_to, merged_at`

func (s *Postgres) FindByID(ctx context.Context, id domain.EntityID) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id)), id)
}

// Merge locks both rows in ascending id order (consistent lock order avoids
// deadlock between concurrent merges), validates through the model, and
// writes both merge fields in one statement. The merged_to IS NULL guard in
// the UPDATE makes the write-once invariant hold even if validation raced.
func (s *Postgres) Merge(ctx context.Context, from, to domain.EntityID, mergedAt time.Time) (*models.Entity, error) {
	run := func(ctx context.Context, tx *sql.Tx) (*models.Entity, error) {
		first, second := from, to
		if lessID(to, from) {
			first, second = to, from
		}
		lockQuery := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1 FOR UPDATE`

		locked := map[domain.EntityID]*models.Entity{}
		for _, id := range []domain.EntityID{first, second} {
			entity, err := s.scanOne(tx.QueryRowContext(ctx, lockQuery, uuid.UUID(id)), id)
			if err != nil {
				return nil, err
			}
			locked[id] = entity
		}
		source, target := locked[from], locked[to]
		if err := source.CanMergeInto(target); err != nil {
			return nil, err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE entities SET merged_to = $2, merged_at = $3
			WHERE id = $1 AND merged_to IS NULL
		`, uuid.UUID(from), uuid.UUID(to), mergedAt)
		if err != nil {
			return nil, fmt.Errorf("apply merge: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("apply merge: %w", err)
		}
		if affected == 0 {
			return nil, models.ErrSourceAlreadyMerged
		}
		source.ApplyMerge(to, mergedAt)
		return source, nil
	}

	if tx, ok := txcontext.From(ctx); ok {
		return run(ctx, tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge tx: %w", err)
	}
	merged, err := run(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return merged, nil
}

func (s *Postgres) ListMergedInto(ctx context.Context, target domain.EntityID) ([]domain.EntityID, error) {
	query := `SELECT id FROM entities WHERE merged_to = $1`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(target))
	if err != nil {
		return nil, fmt.Errorf("list merged entities: %w", err)
	}
	defer rows.Close()

	out := []domain.EntityID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan merged entity id: %w", err)
		}
		out = append(out, domain.EntityID(id))
	}
	return out, rows.Err()
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

func (s *Postgres) scanOne(row *sql.Row, id domain.EntityID) (*models.Entity, error) {
	var (
		entity   models.Entity
		rowID    uuid.UUID
		ownerID  uuid.UUID
		mergedTo uuid.NullUUID
		mergedAt sql.NullTime
	)
	err := row.Scan(&rowID, &ownerID, &entity.EntityType, &entity.NormalizedValue,
		&entity.CreatedAt, &mergedTo, &mergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	entity.ID = domain.EntityID(rowID)
	entity.OwnerID = domain.OwnerID(ownerID)
	if mergedTo.Valid {
		to := domain.EntityID(mergedTo.UUID)
		entity.MergedTo = &to
	}
	if mergedAt.Valid {
		at := mergedAt.Time
		entity.MergedAt = &at
	}
	return &entity, nil
}

func lessID(a, b domain.EntityID) bool {
	aa, bb := uuid.UUID(a), uuid.UUID(b)
	return bytes.Compare(aa[:], bb[:]) < 0
}
