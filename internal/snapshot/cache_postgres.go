package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"verity/internal/observation/models"
	"verity/pkg/platform/sentinel"
	txcontext "verity/pkg/platform/tx"
)

// PostgresCache persists snapshots in the snapshots table. Durable across
// restarts, but still a cache: the table may be truncated and every row is
// rebuilt from the log on the next read.
type PostgresCache struct {
	db *sql.DB
}

func NewPostgresCache(db *sql.DB) *PostgresCache {
	return &PostgresCache{db: db}
}

func (c *PostgresCache) Get(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string) (*Snapshot, error) {
	query := `
		SELECT payload FROM snapshots
		WHERE subject_key = $1 AND schema_type = $2 AND schema_version = $3
	`
	var payload []byte
	err := c.execer(ctx).QueryRowContext(ctx, query, subject.String(), schemaType, schemaVersion).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", subject, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	return snap, nil
}

func (c *PostgresCache) Set(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string, snap *Snapshot) error {
	encoded, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	query := `
		INSERT INTO snapshots (subject_key, schema_type, schema_version, payload, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_key, schema_type, schema_version)
		DO UPDATE SET payload = EXCLUDED.payload, computed_at = EXCLUDED.computed_at
	`
	_, err = c.execer(ctx).ExecContext(ctx, query,
		subject.String(), schemaType, schemaVersion, encoded, snap.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (c *PostgresCache) Invalidate(ctx context.Context, subject models.SubjectKey) error {
	_, err := c.execer(ctx).ExecContext(ctx,
		`DELETE FROM snapshots WHERE subject_key = $1`, subject.String())
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *PostgresCache) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return c.db
}
