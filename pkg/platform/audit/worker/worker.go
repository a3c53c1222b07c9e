// Package worker drains the transactional audit outbox to Kafka.
//
// Appending an audit fact and enqueueing it happen in one database
// transaction; this worker owns the second leg, so broker downtime delays
// publication without losing events.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "verity/pkg/platform/audit"
)

const batchSize = 100

// Worker polls audit_outbox for unpublished rows and produces them in
// creation order.
type Worker struct {
	db       *sql.DB
	producer audit.Producer
	logger   *slog.Logger
	interval time.Duration
}

func New(db *sql.DB, producer audit.Producer, logger *slog.Logger, interval time.Duration) *Worker {
	return &Worker{db: db, producer: producer, logger: logger, interval: interval}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.Warn("audit outbox drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

type outboxRow struct {
	id      uuid.UUID
	key     string
	payload []byte
}

func (w *Worker) drainOnce(ctx context.Context) error {
	for {
		rows, err := w.pending(ctx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if err := w.producer.Produce(ctx, []byte(row.key), row.payload); err != nil {
				return err
			}
			if err := w.markPublished(ctx, row.id); err != nil {
				return err
			}
		}
		if len(rows) < batchSize {
			return nil
		}
	}
}

func (w *Worker) pending(ctx context.Context) ([]outboxRow, error) {
	query := `
		SELECT id, topic_key, payload
		FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`
	rows, err := w.db.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []outboxRow{}
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.key, &row.payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (w *Worker) markPublished(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE audit_outbox SET published_at = $1 WHERE id = $2`
	if _, err := w.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox row published: %w", err)
	}
	return nil
}
