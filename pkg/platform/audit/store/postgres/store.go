package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"verity/pkg/domain"
	audit "verity/pkg/platform/audit"
	txcontext "verity/pkg/platform/tx"
)

// Store persists audit events and, in the same transaction, enqueues them on
// the transactional outbox. The outbox worker publishes to Kafka; the
// audit_events table stays queryable regardless of broker availability.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON structure published to Kafka. Field names match
// audit.Event for proper deserialization by downstream consumers.
type outboxPayload struct {
	ID        string            `json:"ID"`
	Category  string            `json:"Category"`
	Timestamp string            `json:"Timestamp"`
	OwnerID   string            `json:"OwnerID,omitempty"`
	EntityID  string            `json:"EntityID,omitempty"`
	Action    string            `json:"Action"`
	Reason    string            `json:"Reason,omitempty"`
	RequestID string            `json:"RequestID,omitempty"`
	Details   map[string]string `json:"Details,omitempty"`
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	category := audit.AuditEvent(event.Action).Category()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	detailsJSON, err := json.Marshal(orEmpty(event.Details))
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	execer := s.execer(ctx)

	query := `
		INSERT INTO audit_events (id, category, action, owner_id, entity_id, reason, request_id, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = execer.ExecContext(ctx, query,
		eventID,
		string(category),
		event.Action,
		nullUUID(uuid.UUID(event.OwnerID)),
		nullUUID(uuid.UUID(event.EntityID)),
		event.Reason,
		event.RequestID,
		detailsJSON,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload := outboxPayload{
		ID:        eventID.String(),
		Category:  string(category),
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		Action:    event.Action,
		Reason:    event.Reason,
		RequestID: event.RequestID,
		Details:   event.Details,
	}
	if !event.OwnerID.IsNil() {
		payload.OwnerID = event.OwnerID.String()
	}
	if !event.EntityID.IsNil() {
		payload.EntityID = event.EntityID.String()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	topicKey := event.EntityID.String()
	if event.EntityID.IsNil() {
		topicKey = eventID.String()
	}
	outboxQuery := `
		INSERT INTO audit_outbox (id, event_id, topic_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := execer.ExecContext(ctx, outboxQuery, uuid.New(), eventID, topicKey, payloadBytes, time.Now()); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *Store) ListByEntity(ctx context.Context, entityID domain.EntityID) ([]audit.Event, error) {
	query := `
		SELECT category, action, owner_id, entity_id, reason, request_id, details, occurred_at
		FROM audit_events
		WHERE entity_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(entityID))
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := []audit.Event{}
	for rows.Next() {
		var (
			event       audit.Event
			category    string
			ownerID     uuid.NullUUID
			rowEntityID uuid.NullUUID
			detailsJSON []byte
		)
		if err := rows.Scan(&category, &event.Action, &ownerID, &rowEntityID,
			&event.Reason, &event.RequestID, &detailsJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if ownerID.Valid {
			event.OwnerID = domain.OwnerID(ownerID.UUID)
		}
		if rowEntityID.Valid {
			event.EntityID = domain.EntityID(rowEntityID.UUID)
		}
		if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func orEmpty(details map[string]string) map[string]string {
	if details == nil {
		return map[string]string{}
	}
	return details
}
