//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"verity/pkg/domain"
	audit "verity/pkg/platform/audit"
	"verity/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *Store
	ctx       context.Context
	entityID  domain.EntityID
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.ctx = context.Background()
	s.container = containers.NewPostgresContainer(s.T())
	s.store = New(s.container.DB)
}

func (s *PostgresAuditSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.DB.Close()
		_ = s.container.Container.Terminate(s.ctx)
	}
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.container.Truncate(s.ctx))
	s.entityID = domain.EntityID(uuid.New())
}

func TestPostgresAuditSuite(t *testing.T) {
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) TestAppendAndListByEntity() {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Append(s.ctx, audit.Event{
		Action:    string(audit.EventEntityMerged),
		OwnerID:   domain.OwnerID(uuid.New()),
		EntityID:  s.entityID,
		Timestamp: occurred,
		RequestID: "req-1",
		Details:   map[string]string{"merged_to": uuid.NewString()},
	}))
	s.Require().NoError(s.store.Append(s.ctx, audit.Event{
		Action:   string(audit.EventEntityCreated),
		EntityID: domain.EntityID(uuid.New()),
	}))

	events, err := s.store.ListByEntity(s.ctx, s.entityID)
	s.Require().NoError(err)
	s.Require().Len(events, 1, "unrelated entities are filtered out")

	event := events[0]
	s.Equal(string(audit.EventEntityMerged), event.Action)
	s.Equal(audit.CategoryLineage, event.Category)
	s.Equal("req-1", event.RequestID)
	s.Contains(event.Details, "merged_to")
	s.True(event.Timestamp.Equal(occurred))
}

func (s *PostgresAuditSuite) TestAppendEnqueuesOutboxEntry() {
	s.Require().NoError(s.store.Append(s.ctx, audit.Event{
		Action:   string(audit.EventSnapshotRebuilt),
		EntityID: s.entityID,
	}))

	var (
		topicKey string
		payload  []byte
	)
	row := s.container.DB.QueryRowContext(s.ctx,
		`SELECT topic_key, payload FROM audit_outbox WHERE published_at IS NULL`)
	s.Require().NoError(row.Scan(&topicKey, &payload))
	s.Equal(s.entityID.String(), topicKey, "outbox entries partition by entity")

	var decoded map[string]any
	s.Require().NoError(json.Unmarshal(payload, &decoded))
	s.Equal(string(audit.EventSnapshotRebuilt), decoded["Action"])
}
