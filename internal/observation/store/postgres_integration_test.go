//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"verity/internal/observation/models"
	"verity/pkg/domain"
	"verity/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *Postgres
	ctx       context.Context
	subject   models.SubjectKey
	owner     domain.OwnerID
	baseTime  time.Time
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.container = containers.NewPostgresContainer(s.T())
	s.store = NewPostgres(s.container.DB)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.DB.Close()
		_ = s.container.Container.Terminate(s.ctx)
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.container.Truncate(s.ctx))
	s.subject = models.EntitySubject(domain.EntityID(uuid.New()))
	s.owner = domain.OwnerID(uuid.New())
	s.baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) append(observedAt time.Time, fields map[string]models.FieldValue) *models.Observation {
	obs := &models.Observation{
		Subject:       s.subject,
		OwnerID:       s.owner,
		EntityType:    "person",
		SchemaVersion: "1",
		SourceID:      domain.SourceID(uuid.New()),
		ObservedAt:    observedAt,
		Fields:        fields,
	}
	_, err := s.store.Append(s.ctx, obs)
	s.Require().NoError(err)
	return obs
}

func (s *PostgresStoreSuite) TestAppendAssignsMonotonicIDs() {
	first := s.append(s.baseTime, map[string]models.FieldValue{"name": models.String("Ada")})
	second := s.append(s.baseTime, map[string]models.FieldValue{"name": models.String("Lovelace")})

	s.Greater(second.ID, first.ID)
	s.False(first.RecordedAt.IsZero())
}

func (s *PostgresStoreSuite) TestListReplaysInObservationOrder() {
	// Appended out of observation order; replay sorts by (observed_at, id).
	s.append(s.baseTime.Add(2*time.Hour), map[string]models.FieldValue{"step": models.String("third")})
	s.append(s.baseTime, map[string]models.FieldValue{"step": models.String("first")})
	s.append(s.baseTime.Add(time.Hour), map[string]models.FieldValue{"step": models.String("second")})

	listed, err := s.store.List(s.ctx, s.subject, nil)
	s.Require().NoError(err)
	s.Require().Len(listed, 3)

	for i, want := range []string{"first", "second", "third"} {
		s.True(models.String(want).Equal(listed[i].Fields["step"]), "position %d", i)
	}
}

func (s *PostgresStoreSuite) TestListTieBreaksOnID() {
	// Identical observed_at: append order decides.
	s.append(s.baseTime, map[string]models.FieldValue{"step": models.String("first")})
	s.append(s.baseTime, map[string]models.FieldValue{"step": models.String("second")})

	listed, err := s.store.List(s.ctx, s.subject, nil)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Less(listed[0].ID, listed[1].ID)
	s.True(models.String("first").Equal(listed[0].Fields["step"]))
}

func (s *PostgresStoreSuite) TestListUpToIsInclusive() {
	s.append(s.baseTime, map[string]models.FieldValue{"step": models.String("kept")})
	s.append(s.baseTime.Add(time.Hour), map[string]models.FieldValue{"step": models.String("cut")})

	cutoff := s.baseTime
	listed, err := s.store.List(s.ctx, s.subject, &cutoff)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.True(models.String("kept").Equal(listed[0].Fields["step"]))
}

func (s *PostgresStoreSuite) TestFieldsRoundTripThroughJSONB() {
	fields := map[string]models.FieldValue{
		"name":     models.String("Ada"),
		"verified": models.Bool(true),
		"score":    models.Number(99.5),
		"cleared":  models.Null(),
		"phones":   models.List(models.String("+1-555-0100"), models.Number(7)),
	}
	appended := s.append(s.baseTime, fields)

	listed, err := s.store.List(s.ctx, s.subject, nil)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)

	for name, want := range fields {
		s.True(want.Equal(listed[0].Fields[name]), "field %s", name)
	}
	s.Equal(appended.ID, listed[0].ID)
}

func (s *PostgresStoreSuite) TestPage() {
	for i := 0; i < 5; i++ {
		s.append(s.baseTime.Add(time.Duration(i)*time.Minute),
			map[string]models.FieldValue{"seq": models.Number(float64(i))})
	}

	page, err := s.store.Page(s.ctx, s.subject, 2, 2)
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.True(models.Number(2).Equal(page[0].Fields["seq"]))
	s.True(models.Number(3).Equal(page[1].Fields["seq"]))

	tail, err := s.store.Page(s.ctx, s.subject, 10, 4)
	s.Require().NoError(err)
	s.Len(tail, 1)
}

func (s *PostgresStoreSuite) TestSubjectIsolation() {
	s.append(s.baseTime, map[string]models.FieldValue{"name": models.String("Ada")})

	other := models.EntitySubject(domain.EntityID(uuid.New()))
	listed, err := s.store.List(s.ctx, other, nil)
	s.Require().NoError(err)
	s.Empty(listed)
}
