package handler

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"verity/internal/entity/service"
	entitystore "verity/internal/entity/store"
	obsstore "verity/internal/observation/store"
	"verity/internal/policy"
	auditpublisher "verity/pkg/platform/audit/publisher"
	auditmemory "verity/pkg/platform/audit/store/memory"
	"verity/pkg/testutil"
)

type EntityHandlerSuite struct {
	suite.Suite
	router  chi.Router
	ownerID string
}

func (s *EntityHandlerSuite) SetupTest() {
	logger := slog.New(slog.DiscardHandler)
	provider := policy.NewStaticProvider()
	s.Require().NoError(provider.Register(&policy.MergePolicy{
		SchemaType:    "person",
		SchemaVersion: "1",
		Fields:        map[string]policy.FieldRule{"name": {Strategy: policy.StrategyLastWriteWins}},
	}))

	publisher := auditpublisher.NewPublisher(auditmemory.NewInMemoryStore())
	entities := service.New(entitystore.NewInMemory(), obsstore.NewInMemory(),
		provider, publisher, logger)

	s.router = chi.NewRouter()
	New(entities, publisher, logger).Register(s.router)
	s.ownerID = uuid.NewString()
}

func TestEntityHandlerSuite(t *testing.T) {
	suite.Run(t, new(EntityHandlerSuite))
}

func (s *EntityHandlerSuite) resolve(value string) service.ResolveResult {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/resolve", map[string]string{
		"owner_id":    s.ownerID,
		"entity_type": "person",
		"value":       value,
	})
	rr := testutil.DoRequest(s.router, req)
	s.Require().Contains([]int{http.StatusOK, http.StatusCreated}, rr.Code, rr.Body.String())
	return *testutil.UnmarshalResponse[service.ResolveResult](s.T(), rr)
}

func (s *EntityHandlerSuite) TestResolveCreatesThenReturnsExisting() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/resolve", map[string]string{
		"owner_id":    s.ownerID,
		"entity_type": "person",
		"value":       "Ada Lovelace",
	})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	created := testutil.UnmarshalResponse[service.ResolveResult](s.T(), rr)
	s.True(created.Created)
	s.False(created.EntityID.IsNil())

	// Case-insensitive normalization maps to the same identity.
	again := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/resolve", map[string]string{
		"owner_id":    s.ownerID,
		"entity_type": "person",
		"value":       "ada lovelace",
	})
	rr = testutil.DoRequest(s.router, again)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	existing := testutil.UnmarshalResponse[service.ResolveResult](s.T(), rr)
	s.False(existing.Created)
	s.Equal(created.EntityID, existing.EntityID)
}

func (s *EntityHandlerSuite) TestResolveValidation() {
	s.Run("malformed owner id", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/resolve", map[string]string{
			"owner_id":    "not-a-uuid",
			"entity_type": "person",
			"value":       "x",
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("empty value", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/resolve", map[string]string{
			"owner_id":    s.ownerID,
			"entity_type": "person",
			"value":       "   ",
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("malformed body", func() {
		req := httptest.NewRequest(http.MethodPost, "/entities/resolve", nil)
		req.Header.Set("Content-Type", "application/json")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("missing content type", func() {
		req := testutil.NewRequest(s.T(), http.MethodPost, "/entities/resolve")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusUnsupportedMediaType)
	})
}

func (s *EntityHandlerSuite) TestMerge() {
	source := s.resolve("ada@example.com")
	target := s.resolve("lovelace@example.com")

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
		"owner_id":  s.ownerID,
		"source_id": source.EntityID.String(),
		"target_id": target.EntityID.String(),
	})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)

	// Resolving the source value now redirects to the target.
	redirected := s.resolve("ada@example.com")
	s.True(redirected.Redirected)
	s.Equal(target.EntityID, redirected.EntityID)
}

func (s *EntityHandlerSuite) TestMergeRejections() {
	entity := s.resolve("ada")

	s.Run("self merge", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
			"owner_id":  s.ownerID,
			"source_id": entity.EntityID.String(),
			"target_id": entity.EntityID.String(),
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("unknown source", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
			"owner_id":  s.ownerID,
			"source_id": uuid.NewString(),
			"target_id": entity.EntityID.String(),
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("already merged source", func() {
		other := s.resolve("babbage")
		third := s.resolve("menabrea")

		first := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
			"owner_id":  s.ownerID,
			"source_id": other.EntityID.String(),
			"target_id": entity.EntityID.String(),
		})
		testutil.AssertStatus(s.T(), testutil.DoRequest(s.router, first), http.StatusOK)

		second := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
			"owner_id":  s.ownerID,
			"source_id": other.EntityID.String(),
			"target_id": third.EntityID.String(),
		})
		rr := testutil.DoRequest(s.router, second)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})
}

func (s *EntityHandlerSuite) TestGet() {
	created := s.resolve("ada")

	rr := testutil.DoRequest(s.router,
		testutil.NewRequest(s.T(), http.MethodGet, "/entities/"+created.EntityID.String()))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)

	body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
	s.Equal(created.EntityID.String(), (*body)["id"])

	rr = testutil.DoRequest(s.router,
		testutil.NewRequest(s.T(), http.MethodGet, "/entities/"+uuid.NewString()))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *EntityHandlerSuite) TestAuditTrail() {
	created := s.resolve("ada")
	merged := s.resolve("lovelace")

	merge := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/merge", map[string]string{
		"owner_id":  s.ownerID,
		"source_id": merged.EntityID.String(),
		"target_id": created.EntityID.String(),
	})
	testutil.AssertStatus(s.T(), testutil.DoRequest(s.router, merge), http.StatusOK)

	actions := func(id string) []string {
		rr := testutil.DoRequest(s.router,
			testutil.NewRequest(s.T(), http.MethodGet, "/entities/"+id+"/audit"))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		entries := testutil.UnmarshalResponse[[]auditEntry](s.T(), rr)
		result := make([]string, 0, len(*entries))
		for _, entry := range *entries {
			result = append(result, entry.Action)
		}
		return result
	}

	target := actions(created.EntityID.String())
	s.Contains(target, "entity_created")
	s.Contains(target, "observations_reattributed")

	source := actions(merged.EntityID.String())
	s.Contains(source, "entity_merged")
}
