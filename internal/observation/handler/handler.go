// Package handler exposes the observation log over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"verity/internal/observation/models"
	"verity/internal/platform/middleware"
	"verity/internal/transport/http/shared"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

// Service defines the observation operations the handler delegates to.
type Service interface {
	Append(ctx context.Context, obs models.Observation) (*models.Observation, error)
	List(ctx context.Context, subject models.SubjectKey, upTo *time.Time) ([]models.Observation, error)
	Page(ctx context.Context, subject models.SubjectKey, limit, offset int) ([]models.Observation, error)
	Get(ctx context.Context, subject models.SubjectKey, id domain.ObservationID) (*models.Observation, error)
}

// Handler handles observation endpoints.
type Handler struct {
	logger       *slog.Logger
	observations Service
}

func New(observations Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, observations: observations}
}

// Register registers the observation routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(router chi.Router) {
		router.Use(middleware.Recovery(h.logger))
		router.Use(middleware.RequestID)
		router.Use(middleware.RequestTime)
		router.Use(middleware.Logger(h.logger))
		router.Use(middleware.Timeout(30 * time.Second))
		router.Use(middleware.ContentTypeJSON)
		router.Post("/observations", h.handleAppend)
		router.Get("/subjects/{subject}/observations", h.handleList)
		router.Get("/subjects/{subject}/observations/{observationID}", h.handleGet)
	})
}

type appendRequest struct {
	Subject          string                       `json:"subject"`
	OwnerID          string                       `json:"owner_id"`
	EntityType       string                       `json:"entity_type"`
	SchemaVersion    string                       `json:"schema_version"`
	SourceID         string                       `json:"source_id"`
	ObservedAt       time.Time                    `json:"observed_at"`
	Fields           map[string]models.FieldValue `json:"fields"`
	SpecificityScore float64                      `json:"specificity_score"`
	SourcePriority   int                          `json:"source_priority"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid append request",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	subject, err := models.ParseSubjectKey(req.Subject)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	ownerID, err := domain.ParseOwnerID(req.OwnerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	sourceID, err := domain.ParseSourceID(req.SourceID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	appended, err := h.observations.Append(ctx, models.Observation{
		Subject:          subject,
		OwnerID:          ownerID,
		EntityType:       req.EntityType,
		SchemaVersion:    req.SchemaVersion,
		SourceID:         sourceID,
		ObservedAt:       req.ObservedAt,
		Fields:           req.Fields,
		SpecificityScore: req.SpecificityScore,
		SourcePriority:   req.SourcePriority,
	})
	if err != nil {
		h.logError(ctx, "failed to append observation", err)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusCreated, appended)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subject, err := models.ParseSubjectKey(chi.URLParam(r, "subject"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	query := r.URL.Query()
	if query.Has("limit") || query.Has("offset") {
		limit, err := intParam(query.Get("limit"), 100)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
		page, err := h.observations.Page(ctx, subject, limit, offset)
		if err != nil {
			h.logError(ctx, "failed to page observations", err)
			shared.WriteError(w, err)
			return
		}
		shared.WriteJSON(w, http.StatusOK, page)
		return
	}

	var upTo *time.Time
	if raw := query.Get("up_to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			shared.WriteError(w, dErrors.Newf(dErrors.CodeInvalidInput, "invalid up_to timestamp %q", raw))
			return
		}
		upTo = &parsed
	}

	observations, err := h.observations.List(ctx, subject, upTo)
	if err != nil {
		h.logError(ctx, "failed to list observations", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, observations)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subject, err := models.ParseSubjectKey(chi.URLParam(r, "subject"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	id, err := domain.ParseObservationID(chi.URLParam(r, "observationID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	obs, err := h.observations.Get(ctx, subject, id)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeNotFound) {
			h.logError(ctx, "failed to get observation", err)
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, obs)
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "invalid integer parameter %q", raw)
	}
	return n, nil
}
