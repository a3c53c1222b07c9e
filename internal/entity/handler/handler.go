// Package handler exposes identity resolution and merge over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	entityModel "verity/internal/entity/models"
	"verity/internal/entity/service"
	"verity/internal/platform/middleware"
	"verity/internal/transport/http/shared"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
	audit "verity/pkg/platform/audit"
)

// Service defines the entity operations the handler delegates to.
type Service interface {
	Resolve(ctx context.Context, owner domain.OwnerID, entityType, rawValue string) (service.ResolveResult, error)
	Merge(ctx context.Context, owner domain.OwnerID, from, to domain.EntityID) (*entityModel.Entity, error)
	Get(ctx context.Context, id domain.EntityID) (*entityModel.Entity, error)
}

// AuditLister reads the per-entity audit trail.
type AuditLister interface {
	List(ctx context.Context, entityID domain.EntityID) ([]audit.Event, error)
}

// Handler handles entity endpoints.
type Handler struct {
	logger   *slog.Logger
	entities Service
	trail    AuditLister
}

func New(entities Service, trail AuditLister, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, entities: entities, trail: trail}
}

// Register registers the entity routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(router chi.Router) {
		router.Use(middleware.Recovery(h.logger))
		router.Use(middleware.RequestID)
		router.Use(middleware.RequestTime)
		router.Use(middleware.Logger(h.logger))
		router.Use(middleware.Timeout(30 * time.Second))
		router.Use(middleware.ContentTypeJSON)
		router.Post("/entities/resolve", h.handleResolve)
		router.Post("/entities/merge", h.handleMerge)
		router.Get("/entities/{entityID}", h.handleGet)
		router.Get("/entities/{entityID}/audit", h.handleAudit)
	})
}

type resolveRequest struct {
	OwnerID    string `json:"owner_id"`
	EntityType string `json:"entity_type"`
	Value      string `json:"value"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	ownerID, err := domain.ParseOwnerID(req.OwnerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	result, err := h.entities.Resolve(ctx, ownerID, req.EntityType, req.Value)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeInvalidInput) {
			h.logError(ctx, "failed to resolve entity", err)
		}
		shared.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	shared.WriteJSON(w, status, result)
}

type mergeRequest struct {
	OwnerID  string `json:"owner_id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	ownerID, err := domain.ParseOwnerID(req.OwnerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	sourceID, err := domain.ParseEntityID(req.SourceID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	targetID, err := domain.ParseEntityID(req.TargetID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	merged, err := h.entities.Merge(ctx, ownerID, sourceID, targetID)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeConflict) && !dErrors.Is(err, dErrors.CodeNotFound) &&
			!dErrors.Is(err, dErrors.CodeInvalidInput) {
			h.logError(ctx, "failed to merge entities", err)
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, merged)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityID, err := domain.ParseEntityID(chi.URLParam(r, "entityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	entity, err := h.entities.Get(ctx, entityID)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeNotFound) {
			h.logError(ctx, "failed to get entity", err)
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, entity)
}

type auditEntry struct {
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityID, err := domain.ParseEntityID(chi.URLParam(r, "entityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	events, err := h.trail.List(ctx, entityID)
	if err != nil {
		h.logError(ctx, "failed to list audit events", err)
		shared.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events"))
		return
	}

	entries := make([]auditEntry, 0, len(events))
	for _, event := range events {
		entries = append(entries, auditEntry{
			Category:  string(event.Category),
			Action:    event.Action,
			Timestamp: event.Timestamp,
			Reason:    event.Reason,
			RequestID: event.RequestID,
			Details:   event.Details,
		})
	}
	shared.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}
