// Package handler exposes the batch ingestion endpoint.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"verity/internal/ingest"
	"verity/internal/platform/middleware"
	"verity/internal/transport/http/shared"
	"verity/pkg/domain"
	dErrors "verity/pkg/domain-errors"
)

// Service defines the ingestion pipeline the handler delegates to.
type Service interface {
	Submit(ctx context.Context, owner domain.OwnerID, items []ingest.Item) ([]ingest.Result, error)
}

// Handler handles the ingestion endpoint.
type Handler struct {
	logger *slog.Logger
	ingest Service
}

func New(ingestService Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, ingest: ingestService}
}

// Register registers the ingestion route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(router chi.Router) {
		router.Use(middleware.Recovery(h.logger))
		router.Use(middleware.RequestID)
		router.Use(middleware.RequestTime)
		router.Use(middleware.Logger(h.logger))
		router.Use(middleware.Timeout(60 * time.Second))
		router.Use(middleware.ContentTypeJSON)
		router.Post("/ingest", h.handleSubmit)
	})
}

type submitRequest struct {
	OwnerID string        `json:"owner_id"`
	Items   []ingest.Item `json:"items"`
}

// submitResponse reports per-item outcomes. On partial failure Results holds
// the items that landed and Error describes the first failure; already
// appended observations stay appended.
type submitResponse struct {
	Results []ingest.Result `json:"results"`
	Error   string          `json:"error,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	ownerID, err := domain.ParseOwnerID(req.OwnerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	results, err := h.ingest.Submit(ctx, ownerID, req.Items)
	if err != nil {
		if len(results) == 0 {
			if dErrors.CodeOf(err) == dErrors.CodeInternal {
				h.logError(ctx, "failed to ingest batch", err)
			}
			shared.WriteError(w, err)
			return
		}
		// Partial success: report what landed alongside the failure.
		h.logger.WarnContext(ctx, "batch ingested partially",
			"request_id", middleware.GetRequestID(ctx),
			"landed", len(results),
			"error", err.Error(),
		)
		shared.WriteJSON(w, shared.ToHTTPStatus(dErrors.CodeOf(err)), submitResponse{
			Results: results,
			Error:   err.Error(),
		})
		return
	}

	shared.WriteJSON(w, http.StatusOK, submitResponse{Results: results})
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}
