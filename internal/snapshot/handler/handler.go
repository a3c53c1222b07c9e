// Package handler exposes snapshot and provenance reads over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"verity/internal/observation/models"
	"verity/internal/platform/middleware"
	"verity/internal/snapshot"
	"verity/internal/transport/http/shared"
	dErrors "verity/pkg/domain-errors"
)

// Service defines the snapshot reads the handler delegates to.
type Service interface {
	GetSnapshot(ctx context.Context, q snapshot.Query) (*snapshot.Snapshot, error)
	FieldProvenance(ctx context.Context, q snapshot.Query, field string) (*snapshot.FieldProvenance, error)
}

// Handler handles snapshot endpoints.
type Handler struct {
	logger    *slog.Logger
	snapshots Service
}

func New(snapshots Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, snapshots: snapshots}
}

// Register registers the snapshot routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(router chi.Router) {
		router.Use(middleware.Recovery(h.logger))
		router.Use(middleware.RequestID)
		router.Use(middleware.RequestTime)
		router.Use(middleware.Logger(h.logger))
		router.Use(middleware.Timeout(30 * time.Second))
		router.Get("/subjects/{subject}/snapshot", h.handleSnapshot)
		router.Get("/subjects/{subject}/provenance/{field}", h.handleProvenance)
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query, err := h.parseQuery(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	snap, err := h.snapshots.GetSnapshot(ctx, *query)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeSchemaUnknown) && !dErrors.Is(err, dErrors.CodeInvalidInput) {
			h.logError(ctx, "failed to compute snapshot", err)
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleProvenance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query, err := h.parseQuery(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	field := chi.URLParam(r, "field")

	provenance, err := h.snapshots.FieldProvenance(ctx, *query, field)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeNotFound) && !dErrors.Is(err, dErrors.CodeSchemaUnknown) &&
			!dErrors.Is(err, dErrors.CodeInvalidInput) {
			h.logError(ctx, "failed to compute provenance", err)
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, provenance)
}

func (h *Handler) parseQuery(r *http.Request) (*snapshot.Query, error) {
	subject, err := models.ParseSubjectKey(chi.URLParam(r, "subject"))
	if err != nil {
		return nil, err
	}

	values := r.URL.Query()
	query := snapshot.Query{
		Subject:       subject,
		SchemaType:    values.Get("schema_type"),
		SchemaVersion: values.Get("schema_version"),
	}
	if raw := values.Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid at timestamp %q", raw)
		}
		query.At = &at
	}
	return &query, nil
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}
