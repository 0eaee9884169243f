// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumovan/skystage-clone-sub001/internal/auth"
)

// HTTPHandlers exposes the job-control, status and export surfaces.
type HTTPHandlers struct {
	service       *SyncService
	store         Store
	authenticator AdminAuthenticator
	analytics     AnalyticsSink
	logger        *slog.Logger
}

func NewHTTPHandlers(service *SyncService, store Store, authenticator AdminAuthenticator,
	analytics AnalyticsSink, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	return &HTTPHandlers{
		service:       service,
		store:         store,
		authenticator: authenticator,
		analytics:     analytics,
		logger:        logger.With("component", "http"),
	}
}

// Routes mounts every handler on a chi router.
func (h *HTTPHandlers) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Get("/formations/{formationID}/export", h.HandleExport)
	r.Route("/admin/sync", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/start", h.HandleStartSync)
		r.Get("/jobs", h.HandleRecentSyncJobs)
		r.Get("/jobs/{jobID}", h.HandleSyncStatus)
		r.Post("/jobs/{jobID}/cancel", h.HandleCancelSync)
	})
}

// requireAdmin authenticates the request and stashes the admin identity in
// the context.
func (h *HTTPHandlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticator.UserID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.SetUserID(r.Context(), userID)))
	})
}

type startSyncRequest struct {
	SyncType string `json:"sync_type"`
}

type startSyncResponse struct {
	SyncJobID string `json:"sync_job_id"`
}

// HandleStartSync kicks off a background sync run and returns the job id
// immediately; callers poll the status endpoint.
func (h *HTTPHandlers) HandleStartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse sync request")
			return
		}
	}
	userID, _ := auth.GetUserID(r.Context())

	jobID, err := h.service.StartSync(r.Context(), SyncOptions{
		SyncType:  req.SyncType,
		CreatedBy: userID,
	})
	if err != nil {
		h.logger.Error("failed to start sync", "error", err, "user_id", userID)
		h.writeError(w, http.StatusBadRequest, "sync_start_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, startSyncResponse{SyncJobID: jobID})
}

// HandleSyncStatus returns a well-formed SyncJob snapshot; per-item errors
// are data inside it, not HTTP failures.
func (h *HTTPHandlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.service.GetSyncStatus(r.Context(), jobID)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "sync job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load sync job", "job_id", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "failed to load sync job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *HTTPHandlers) HandleRecentSyncJobs(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}
	jobs, err := h.service.GetRecentSyncJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sync jobs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list sync jobs")
		return
	}
	if jobs == nil {
		jobs = []*SyncJob{}
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

func (h *HTTPHandlers) HandleCancelSync(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !h.service.CancelSync(jobID) {
		h.writeError(w, http.StatusNotFound, "not_found", "no running job with that id")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleExport streams one formation in the requested output format.
func (h *HTTPHandlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	formationID := chi.URLParam(r, "formationID")
	f, err := h.store.FormationByID(r.Context(), formationID)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "formation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load formation", "formation_id", formationID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "export_failed", "failed to load formation")
		return
	}

	opts := ExportOptions{
		Format:           r.URL.Query().Get("format"),
		CoordinateSystem: r.URL.Query().Get("coordinate_system"),
		CenterOrigin:     r.URL.Query().Get("center_origin") == "true",
	}
	if v := r.URL.Query().Get("scale_factor"); v != "" {
		scale, err := strconv.ParseFloat(v, 64)
		if err != nil || scale <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "scale_factor must be a positive number")
			return
		}
		opts.ScaleFactor = scale
	}

	result, err := ExportFormation(f, opts)
	if errors.Is(err, ErrNoFormationData) {
		h.writeError(w, http.StatusUnprocessableEntity, "no_formation_data", err.Error())
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "export_failed", err.Error())
		return
	}

	h.analytics.RecordEvent(r.Context(), AnalyticsEvent{
		EventType:  "formation_exported",
		EntityType: "formation",
		EntityID:   f.ID,
		Metadata:   map[string]any{"format": result.Metadata.Format},
	})

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		h.logger.Error("failed to write export payload", "formation_id", formationID, "error", err)
	}
}

func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
