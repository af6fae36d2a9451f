package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/postgres"
)

// HandleListRuns returns recent runs, newest first. Filters: ?scraper_id=,
// ?status=, ?session_id=, ?limit=.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		errorJSON(w, "run history is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	filter := postgres.RunFilter{
		ScraperID: r.URL.Query().Get("scraper_id"),
		Limit:     parseLimit(r, 100, 500),
	}

	if v := r.URL.Query().Get("status"); v != "" {
		if !domain.ValidRunStatus(v) {
			errorJSON(w, "unknown run status", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Status = domain.RunStatus(v)
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errorJSON(w, "session_id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.SessionID = &id
	}

	runs, err := s.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []domain.ScrapingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

// HandleGetRun returns a single run by ID.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		errorJSON(w, "run history is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	run, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get run", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
