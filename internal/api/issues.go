package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/postgres"
)

// HandleListIssues returns data quality issues, newest first. Filters:
// ?severity=, ?kind=, ?run_id=, ?unresolved=true, ?limit=.
func (s *Server) HandleListIssues(w http.ResponseWriter, r *http.Request) {
	if s.Issues == nil {
		errorJSON(w, "issue tracking is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	filter := postgres.IssueFilter{
		Unresolved: r.URL.Query().Get("unresolved") == "true",
		Limit:      parseLimit(r, 100, 500),
	}

	if v := r.URL.Query().Get("severity"); v != "" {
		if !domain.ValidIssueSeverity(v) {
			errorJSON(w, "unknown issue severity", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Severity = domain.IssueSeverity(v)
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		if !domain.ValidIssueKind(v) {
			errorJSON(w, "unknown issue kind", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Kind = domain.IssueKind(v)
	}
	if v := r.URL.Query().Get("run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errorJSON(w, "run_id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.RunID = &id
	}

	issues, err := s.Issues.ListIssues(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list issues", err)
		return
	}
	if issues == nil {
		issues = []domain.DataQualityIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issues": issues,
		"total":  len(issues),
	})
}

// HandleResolveIssue marks an open issue resolved. Resolving twice is a 409.
func (s *Server) HandleResolveIssue(w http.ResponseWriter, r *http.Request) {
	if s.Issues == nil {
		errorJSON(w, "issue tracking is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		errorJSON(w, "issue id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	resolved, err := s.Issues.ResolveIssue(r.Context(), id)
	if err != nil {
		internalError(w, "failed to resolve issue", err)
		return
	}
	if !resolved {
		errorJSON(w, "issue not found or already resolved", "NOT_RESOLVABLE", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
