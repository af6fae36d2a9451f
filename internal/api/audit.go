package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loon-data/loon/platform/internal/domain"
)

// HandleListAudit returns audit entries, newest first. ?entity= filters by
// entity_ref prefix (e.g. "bill:ca" matches every federal bill).
func (s *Server) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		errorJSON(w, "audit log is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	entries, err := s.Audit.List(r.Context(), r.URL.Query().Get("entity"), parseLimit(r, 100, 500))
	if err != nil {
		internalError(w, "failed to list audit entries", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// BillOverrideRequest is the JSON body for POST /api/v1/bills/status-override.
type BillOverrideRequest struct {
	Jurisdiction string `json:"jurisdiction"`
	Number       string `json:"number"`
	Session      string `json:"session,omitempty"` // empty = most recent session
	Status       string `json:"status"`
	Actor        string `json:"actor"`
}

// HandleBillStatusOverride forces a bill status, bypassing the monotonicity
// check. The override is written to the audit log.
func (s *Server) HandleBillStatusOverride(w http.ResponseWriter, r *http.Request) {
	if s.Bills == nil {
		errorJSON(w, "bill overrides are not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req BillOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Jurisdiction == "" || req.Number == "" {
		errorJSON(w, "jurisdiction and number are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidBillStatus(req.Status) {
		errorJSON(w, "unknown bill status", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		errorJSON(w, "actor is required so the override can be audited", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	err := s.Bills.OverrideBillStatus(r.Context(), req.Jurisdiction, req.Number, req.Session,
		domain.BillStatus(req.Status), req.Actor)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to override bill status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReapNow triggers a manual retention pass and returns its stats.
func (s *Server) HandleReapNow(w http.ResponseWriter, r *http.Request) {
	if s.Reaper == nil {
		errorJSON(w, "retention is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	status, err := s.Reaper.RunNow(r.Context())
	if err != nil {
		internalError(w, "retention pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
