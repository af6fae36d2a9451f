package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/loader"
)

// PhasedStartRequest is the JSON body for POST /api/v1/phased/start.
type PhasedStartRequest struct {
	Strategy  string `json:"strategy,omitempty"`
	StartedBy string `json:"started_by,omitempty"`
}

// HandlePhasedStart begins a new phased loading session. A second start while
// one is active returns 409.
func (s *Server) HandlePhasedStart(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		errorJSON(w, "phased loading is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req PhasedStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	strategy := domain.StrategyBalanced
	if req.Strategy != "" {
		if !domain.ValidStrategy(req.Strategy) {
			errorJSON(w, "strategy must be conservative, balanced, or aggressive", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		strategy = domain.Strategy(req.Strategy)
	}
	startedBy := req.StartedBy
	if startedBy == "" {
		startedBy = "api"
	}

	session, err := s.Sessions.Start(r.Context(), strategy, startedBy)
	if errors.Is(err, domain.ErrSessionActive) {
		errorJSON(w, "a loading session is already active", "SESSION_ACTIVE", http.StatusConflict)
		return
	}
	if err != nil {
		internalError(w, "failed to start session", err)
		return
	}

	writeJSON(w, http.StatusAccepted, session)
}

// HandlePhasedPause stops new scraper starts; running ones finish.
func (s *Server) HandlePhasedPause(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func() error { return s.Sessions.Pause(r.Context()) })
}

// HandlePhasedResume reopens the gate after a pause.
func (s *Server) HandlePhasedResume(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func() error { return s.Sessions.Resume(r.Context()) })
}

// HandlePhasedSkip abandons the currently running phase.
func (s *Server) HandlePhasedSkip(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func() error { return s.Sessions.SkipPhase(r.Context()) })
}

// HandlePhasedCancel cancels the whole session, including in-flight runs.
func (s *Server) HandlePhasedCancel(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func() error { return s.Sessions.CancelSession(r.Context()) })
}

// sessionAction runs one loader control operation and maps its errors to the
// envelope. On success the fresh session snapshot is returned.
func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, fn func() error) {
	if s.Sessions == nil {
		errorJSON(w, "phased loading is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	err := fn()
	switch {
	case errors.Is(err, loader.ErrNoActiveSession):
		errorJSON(w, "no active loading session", "NO_ACTIVE_SESSION", http.StatusConflict)
		return
	case errors.Is(err, loader.ErrNotPaused):
		errorJSON(w, "session is not paused", "NOT_PAUSED", http.StatusConflict)
		return
	case err != nil:
		internalError(w, "session operation failed", err)
		return
	}

	session := s.Sessions.Active()
	if session == nil {
		// Terminal right after the action (cancel of the last phase).
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}
