package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loon-data/loon/platform/internal/domain"
)

// HandleListScrapers returns every registered scraper descriptor, ordered the
// way the registry loads them (category, then id).
func (s *Server) HandleListScrapers(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		errorJSON(w, "scraper registry is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	descs := s.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"scrapers": descs,
		"total":    len(descs),
	})
}

// HandleGetScraper returns one descriptor by id.
func (s *Server) HandleGetScraper(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		errorJSON(w, "scraper registry is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	desc := s.Registry.Get(chi.URLParam(r, "scraperID"))
	if desc == nil {
		errorJSON(w, "scraper not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// HandleTriggerScraper submits a manual run for one scraper and returns the
// pending run record.
func (s *Server) HandleTriggerScraper(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		errorJSON(w, "manual triggering is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	handle, err := s.Triggers.Trigger(chi.URLParam(r, "scraperID"))
	if err != nil {
		if errors.Is(err, domain.ErrScraperNotFound) {
			errorJSON(w, "scraper not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		errorJSON(w, err.Error(), "SUBMIT_REFUSED", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusAccepted, handle.Run())
}

// HandleTriggerCategory submits manual runs for every scraper in a category.
func (s *Server) HandleTriggerCategory(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		errorJSON(w, "manual triggering is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	cat := chi.URLParam(r, "category")
	if !domain.ValidCategory(cat) {
		errorJSON(w, "unknown category", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	handles, err := s.Triggers.TriggerCategory(domain.Category(cat))
	if err != nil {
		errorJSON(w, err.Error(), "SUBMIT_REFUSED", http.StatusConflict)
		return
	}

	runs := make([]domain.ScrapingRun, 0, len(handles))
	for _, h := range handles {
		runs = append(runs, h.Run())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}
