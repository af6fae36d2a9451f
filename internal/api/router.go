// Package api is the loond control plane: a JSON HTTP API plus an SSE status
// stream, mounted under /api/v1. Handlers talk to the executor pool, the
// phased loader, the scheduler, and the Postgres stores through narrow
// interfaces so tests can swap in fakes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/executor"
	"github.com/loon-data/loon/platform/internal/postgres"
	"github.com/loon-data/loon/platform/internal/reaper"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation  = "VALIDATION"   // request data failed validation
	ErrorTypeNotFound    = "NOT_FOUND"    // requested resource does not exist
	ErrorTypeConflict    = "CONFLICT"     // request conflicts with current state
	ErrorTypeRateLimit   = "RATE_LIMIT"   // too many requests
	ErrorTypeInternal    = "INTERNAL"     // unexpected server error
	ErrorTypeUnavailable = "UNAVAILABLE"  // dependency not available
)

// APIError is the structured JSON error envelope returned by every error
// response: {"error": {"code", "type", "message", "retry_after_seconds?"}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the envelope.
type APIErrorDetail struct {
	Code              string `json:"code"`
	Type              string `json:"type,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// format so clients only handle one shape.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// rateLimitError writes a 429 envelope carrying retry_after_seconds.
func rateLimitError(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{
			Code:              "RESOURCE_EXHAUSTED",
			Type:              ErrorTypeRateLimit,
			Message:           message,
			RetryAfterSeconds: retryAfter,
		},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON
// error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// parseLimit reads ?limit= with a default and upper bound.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RunReader lists and fetches scraping runs.
type RunReader interface {
	ListRuns(ctx context.Context, f postgres.RunFilter) ([]domain.ScrapingRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*domain.ScrapingRun, error)
}

// IssueReader lists and resolves data quality issues.
type IssueReader interface {
	ListIssues(ctx context.Context, f postgres.IssueFilter) ([]domain.DataQualityIssue, error)
	ResolveIssue(ctx context.Context, id uuid.UUID) (bool, error)
}

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, entityPrefix string, limit int) ([]domain.AuditEntry, error)
}

// Registry answers scraper descriptor lookups.
type Registry interface {
	List() []domain.ScraperDescriptor
	Get(id string) *domain.ScraperDescriptor
}

// Trigger submits on-demand runs outside the phased loader.
type Trigger interface {
	Trigger(id string) (*executor.RunHandle, error)
	TriggerCategory(cat domain.Category) ([]*executor.RunHandle, error)
}

// SessionController drives the phased loader.
type SessionController interface {
	Start(ctx context.Context, strategy domain.Strategy, startedBy string) (domain.LoadingSession, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SkipPhase(ctx context.Context) error
	CancelSession(ctx context.Context) error
	Active() *domain.LoadingSession
}

// PoolStats exposes executor pool gauges for the status endpoint.
type PoolStats interface {
	QueueDepth() int
	Workers() int
	RunningByCategory() map[domain.Category]int
}

// BillOverrider applies operator-forced bill status changes.
type BillOverrider interface {
	OverrideBillStatus(ctx context.Context, jurCode, number, session string, status domain.BillStatus, actor string) error
}

// ReaperRunner triggers a manual retention pass.
type ReaperRunner interface {
	RunNow(ctx context.Context) (*reaper.Status, error)
}

// Server holds dependencies for all API handlers. Optional dependencies are
// nil-checked in handlers; the matching endpoints return 503.
type Server struct {
	Runs     RunReader
	Issues   IssueReader
	Auth     func(http.Handler) http.Handler // Applied to /api/v1. Nil = no authentication.
	Audit    AuditReader
	Registry Registry
	Triggers Trigger
	Sessions SessionController
	Pool     PoolStats
	Bills    BillOverrider
	Reaper   ReaperRunner
	Hub      *Hub

	CORSOrigins []string         // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	RateLimit   *RateLimitConfig // Per-IP rate limiting. Nil disables.
	SSELimiter  *SSELimiter      // Concurrent SSE connection limiter. Nil = default limiter.

	DBHealth HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	S3Health HealthChecker // Archive health check (BucketExists). Nil = skip.

	// RateLimiterStop is populated by NewRouter when rate limiting is enabled.
	RateLimiterStop func()
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter()
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health (unauthenticated, outside /api/v1).
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}

		r.Get("/status", srv.HandleStatus)
		r.Get("/status/stream", srv.HandleStatusStream)

		r.Post("/phased/start", srv.HandlePhasedStart)
		r.Post("/phased/pause", srv.HandlePhasedPause)
		r.Post("/phased/resume", srv.HandlePhasedResume)
		r.Post("/phased/skip", srv.HandlePhasedSkip)
		r.Post("/phased/cancel", srv.HandlePhasedCancel)

		r.Get("/scrapers", srv.HandleListScrapers)
		r.Get("/scrapers/{scraperID}", srv.HandleGetScraper)
		r.Post("/scrapers/{scraperID}/trigger", srv.HandleTriggerScraper)
		r.Post("/categories/{category}/trigger", srv.HandleTriggerCategory)

		r.Get("/runs", srv.HandleListRuns)
		r.Get("/runs/{runID}", srv.HandleGetRun)

		r.Get("/issues", srv.HandleListIssues)
		r.Post("/issues/{issueID}/resolve", srv.HandleResolveIssue)

		r.Get("/audit", srv.HandleListAudit)
		r.Post("/bills/status-override", srv.HandleBillStatusOverride)
		r.Post("/retention/reap", srv.HandleReapNow)
	})

	return r
}
