package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags:
//
//	go build -ldflags "-X api.Version=1.4.0 -X api.GitCommit=abc1234 -X api.BuildTime=2026-08-24T12:00:00Z"
var (
	Version   = "dev"     // Semantic version
	GitCommit = "unknown" // Git commit SHA
	BuildTime = "unknown" // ISO 8601 build timestamp
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (Ping, BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe. Always returns 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks all registered dependencies and returns 200 when
// all are healthy, 503 otherwise. Each check runs with a 2s timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()

	// No dependencies configured, still ready (dev mode with no DB/S3).
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// HandleHealth is the backward-compatible health endpoint, aliasing liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.S3Health != nil {
		checkers["archive"] = s.S3Health
	}
	return checkers
}

// HandleMetrics returns basic application metrics in Prometheus text
// exposition format, suitable for scraping.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP loond_info Build information about loond.\n")
	fmt.Fprintf(w, "# TYPE loond_info gauge\n")
	fmt.Fprintf(w, "loond_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP loond_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE loond_goroutines gauge\n")
	fmt.Fprintf(w, "loond_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP loond_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE loond_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "loond_memory_alloc_bytes %d\n", memStats.Alloc)

	if s.Pool != nil {
		fmt.Fprintf(w, "# HELP loond_queue_depth Runs waiting in the executor queue.\n")
		fmt.Fprintf(w, "# TYPE loond_queue_depth gauge\n")
		fmt.Fprintf(w, "loond_queue_depth %d\n", s.Pool.QueueDepth())

		fmt.Fprintf(w, "# HELP loond_workers Executor worker count.\n")
		fmt.Fprintf(w, "# TYPE loond_workers gauge\n")
		fmt.Fprintf(w, "loond_workers %d\n", s.Pool.Workers())

		fmt.Fprintf(w, "# HELP loond_running_by_category Running scrapers per category.\n")
		fmt.Fprintf(w, "# TYPE loond_running_by_category gauge\n")
		for cat, n := range s.Pool.RunningByCategory() {
			fmt.Fprintf(w, "loond_running_by_category{category=%q} %d\n", cat, n)
		}
	}

	if s.SSELimiter != nil {
		fmt.Fprintf(w, "# HELP loond_sse_connections_active Current number of active SSE connections.\n")
		fmt.Fprintf(w, "# TYPE loond_sse_connections_active gauge\n")
		fmt.Fprintf(w, "loond_sse_connections_active %d\n", s.SSELimiter.GlobalCount())
	}
}
