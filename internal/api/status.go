package api

import (
	"net/http"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/loon-data/loon/platform/internal/domain"
)

// StatusResponse is the platform snapshot returned by GET /api/v1/status.
type StatusResponse struct {
	Executor  ExecutorStatus         `json:"executor"`
	Session   *domain.LoadingSession `json:"session,omitempty"`
	Resources ResourceStatus         `json:"resources"`
}

// ExecutorStatus reports pool gauges.
type ExecutorStatus struct {
	Workers           int                     `json:"workers"`
	QueueDepth        int                     `json:"queue_depth"`
	RunningByCategory map[domain.Category]int `json:"running_by_category"`
}

// ResourceStatus reports process and host resource usage.
type ResourceStatus struct {
	Goroutines        int     `json:"goroutines"`
	HeapAllocBytes    uint64  `json:"heap_alloc_bytes"`
	HostMemoryPercent float64 `json:"host_memory_percent"`
}

// HandleStatus returns the current platform snapshot: executor gauges, the
// active loading session if any, and a resource summary.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{}

	if s.Pool != nil {
		resp.Executor = ExecutorStatus{
			Workers:           s.Pool.Workers(),
			QueueDepth:        s.Pool.QueueDepth(),
			RunningByCategory: s.Pool.RunningByCategory(),
		}
	}
	if s.Sessions != nil {
		resp.Session = s.Sessions.Active()
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	resp.Resources = ResourceStatus{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: memStats.HeapAlloc,
	}
	// Host memory is best-effort: a sandboxed process may not see it.
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.Resources.HostMemoryPercent = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, resp)
}
