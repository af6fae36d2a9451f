// Package reaper enforces data retention: old terminal runs and their
// progress snapshots, resolved data quality issues, aged audit entries,
// archived raw payloads past the run retention window, and idle per-host
// rate limiter state.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/config"
)

// Idle host buckets older than this are dropped from the outbound limiter.
const hostBucketMaxIdle = time.Hour

// RunPruner deletes aged terminal runs and reports their IDs.
type RunPruner interface {
	PruneTerminalRuns(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

// IssuePruner deletes resolved issues past the retention window.
type IssuePruner interface {
	PruneResolvedIssues(ctx context.Context, before time.Time) (int, error)
}

// AuditPruner deletes audit entries past the retention window.
type AuditPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// SnapshotRemover drops a durable progress snapshot by key.
type SnapshotRemover interface {
	Remove(key string)
}

// ArchivePruner removes archived raw payloads older than the cutoff.
type ArchivePruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// HostEvicter drops idle per-host rate limiter buckets.
type HostEvicter interface {
	Evict(maxIdle time.Duration) int
}

// Status reports what one reaper pass removed.
type Status struct {
	RunsPruned     int       `json:"runs_pruned"`
	IssuesPruned   int       `json:"issues_pruned"`
	AuditPruned    int       `json:"audit_pruned"`
	PayloadsPruned int       `json:"payloads_pruned"`
	HostsEvicted   int       `json:"hosts_evicted"`
	LastRun        time.Time `json:"last_run"`
}

// Reaper is the background retention daemon. Any dependency may be nil; the
// matching task is skipped.
type Reaper struct {
	cfg       config.RetentionConfig
	runs      RunPruner
	issues    IssuePruner
	audit     AuditPruner
	snapshots SnapshotRemover
	archive   ArchivePruner
	hosts     HostEvicter
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Reaper with the given retention config and dependencies.
func New(cfg config.RetentionConfig, runs RunPruner, issues IssuePruner, audit AuditPruner,
	snapshots SnapshotRemover, archive ArchivePruner, hosts HostEvicter) *Reaper {
	return &Reaper{
		cfg:       cfg,
		runs:      runs,
		issues:    issues,
		audit:     audit,
		snapshots: snapshots,
		archive:   archive,
		hosts:     hosts,
	}
}

// Start begins the background reaper goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// interval returns the ticker duration, clamping to a minimum of 1 minute
// with a default of 15 minutes.
func (r *Reaper) interval() time.Duration {
	interval := time.Duration(r.cfg.ReaperIntervalMinutes) * time.Minute
	if interval < time.Minute {
		interval = 15 * time.Minute
	}
	return interval
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunNow triggers a manual reaper pass and returns the resulting stats.
func (r *Reaper) RunNow(ctx context.Context) (*Status, error) {
	return r.tick(ctx), nil
}

// tick executes all retention tasks. Each task is isolated: a failure in one
// does not prevent the others from running.
func (r *Reaper) tick(ctx context.Context) *Status {
	now := time.Now().UTC()
	status := &Status{LastRun: now}

	r.safeRun("pruneRuns", func() {
		status.RunsPruned = r.pruneRuns(ctx, now)
	})
	r.safeRun("pruneIssues", func() {
		status.IssuesPruned = r.pruneIssues(ctx, now)
	})
	r.safeRun("pruneAudit", func() {
		status.AuditPruned = r.pruneAudit(ctx, now)
	})
	r.safeRun("pruneArchive", func() {
		status.PayloadsPruned = r.pruneArchive(ctx, now)
	})
	r.safeRun("evictHosts", func() {
		if r.hosts != nil {
			status.HostsEvicted = r.hosts.Evict(hostBucketMaxIdle)
		}
	})

	slog.Info("reaper: pass complete",
		"runs_pruned", status.RunsPruned,
		"issues_pruned", status.IssuesPruned,
		"audit_pruned", status.AuditPruned,
		"payloads_pruned", status.PayloadsPruned,
		"hosts_evicted", status.HostsEvicted,
	)
	return status
}

// pruneRuns deletes terminal runs past the max age, and their file snapshots.
func (r *Reaper) pruneRuns(ctx context.Context, now time.Time) int {
	if r.runs == nil || r.cfg.RunsMaxAgeDays <= 0 {
		return 0
	}

	cutoff := now.Add(-time.Duration(r.cfg.RunsMaxAgeDays) * 24 * time.Hour)
	ids, err := r.runs.PruneTerminalRuns(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to prune runs", "error", err)
		return 0
	}

	if r.snapshots != nil {
		for _, id := range ids {
			r.snapshots.Remove("run-" + id.String())
		}
	}
	return len(ids)
}

// pruneIssues deletes resolved issues past the retention window. Open issues
// are never touched.
func (r *Reaper) pruneIssues(ctx context.Context, now time.Time) int {
	if r.issues == nil || r.cfg.ResolvedIssuesMaxDays <= 0 {
		return 0
	}

	cutoff := now.Add(-time.Duration(r.cfg.ResolvedIssuesMaxDays) * 24 * time.Hour)
	count, err := r.issues.PruneResolvedIssues(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to prune resolved issues", "error", err)
		return 0
	}
	return count
}

// pruneAudit deletes audit entries older than the configured max age.
func (r *Reaper) pruneAudit(ctx context.Context, now time.Time) int {
	if r.audit == nil || r.cfg.AuditMaxAgeDays <= 0 {
		return 0
	}

	cutoff := now.Add(-time.Duration(r.cfg.AuditMaxAgeDays) * 24 * time.Hour)
	count, err := r.audit.Prune(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to prune audit log", "error", err)
		return 0
	}
	return count
}

// pruneArchive removes archived raw payloads older than the run retention
// window. A payload whose run is gone is unreachable anyway.
func (r *Reaper) pruneArchive(ctx context.Context, now time.Time) int {
	if r.archive == nil || r.cfg.RunsMaxAgeDays <= 0 {
		return 0
	}

	cutoff := now.Add(-time.Duration(r.cfg.RunsMaxAgeDays) * 24 * time.Hour)
	count, err := r.archive.PruneOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to prune payload archive", "error", err)
		return 0
	}
	return count
}

// safeRun executes fn with panic recovery to isolate task failures.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
