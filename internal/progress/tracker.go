// Package progress is the durable progress tracker: every run and session
// transition is snapshotted to a file and mirrored to a row before the caller
// takes its next dependent action. On restart it is the source of truth.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
)

// orphanFactor: a non-terminal run older than this many timeouts is presumed
// dead from a crash of a previous process.
const orphanFactor = 2

// Store mirrors snapshots into relational rows and answers recovery queries.
type Store interface {
	UpsertRun(ctx context.Context, run *domain.ScrapingRun) error
	UpsertSession(ctx context.Context, session *domain.LoadingSession) error
	ListNonTerminalRuns(ctx context.Context) ([]domain.ScrapingRun, error)
	ListNonTerminalSessions(ctx context.Context) ([]domain.LoadingSession, error)
}

// IssueSink records issues found during recovery.
type IssueSink interface {
	RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error
}

// Tracker persists progress snapshots. File writes are atomic per key
// (write-to-temp then rename); the row mirror is a single upsert.
type Tracker struct {
	dir    string
	store  Store
	issues IssueSink
}

// NewTracker creates a tracker writing snapshots under dir. An empty dir
// disables file snapshots; store may be nil in tests.
func NewTracker(dir string, store Store, issues IssueSink) (*Tracker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create progress dir: %w", err)
		}
	}
	return &Tracker{dir: dir, store: store, issues: issues}, nil
}

// RunTransition persists one run state change, file first, then row.
func (t *Tracker) RunTransition(ctx context.Context, run *domain.ScrapingRun) error {
	if err := t.writeSnapshot("run-"+run.ID.String(), run); err != nil {
		return err
	}
	if t.store == nil {
		return nil
	}
	if err := t.store.UpsertRun(ctx, run); err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// SessionTransition persists a session change, phases included.
func (t *Tracker) SessionTransition(ctx context.Context, session *domain.LoadingSession) error {
	if err := t.writeSnapshot("session-"+session.ID.String(), session); err != nil {
		return err
	}
	if t.store == nil {
		return nil
	}
	if err := t.store.UpsertSession(ctx, session); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

// ReadRun loads a run snapshot from disk. Lock-free: the rename publishing a
// snapshot is atomic, so a reader sees either the old or the new version.
func (t *Tracker) ReadRun(id uuid.UUID) (*domain.ScrapingRun, error) {
	var run domain.ScrapingRun
	if err := t.readSnapshot("run-"+id.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ReadSession loads a session snapshot from disk.
func (t *Tracker) ReadSession(id uuid.UUID) (*domain.LoadingSession, error) {
	var session domain.LoadingSession
	if err := t.readSnapshot("session-"+id.String(), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Remove deletes the file snapshot for a key (retention, not correctness).
func (t *Tracker) Remove(key string) {
	if t.dir == "" {
		return
	}
	if err := os.Remove(filepath.Join(t.dir, key+".json")); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove progress snapshot", "key", key, "error", err)
	}
}

// Recovery is what a restart found: sessions to resume and runs that were
// still pending when the previous process died.
type Recovery struct {
	Sessions    []domain.LoadingSession
	PendingRuns []domain.ScrapingRun
	Orphaned    int
}

// Recover reconciles durable state after a restart. Non-terminal runs older
// than twice their scraper's timeout are marked failed and reported as
// timeout orphans; younger ones are returned for resubmission. timeoutFor
// maps a scraper id to its configured timeout.
func (t *Tracker) Recover(ctx context.Context, timeoutFor func(scraperID string) time.Duration) (*Recovery, error) {
	if t.store == nil {
		return &Recovery{}, nil
	}

	runs, err := t.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}

	rec := &Recovery{}
	now := time.Now().UTC()
	for i := range runs {
		run := runs[i]
		age := now.Sub(run.CreatedAt)
		if run.StartedAt != nil {
			age = now.Sub(*run.StartedAt)
		}
		if age > orphanFactor*timeoutFor(run.ScraperID) {
			t.orphanRun(ctx, &run, now)
			rec.Orphaned++
			continue
		}
		rec.PendingRuns = append(rec.PendingRuns, run)
	}

	sessions, err := t.store.ListNonTerminalSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	rec.Sessions = sessions

	slog.Info("progress recovery complete",
		"orphaned", rec.Orphaned, "pending", len(rec.PendingRuns), "sessions", len(rec.Sessions))
	return rec, nil
}

func (t *Tracker) orphanRun(ctx context.Context, run *domain.ScrapingRun, now time.Time) {
	run.Status = domain.RunFailed
	run.EndedAt = &now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	if err := t.RunTransition(ctx, run); err != nil {
		slog.Error("mark orphaned run failed", "run_id", run.ID, "error", err)
		return
	}
	if t.issues == nil {
		return
	}
	runID := run.ID
	issue := &domain.DataQualityIssue{
		RunID:       &runID,
		Severity:    domain.SeverityWarning,
		Kind:        domain.IssueTimeoutOrphan,
		Description: fmt.Sprintf("run for %s abandoned by a previous process, marked failed", run.ScraperID),
		DetectedAt:  now,
	}
	if err := t.issues.RecordIssue(ctx, issue); err != nil {
		slog.Warn("record orphan issue", "run_id", run.ID, "error", err)
	}
}

func (t *Tracker) writeSnapshot(key string, v any) error {
	if t.dir == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(t.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(t.dir, key+".json")); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) readSnapshot(key string, v any) error {
	if t.dir == "" {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(t.dir, key+".json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
