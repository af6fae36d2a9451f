package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loon-data/loon/platform/internal/domain"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	ScraperID string
	Status    domain.RunStatus
	SessionID *uuid.UUID
	Limit     int
}

// RunStore persists scraping runs and loading sessions. It backs the progress
// tracker's durable row writes and the control plane's list endpoints, and
// publishes change notifications so status streams stay current across
// instances.
type RunStore struct {
	pool *pgxpool.Pool
	bus  EventBus
}

// NewRunStore creates a RunStore. bus may be nil to skip notifications.
func NewRunStore(pool *pgxpool.Pool, bus EventBus) *RunStore {
	return &RunStore{pool: pool, bus: bus}
}

const runColumns = `id, scraper_id, jurisdiction, category, session_id, status, attempt,
	started_at, ended_at, records_found, records_new, records_updated,
	errors_count, error_log, summary, created_at`

// UpsertRun writes the run row and notifies run_updated.
func (s *RunStore) UpsertRun(ctx context.Context, run *domain.ScrapingRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scraping_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			records_found = EXCLUDED.records_found,
			records_new = EXCLUDED.records_new,
			records_updated = EXCLUDED.records_updated,
			errors_count = EXCLUDED.errors_count,
			error_log = EXCLUDED.error_log,
			summary = EXCLUDED.summary`,
		run.ID, run.ScraperID, run.Jurisdiction, run.Category, run.SessionID,
		run.Status, run.Attempt, run.StartedAt, run.EndedAt, run.RecordsFound,
		run.RecordsNew, run.RecordsUpdated, run.ErrorsCount, []byte(run.ErrorLog),
		run.Summary, run.CreatedAt)
	if err != nil {
		return storeErr(fmt.Errorf("upsert run %s: %w", run.ID, err))
	}

	if s.bus != nil {
		payload := RunEventPayload{
			RunID:     run.ID.String(),
			ScraperID: run.ScraperID,
			Status:    string(run.Status),
			Attempt:   run.Attempt,
		}
		if err := s.bus.Publish(ctx, ChannelRunUpdated, payload); err != nil {
			// Notification loss is tolerable; the row is the source of truth.
			return nil
		}
	}
	return nil
}

// GetRun returns one run, or nil when absent.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.ScrapingRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM scraping_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("get run %s: %w", id, err))
	}
	return run, nil
}

// ListRuns returns runs newest first, narrowed by the filter.
func (s *RunStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.ScrapingRun, error) {
	query := `SELECT ` + runColumns + ` FROM scraping_runs WHERE true`
	var args []any
	if f.ScraperID != "" {
		args = append(args, f.ScraperID)
		query += fmt.Sprintf(" AND scraper_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.SessionID != nil {
		args = append(args, *f.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()

	var out []domain.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ListNonTerminalRuns returns runs that have not reached a terminal status.
// Crash recovery scans these at startup.
func (s *RunStore) ListNonTerminalRuns(ctx context.Context) ([]domain.ScrapingRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM scraping_runs
		 WHERE status IN ($1, $2)`,
		domain.RunPending, domain.RunRunning)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list non-terminal runs: %w", err))
	}
	defer rows.Close()

	var out []domain.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// PruneTerminalRuns deletes terminal runs older than the cutoff and returns
// the IDs removed so the caller can drop matching progress snapshots.
func (s *RunStore) PruneTerminalRuns(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM scraping_runs
		 WHERE ended_at IS NOT NULL AND ended_at < $1
		   AND status IN ($2, $3, $4, $5, $6)
		 RETURNING id`,
		before, domain.RunSuccess, domain.RunFailed, domain.RunTimeout,
		domain.RunSkipped, domain.RunCancelled)
	if err != nil {
		return nil, storeErr(fmt.Errorf("prune terminal runs: %w", err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pruned run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertSession writes the session row plus its phase rows and notifies
// session_updated.
func (s *RunStore) UpsertSession(ctx context.Context, session *domain.LoadingSession) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(fmt.Errorf("begin session tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO loading_sessions (id, strategy, started_by, status, started_at, ended_at, paused_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			paused_at = EXCLUDED.paused_at`,
		session.ID, session.Strategy, session.StartedBy, session.Status,
		session.StartedAt, session.EndedAt, session.PausedAt)
	if err != nil {
		return storeErr(fmt.Errorf("upsert session %s: %w", session.ID, err))
	}

	for _, ph := range session.Phases {
		_, err = tx.Exec(ctx,
			`INSERT INTO session_phases (session_id, kind, status, started_at, ended_at, scraper_ids, progress, eta_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, kind) DO UPDATE SET
				status = EXCLUDED.status,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at,
				scraper_ids = EXCLUDED.scraper_ids,
				progress = EXCLUDED.progress,
				eta_seconds = EXCLUDED.eta_seconds`,
			session.ID, ph.Kind, ph.Status, ph.StartedAt, ph.EndedAt,
			ph.ScraperIDs, ph.Progress, ph.ETASeconds)
		if err != nil {
			return storeErr(fmt.Errorf("upsert phase %s/%s: %w", session.ID, ph.Kind, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr(fmt.Errorf("commit session tx: %w", err))
	}

	if s.bus != nil {
		payload := SessionEventPayload{
			SessionID: session.ID.String(),
			Status:    string(session.Status),
		}
		if ph := activePhase(session.Phases); ph != "" {
			payload.Phase = string(ph)
		}
		_ = s.bus.Publish(ctx, ChannelSessionUpdated, payload)
	}
	return nil
}

// GetSession returns one session with its phases, or nil when absent.
func (s *RunStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.LoadingSession, error) {
	var sess domain.LoadingSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, strategy, started_by, status, started_at, ended_at, paused_at
		 FROM loading_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Strategy, &sess.StartedBy, &sess.Status,
			&sess.StartedAt, &sess.EndedAt, &sess.PausedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("get session %s: %w", id, err))
	}
	if sess.Phases, err = s.sessionPhases(ctx, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListNonTerminalSessions returns sessions that could still be resumed.
func (s *RunStore) ListNonTerminalSessions(ctx context.Context) ([]domain.LoadingSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy, started_by, status, started_at, ended_at, paused_at
		 FROM loading_sessions WHERE status IN ($1, $2)`,
		domain.SessionRunning, domain.SessionPaused)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list non-terminal sessions: %w", err))
	}
	defer rows.Close()

	var out []domain.LoadingSession
	for rows.Next() {
		var sess domain.LoadingSession
		if err := rows.Scan(&sess.ID, &sess.Strategy, &sess.StartedBy, &sess.Status,
			&sess.StartedAt, &sess.EndedAt, &sess.PausedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Phases, err = s.sessionPhases(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RunStore) sessionPhases(ctx context.Context, sessionID uuid.UUID) ([]domain.Phase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, kind, status, started_at, ended_at, scraper_ids, progress, eta_seconds
		 FROM session_phases WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list phases for %s: %w", sessionID, err))
	}
	defer rows.Close()

	byKind := make(map[domain.PhaseKind]domain.Phase)
	for rows.Next() {
		var ph domain.Phase
		if err := rows.Scan(&ph.SessionID, &ph.Kind, &ph.Status, &ph.StartedAt,
			&ph.EndedAt, &ph.ScraperIDs, &ph.Progress, &ph.ETASeconds); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		byKind[ph.Kind] = ph
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Return phases in canonical execution order.
	var phases []domain.Phase
	for _, kind := range domain.PhaseOrder {
		if ph, ok := byKind[kind]; ok {
			phases = append(phases, ph)
		}
	}
	return phases, nil
}

func activePhase(phases []domain.Phase) domain.PhaseKind {
	for _, ph := range phases {
		if ph.Status == domain.PhaseRunning {
			return ph.Kind
		}
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.ScrapingRun, error) {
	var run domain.ScrapingRun
	var errorLog []byte
	err := row.Scan(&run.ID, &run.ScraperID, &run.Jurisdiction, &run.Category,
		&run.SessionID, &run.Status, &run.Attempt, &run.StartedAt, &run.EndedAt,
		&run.RecordsFound, &run.RecordsNew, &run.RecordsUpdated, &run.ErrorsCount,
		&errorLog, &run.Summary, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.ErrorLog = errorLog
	return &run, nil
}
