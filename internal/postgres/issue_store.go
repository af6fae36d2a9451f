package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loon-data/loon/platform/internal/domain"
)

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	Severity   domain.IssueSeverity
	Kind       domain.IssueKind
	RunID      *uuid.UUID
	Unresolved bool
	Limit      int
}

// IssueStore persists data quality issues. The executor pool, scheduler,
// progress tracker and ingest pipeline all record through it.
type IssueStore struct {
	pool *pgxpool.Pool
	bus  EventBus
}

// NewIssueStore creates an IssueStore. bus may be nil to skip notifications.
func NewIssueStore(pool *pgxpool.Pool, bus EventBus) *IssueStore {
	return &IssueStore{pool: pool, bus: bus}
}

// RecordIssue inserts one issue and notifies issue_recorded.
func (s *IssueStore) RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO data_quality_issues (id, run_id, severity, kind, description, entity_ref, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		issue.ID, issue.RunID, issue.Severity, issue.Kind, issue.Description,
		issue.EntityRef, issue.DetectedAt)
	if err != nil {
		return storeErr(fmt.Errorf("insert issue: %w", err))
	}

	if s.bus != nil {
		payload := IssueEventPayload{
			IssueID:  issue.ID.String(),
			Severity: string(issue.Severity),
			Kind:     string(issue.Kind),
		}
		if issue.RunID != nil {
			payload.RunID = issue.RunID.String()
		}
		_ = s.bus.Publish(ctx, ChannelIssueRecorded, payload)
	}
	return nil
}

// ListIssues returns issues newest first, narrowed by the filter.
func (s *IssueStore) ListIssues(ctx context.Context, f IssueFilter) ([]domain.DataQualityIssue, error) {
	query := `SELECT id, run_id, severity, kind, description, entity_ref, detected_at, resolved_at
		 FROM data_quality_issues WHERE true`
	var args []any
	if f.Severity != "" {
		args = append(args, f.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.RunID != nil {
		args = append(args, *f.RunID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if f.Unresolved {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY detected_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list issues: %w", err))
	}
	defer rows.Close()

	var out []domain.DataQualityIssue
	for rows.Next() {
		var is domain.DataQualityIssue
		if err := rows.Scan(&is.ID, &is.RunID, &is.Severity, &is.Kind,
			&is.Description, &is.EntityRef, &is.DetectedAt, &is.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// ResolveIssue stamps resolved_at. Returns false if the issue was absent or
// already resolved.
func (s *IssueStore) ResolveIssue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_quality_issues SET resolved_at = now()
		 WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return false, storeErr(fmt.Errorf("resolve issue %s: %w", id, err))
	}
	return tag.RowsAffected() > 0, nil
}

// PruneResolvedIssues deletes issues resolved before the cutoff.
func (s *IssueStore) PruneResolvedIssues(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM data_quality_issues
		 WHERE resolved_at IS NOT NULL AND resolved_at < $1`, before)
	if err != nil {
		return 0, storeErr(fmt.Errorf("prune resolved issues: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
