package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loon-data/loon/platform/internal/domain"
)

// AuditStore persists the append-only audit log. Batch transactions write
// field overwrites through civicTx; this store serves operator actions and
// the list endpoint.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Record appends one audit entry.
func (s *AuditStore) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, entity_ref, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Actor, entry.Action, entry.EntityRef, entry.Detail)
	if err != nil {
		return storeErr(fmt.Errorf("insert audit entry: %w", err))
	}
	return nil
}

// List returns entries newest first, optionally narrowed by entity_ref prefix.
func (s *AuditStore) List(ctx context.Context, entityPrefix string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, actor, action, entity_ref, detail, created_at FROM audit_log`
	args := []any{limit}
	if entityPrefix != "" {
		args = append(args, entityPrefix+"%")
		query += " WHERE entity_ref LIKE $2"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list audit entries: %w", err))
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityRef, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Detail = detail
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the cutoff.
func (s *AuditStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, storeErr(fmt.Errorf("prune audit entries: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
