// Package ingest commits normalized entities to the store. It owns batching,
// the bill status monotonicity check, duplicate fingerprint merging, the
// store-unavailable circuit breaker, and soft deletion of representatives
// that stopped being observed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/cache"
	"github.com/loon-data/loon/platform/internal/domain"
)

// DefaultBatchSize is the commit granularity: one transaction per batch.
const DefaultBatchSize = 100

// Store-unavailable handling: retry with doubling delay until the budget is
// spent, then fail and hold new submissions off for the breaker window.
const (
	unavailableBaseDelay = 1 * time.Second
	unavailableBudget    = 60 * time.Second
	breakerWindow        = 30 * time.Second
)

// ErrStoreCircuitOpen is returned by the submit gate while the breaker is
// open after a store outage.
var ErrStoreCircuitOpen = errors.New("store circuit breaker is open")

// FieldChange records an overwritten field value for the audit log.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// UpsertResult reports what one entity upsert did. Unchanged means the
// natural key matched and the incoming content was identical, so no row
// was modified; such entities count toward Found but not Updated.
type UpsertResult struct {
	ID          uuid.UUID
	Created     bool
	Unchanged   bool
	Overwritten []FieldChange
}

// Tx is one atomic batch application. Implementations wrap a database
// transaction; the mock in tests wraps a map.
type Tx interface {
	UpsertRepresentative(ctx context.Context, jurisdictionID uuid.UUID, rep *domain.Representative) (UpsertResult, error)
	UpsertBill(ctx context.Context, jurisdictionID uuid.UUID, bill *domain.Bill) (UpsertResult, error)
	UpsertCommittee(ctx context.Context, jurisdictionID uuid.UUID, c *domain.Committee) (UpsertResult, error)
	UpsertEvent(ctx context.Context, jurisdictionID uuid.UUID, ev *domain.Event) (UpsertResult, error)
	UpsertVote(ctx context.Context, v *domain.Vote) error
	UpsertSponsorship(ctx context.Context, s *domain.Sponsorship) error
	UpsertMembership(ctx context.Context, m *domain.Membership) error

	GetBill(ctx context.Context, jurisdictionID uuid.UUID, number, session string) (*domain.Bill, error)
	FindRepresentative(ctx context.Context, jurisdictionID uuid.UUID, externalID string) (*domain.Representative, error)
	FindEvent(ctx context.Context, jurisdictionID uuid.UUID, externalID string) (*domain.Event, error)
	FindCommittee(ctx context.Context, jurisdictionID uuid.UUID, name string) (*domain.Committee, error)

	RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error
	RecordAudit(ctx context.Context, entry *domain.AuditEntry) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the persistence surface the pipeline writes through.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	JurisdictionByCode(ctx context.Context, code string) (*domain.Jurisdiction, error)

	// MarkMissed increments missed_runs for active representatives of the
	// jurisdiction not in observed, deactivating those that reach threshold,
	// and resets the counter for observed ones. Returns how many were
	// deactivated.
	MarkMissed(ctx context.Context, jurisdictionID uuid.UUID, observed []string, threshold int) (int, error)
}

// Pipeline is the single writer in front of the store.
type Pipeline struct {
	store         Store
	jurCache      *cache.Cache[string, domain.Jurisdiction]
	batchSize     int
	inactiveAfter int

	// Outage handling knobs, defaulted from the package constants and
	// shortened in tests.
	retryBase    time.Duration
	retryBudget  time.Duration
	breakerHold  time.Duration

	mu        sync.Mutex
	openUntil time.Time
}

// New creates a pipeline. inactiveAfter is how many consecutive unobserved
// runs deactivate a representative.
func New(store Store, inactiveAfter int) *Pipeline {
	if inactiveAfter <= 0 {
		inactiveAfter = 3
	}
	return &Pipeline{
		store:         store,
		jurCache:      cache.New[string, domain.Jurisdiction](cache.Options{TTL: 5 * time.Minute}),
		batchSize:     DefaultBatchSize,
		inactiveAfter: inactiveAfter,
		retryBase:     unavailableBaseDelay,
		retryBudget:   unavailableBudget,
		breakerHold:   breakerWindow,
	}
}

// SubmitGate is plugged into the executor pool: while the breaker is open,
// new runs are refused instead of queueing up against a dead store.
func (p *Pipeline) SubmitGate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Now().Before(p.openUntil) {
		return fmt.Errorf("%w until %s", ErrStoreCircuitOpen, p.openUntil.Format(time.RFC3339))
	}
	return nil
}

func (p *Pipeline) openBreaker() {
	p.mu.Lock()
	p.openUntil = time.Now().Add(p.breakerHold)
	p.mu.Unlock()
	slog.Warn("store unavailable, circuit breaker open", "window", p.breakerHold)
}

// Jurisdiction resolves a jurisdiction by code for a run's sink. Hits are
// cached briefly: every run of a jurisdiction asks, the answer rarely changes.
func (p *Pipeline) Jurisdiction(ctx context.Context, code string) (*domain.Jurisdiction, error) {
	if jur, ok := p.jurCache.Get(code); ok {
		return &jur, nil
	}
	jur, err := p.store.JurisdictionByCode(ctx, code)
	if err != nil || jur == nil {
		return jur, err
	}
	p.jurCache.Set(code, *jur)
	return jur, nil
}

// applyBatch runs fn inside one transaction with the failure ladder:
// retry once at half batch on transaction failure, treat store-unavailable
// with a bounded backoff, and report what finally happened.
//
// fn is handed the tx and the batch slice bounds to apply.
func (p *Pipeline) applyTx(ctx context.Context, fn func(tx Tx) error) error {
	deadline := time.Now().Add(p.retryBudget)
	delay := p.retryBase

	for {
		err := p.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStoreUnavailable) && domain.KindOf(err) != domain.ErrorStoreUnavailable {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			p.openBreaker()
			return fmt.Errorf("store unavailable after %s of retries: %w", p.retryBudget, err)
		}
		slog.Warn("store unavailable, backing off", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *Pipeline) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// OverrideBillStatus applies an operator-forced status change, bypassing the
// monotonicity check, and records the override in the audit log.
func (p *Pipeline) OverrideBillStatus(ctx context.Context, jurCode, number, session string, status domain.BillStatus, actor string) error {
	jur, err := p.store.JurisdictionByCode(ctx, jurCode)
	if err != nil {
		return err
	}
	if jur == nil {
		return fmt.Errorf("jurisdiction %q: %w", jurCode, domain.ErrNotFound)
	}
	return p.applyTx(ctx, func(tx Tx) error {
		bill, err := tx.GetBill(ctx, jur.ID, number, session)
		if err != nil {
			return err
		}
		if bill == nil {
			return fmt.Errorf("bill %s (%s) in %s: %w", number, session, jurCode, domain.ErrNotFound)
		}
		prev := bill.Status
		bill.Status = status
		if _, err := tx.UpsertBill(ctx, jur.ID, bill); err != nil {
			return err
		}
		detail, _ := jsonDetail(map[string]string{"from": string(prev), "to": string(status)})
		return tx.RecordAudit(ctx, &domain.AuditEntry{
			ID:        uuid.New(),
			Actor:     actor,
			Action:    "status_override",
			EntityRef: fmt.Sprintf("bill:%s/%s", jurCode, number),
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		})
	})
}
