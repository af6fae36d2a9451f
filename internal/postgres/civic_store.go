package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/ingest"
)

// CivicStore is the store adapter behind the ingest pipeline. All civic
// entity writes flow through its transactions.
type CivicStore struct {
	pool *pgxpool.Pool
}

// NewCivicStore creates a CivicStore backed by the given pool.
func NewCivicStore(pool *pgxpool.Pool) *CivicStore {
	return &CivicStore{pool: pool}
}

// Begin opens one batch transaction.
func (s *CivicStore) Begin(ctx context.Context) (ingest.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr(fmt.Errorf("begin batch tx: %w", err))
	}
	return &civicTx{tx: tx}, nil
}

// JurisdictionByCode returns the jurisdiction with the code, or nil.
func (s *CivicStore) JurisdictionByCode(ctx context.Context, code string) (*domain.Jurisdiction, error) {
	var j domain.Jurisdiction
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, code, name, parent_code, division_id, website_url, created_at, updated_at
		 FROM jurisdictions WHERE code = $1`, code).
		Scan(&j.ID, &j.Kind, &j.Code, &j.Name, &j.ParentCode, &j.DivisionID, &j.WebsiteURL, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("get jurisdiction %s: %w", code, err))
	}
	return &j, nil
}

// UpsertJurisdiction creates or refreshes a jurisdiction by code.
func (s *CivicStore) UpsertJurisdiction(ctx context.Context, j *domain.Jurisdiction) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jurisdictions (id, kind, code, name, parent_code, division_id, website_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			parent_code = COALESCE(EXCLUDED.parent_code, jurisdictions.parent_code),
			website_url = COALESCE(EXCLUDED.website_url, jurisdictions.website_url),
			updated_at = now()
		 RETURNING id, created_at, updated_at`,
		uuid.New(), j.Kind, j.Code, j.Name, j.ParentCode, j.DivisionID, j.WebsiteURL).
		Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return storeErr(fmt.Errorf("upsert jurisdiction %s: %w", j.Code, err))
	}
	return nil
}

// ListJurisdictions returns all jurisdictions ordered by code.
func (s *CivicStore) ListJurisdictions(ctx context.Context) ([]domain.Jurisdiction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, code, name, parent_code, division_id, website_url, created_at, updated_at
		 FROM jurisdictions ORDER BY code`)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list jurisdictions: %w", err))
	}
	defer rows.Close()

	var out []domain.Jurisdiction
	for rows.Next() {
		var j domain.Jurisdiction
		if err := rows.Scan(&j.ID, &j.Kind, &j.Code, &j.Name, &j.ParentCode, &j.DivisionID, &j.WebsiteURL, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan jurisdiction: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkMissed advances the soft-delete counters after a representatives run:
// observed ids reset, unobserved active ones accrue a miss, and those at the
// threshold go inactive.
func (s *CivicStore) MarkMissed(ctx context.Context, jurisdictionID uuid.UUID, observed []string, threshold int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr(fmt.Errorf("begin mark-missed tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`UPDATE representatives SET missed_runs = 0, updated_at = now()
		 WHERE jurisdiction_id = $1 AND external_id = ANY($2) AND missed_runs > 0`,
		jurisdictionID, observed); err != nil {
		return 0, storeErr(fmt.Errorf("reset missed counters: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE representatives SET missed_runs = missed_runs + 1, updated_at = now()
		 WHERE jurisdiction_id = $1 AND active AND NOT (external_id = ANY($2))`,
		jurisdictionID, observed); err != nil {
		return 0, storeErr(fmt.Errorf("advance missed counters: %w", err))
	}

	tag, err := tx.Exec(ctx,
		`UPDATE representatives SET active = false, updated_at = now()
		 WHERE jurisdiction_id = $1 AND active AND missed_runs >= $2`,
		jurisdictionID, threshold)
	if err != nil {
		return 0, storeErr(fmt.Errorf("deactivate missed representatives: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr(fmt.Errorf("commit mark-missed tx: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// IntegrityCheck runs the validation phase's quality queries and returns one
// issue per finding. Read-only.
func (s *CivicStore) IntegrityCheck(ctx context.Context) ([]domain.DataQualityIssue, error) {
	now := time.Now().UTC()
	var issues []domain.DataQualityIssue

	// Active representatives with no usable name.
	rows, err := s.pool.Query(ctx,
		`SELECT j.code, r.external_id FROM representatives r
		 JOIN jurisdictions j ON j.id = r.jurisdiction_id
		 WHERE r.active AND r.given_name = '' AND r.family_name = ''`)
	if err != nil {
		return nil, storeErr(fmt.Errorf("check nameless representatives: %w", err))
	}
	for rows.Next() {
		var code, ext string
		if err := rows.Scan(&code, &ext); err != nil {
			rows.Close()
			return nil, err
		}
		ref := fmt.Sprintf("representative:%s/%s", code, ext)
		issues = append(issues, domain.DataQualityIssue{
			Severity:    domain.SeverityWarning,
			Kind:        domain.IssueMissingRequiredField,
			Description: "active representative has no name",
			EntityRef:   &ref,
			DetectedAt:  now,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Votes attached to events that are not vote events.
	rows, err = s.pool.Query(ctx,
		`SELECT DISTINCT j.code, e.external_id
		 FROM votes v
		 JOIN events e ON e.id = v.event_id
		 JOIN jurisdictions j ON j.id = e.jurisdiction_id
		 WHERE e.category <> 'vote'`)
	if err != nil {
		return nil, storeErr(fmt.Errorf("check vote event categories: %w", err))
	}
	for rows.Next() {
		var code, ext string
		if err := rows.Scan(&code, &ext); err != nil {
			rows.Close()
			return nil, err
		}
		ref := fmt.Sprintf("event:%s/%s", code, ext)
		issues = append(issues, domain.DataQualityIssue{
			Severity:    domain.SeverityInfo,
			Kind:        domain.IssueUnknownClassification,
			Description: "votes recorded against a non-vote event",
			EntityRef:   &ref,
			DetectedAt:  now,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Bills untouched for six months while still mid-progression.
	rows, err = s.pool.Query(ctx,
		`SELECT j.code, b.number, b.session
		 FROM bills b
		 JOIN jurisdictions j ON j.id = b.jurisdiction_id
		 WHERE b.status NOT IN ('passed', 'royal_assent', 'failed', 'withdrawn')
		   AND b.updated_at < now() - INTERVAL '180 days'`)
	if err != nil {
		return nil, storeErr(fmt.Errorf("check stale bills: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var code, number, session string
		if err := rows.Scan(&code, &number, &session); err != nil {
			return nil, err
		}
		ref := fmt.Sprintf("bill:%s/%s/%s", code, number, session)
		issues = append(issues, domain.DataQualityIssue{
			Severity:    domain.SeverityInfo,
			Kind:        domain.IssueStaleRecord,
			Description: "bill has not been updated in 180 days",
			EntityRef:   &ref,
			DetectedAt:  now,
		})
	}
	return issues, rows.Err()
}

// civicTx implements ingest.Tx over one pgx transaction.
type civicTx struct {
	tx pgx.Tx
}

func (t *civicTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return storeErr(fmt.Errorf("commit batch: %w", err))
	}
	return nil
}

func (t *civicTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// UpsertRepresentative matches on (jurisdiction_id, external_id), updating
// non-identity fields where the incoming value is non-null and reporting
// overwritten scalar values for the audit log. When the incoming content
// would land identically, the row is left untouched and the result says so.
func (t *civicTx) UpsertRepresentative(ctx context.Context, jurisdictionID uuid.UUID, rep *domain.Representative) (ingest.UpsertResult, error) {
	var (
		res      ingest.UpsertResult
		existing domain.Representative
		contact  []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, given_name, family_name, role, party, district,
			contact, photo_url, biography, term_start, term_end, active, missed_runs
		 FROM representatives
		 WHERE jurisdiction_id = $1 AND external_id = $2
		 FOR UPDATE`,
		jurisdictionID, rep.ExternalID).
		Scan(&existing.ID, &existing.GivenName, &existing.FamilyName, &existing.Role,
			&existing.Party, &existing.District, &contact, &existing.PhotoURL,
			&existing.Biography, &existing.TermStart, &existing.TermEnd,
			&existing.Active, &existing.MissedRuns)

	if errors.Is(err, pgx.ErrNoRows) {
		id := uuid.New()
		_, err := t.tx.Exec(ctx,
			`INSERT INTO representatives
				(id, jurisdiction_id, external_id, given_name, family_name, role, party, district,
				 contact, photo_url, biography, term_start, term_end, active, missed_runs)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, true, 0)`,
			id, jurisdictionID, rep.ExternalID, rep.GivenName, rep.FamilyName, rep.Role,
			rep.Party, rep.District, jsonb(rep.Contact), rep.PhotoURL, rep.Biography,
			rep.TermStart, rep.TermEnd)
		if err != nil {
			return res, storeErr(fmt.Errorf("insert representative %s: %w", rep.ExternalID, err))
		}
		return ingest.UpsertResult{ID: id, Created: true}, nil
	}
	if err != nil {
		return res, storeErr(fmt.Errorf("lock representative %s: %w", rep.ExternalID, err))
	}
	fromJSONB(contact, &existing.Contact)

	res.ID = existing.ID
	if !representativeChanged(&existing, rep) {
		res.Unchanged = true
		return res, nil
	}
	res.Overwritten = appendChange(res.Overwritten, "role", string(existing.Role), string(rep.Role))
	res.Overwritten = appendChangePtr(res.Overwritten, "party", existing.Party, rep.Party)
	res.Overwritten = appendChangePtr(res.Overwritten, "district", existing.District, rep.District)

	_, err = t.tx.Exec(ctx,
		`UPDATE representatives SET
			given_name = CASE WHEN $3 <> '' THEN $3 ELSE given_name END,
			family_name = CASE WHEN $4 <> '' THEN $4 ELSE family_name END,
			role = $5,
			party = COALESCE($6, party),
			district = COALESCE($7, district),
			contact = COALESCE($8, contact),
			photo_url = COALESCE($9, photo_url),
			biography = COALESCE($10, biography),
			term_start = COALESCE($11, term_start),
			term_end = COALESCE($12, term_end),
			active = true,
			missed_runs = 0,
			updated_at = now()
		 WHERE jurisdiction_id = $1 AND external_id = $2`,
		jurisdictionID, rep.ExternalID, rep.GivenName, rep.FamilyName, rep.Role,
		rep.Party, rep.District, jsonb(rep.Contact), rep.PhotoURL, rep.Biography,
		rep.TermStart, rep.TermEnd)
	if err != nil {
		return res, storeErr(fmt.Errorf("update representative %s: %w", rep.ExternalID, err))
	}
	return res, nil
}

// UpsertBill matches on (jurisdiction_id, number, session). The caller has
// already enforced the status progression.
func (t *civicTx) UpsertBill(ctx context.Context, jurisdictionID uuid.UUID, bill *domain.Bill) (ingest.UpsertResult, error) {
	var (
		res         ingest.UpsertResult
		existing    domain.Bill
		statusDates []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, title, summary, full_text, status, status_dates FROM bills
		 WHERE jurisdiction_id = $1 AND number = $2 AND session = $3
		 FOR UPDATE`,
		jurisdictionID, bill.Number, bill.Session).
		Scan(&res.ID, &existing.Title, &existing.Summary, &existing.FullText,
			&existing.Status, &statusDates)

	if errors.Is(err, pgx.ErrNoRows) {
		id := uuid.New()
		_, err := t.tx.Exec(ctx,
			`INSERT INTO bills (id, jurisdiction_id, number, session, title, summary, full_text, status, status_dates)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, jurisdictionID, bill.Number, bill.Session, bill.Title, bill.Summary,
			bill.FullText, bill.Status, jsonb(bill.StatusDates))
		if err != nil {
			return res, storeErr(fmt.Errorf("insert bill %s: %w", bill.Number, err))
		}
		return ingest.UpsertResult{ID: id, Created: true}, nil
	}
	if err != nil {
		return res, storeErr(fmt.Errorf("lock bill %s: %w", bill.Number, err))
	}
	fromJSONB(statusDates, &existing.StatusDates)

	if !billChanged(&existing, bill) {
		res.Unchanged = true
		return res, nil
	}
	res.Overwritten = appendChange(res.Overwritten, "status", string(existing.Status), string(bill.Status))
	_, err = t.tx.Exec(ctx,
		`UPDATE bills SET
			title = CASE WHEN $4 <> '' THEN $4 ELSE title END,
			summary = COALESCE($5, summary),
			full_text = COALESCE($6, full_text),
			status = $7,
			status_dates = COALESCE($8, status_dates),
			updated_at = now()
		 WHERE jurisdiction_id = $1 AND number = $2 AND session = $3`,
		jurisdictionID, bill.Number, bill.Session, bill.Title, bill.Summary,
		bill.FullText, bill.Status, jsonb(bill.StatusDates))
	if err != nil {
		return res, storeErr(fmt.Errorf("update bill %s: %w", bill.Number, err))
	}
	return res, nil
}

func (t *civicTx) UpsertCommittee(ctx context.Context, jurisdictionID uuid.UUID, c *domain.Committee) (ingest.UpsertResult, error) {
	var res ingest.UpsertResult
	var inserted bool
	err := t.tx.QueryRow(ctx,
		`INSERT INTO committees (id, jurisdiction_id, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (jurisdiction_id, name) DO UPDATE SET updated_at = now()
		 RETURNING id, (xmax = 0)`,
		uuid.New(), jurisdictionID, c.Name).Scan(&res.ID, &inserted)
	if err != nil {
		return res, storeErr(fmt.Errorf("upsert committee %s: %w", c.Name, err))
	}
	res.Created = inserted
	// A committee carries nothing but its name, so a conflict hit is
	// always identical content.
	res.Unchanged = !inserted
	return res, nil
}

func (t *civicTx) UpsertEvent(ctx context.Context, jurisdictionID uuid.UUID, ev *domain.Event) (ingest.UpsertResult, error) {
	var res ingest.UpsertResult
	var inserted bool
	err := t.tx.QueryRow(ctx,
		`INSERT INTO events (id, jurisdiction_id, external_id, category, date, bill_id, committee_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (jurisdiction_id, external_id) DO UPDATE SET
			category = EXCLUDED.category,
			date = EXCLUDED.date,
			bill_id = COALESCE(EXCLUDED.bill_id, events.bill_id),
			committee_id = COALESCE(EXCLUDED.committee_id, events.committee_id),
			updated_at = now()
		 WHERE (events.category, events.date, events.bill_id, events.committee_id) IS DISTINCT FROM
			(EXCLUDED.category, EXCLUDED.date,
			 COALESCE(EXCLUDED.bill_id, events.bill_id),
			 COALESCE(EXCLUDED.committee_id, events.committee_id))
		 RETURNING id, (xmax = 0)`,
		uuid.New(), jurisdictionID, ev.ExternalID, ev.Category, ev.Date, ev.BillID, ev.CommitteeID).
		Scan(&res.ID, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with identical content: the guarded update touched no row.
		err = t.tx.QueryRow(ctx,
			`SELECT id FROM events WHERE jurisdiction_id = $1 AND external_id = $2`,
			jurisdictionID, ev.ExternalID).Scan(&res.ID)
		if err != nil {
			return res, storeErr(fmt.Errorf("resolve unchanged event %s: %w", ev.ExternalID, err))
		}
		res.Unchanged = true
		return res, nil
	}
	if err != nil {
		return res, storeErr(fmt.Errorf("upsert event %s: %w", ev.ExternalID, err))
	}
	res.Created = inserted
	return res, nil
}

func (t *civicTx) UpsertVote(ctx context.Context, v *domain.Vote) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO votes (event_id, representative_id, result)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id, representative_id) DO UPDATE SET result = EXCLUDED.result`,
		v.EventID, v.RepresentativeID, v.Result)
	if err != nil {
		return storeErr(fmt.Errorf("upsert vote: %w", err))
	}
	return nil
}

func (t *civicTx) UpsertSponsorship(ctx context.Context, sp *domain.Sponsorship) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sponsorships (bill_id, representative_id, is_primary)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bill_id, representative_id) DO UPDATE SET is_primary = EXCLUDED.is_primary`,
		sp.BillID, sp.RepresentativeID, sp.IsPrimary)
	if err != nil {
		return storeErr(fmt.Errorf("upsert sponsorship: %w", err))
	}
	return nil
}

func (t *civicTx) UpsertMembership(ctx context.Context, m *domain.Membership) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO memberships (committee_id, representative_id, role, start_date, end_date)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (committee_id, representative_id) DO UPDATE SET
			role = EXCLUDED.role,
			start_date = COALESCE(EXCLUDED.start_date, memberships.start_date),
			end_date = COALESCE(EXCLUDED.end_date, memberships.end_date)`,
		m.CommitteeID, m.RepresentativeID, m.Role, m.StartDate, m.EndDate)
	if err != nil {
		return storeErr(fmt.Errorf("upsert membership: %w", err))
	}
	return nil
}

// GetBill returns a bill by number, scoped to a session when given, or the
// most recent session otherwise. Nil when absent.
func (t *civicTx) GetBill(ctx context.Context, jurisdictionID uuid.UUID, number, session string) (*domain.Bill, error) {
	query := `SELECT id, jurisdiction_id, number, session, title, summary, full_text, status, status_dates, created_at, updated_at
		 FROM bills WHERE jurisdiction_id = $1 AND number = $2`
	args := []any{jurisdictionID, number}
	if session != "" {
		query += ` AND session = $3`
		args = append(args, session)
	} else {
		query += ` ORDER BY session DESC LIMIT 1`
	}

	var b domain.Bill
	var statusDates []byte
	err := t.tx.QueryRow(ctx, query, args...).
		Scan(&b.ID, &b.JurisdictionID, &b.Number, &b.Session, &b.Title, &b.Summary,
			&b.FullText, &b.Status, &statusDates, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("get bill %s: %w", number, err))
	}
	fromJSONB(statusDates, &b.StatusDates)
	return &b, nil
}

func (t *civicTx) FindRepresentative(ctx context.Context, jurisdictionID uuid.UUID, externalID string) (*domain.Representative, error) {
	var r domain.Representative
	var contact []byte
	err := t.tx.QueryRow(ctx,
		`SELECT id, jurisdiction_id, external_id, given_name, family_name, role, party, district,
			contact, photo_url, biography, term_start, term_end, active, missed_runs, created_at, updated_at
		 FROM representatives WHERE jurisdiction_id = $1 AND external_id = $2`,
		jurisdictionID, externalID).
		Scan(&r.ID, &r.JurisdictionID, &r.ExternalID, &r.GivenName, &r.FamilyName, &r.Role,
			&r.Party, &r.District, &contact, &r.PhotoURL, &r.Biography, &r.TermStart,
			&r.TermEnd, &r.Active, &r.MissedRuns, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("find representative %s: %w", externalID, err))
	}
	fromJSONB(contact, &r.Contact)
	return &r, nil
}

func (t *civicTx) FindEvent(ctx context.Context, jurisdictionID uuid.UUID, externalID string) (*domain.Event, error) {
	var e domain.Event
	err := t.tx.QueryRow(ctx,
		`SELECT id, jurisdiction_id, external_id, category, date, bill_id, committee_id, created_at, updated_at
		 FROM events WHERE jurisdiction_id = $1 AND external_id = $2`,
		jurisdictionID, externalID).
		Scan(&e.ID, &e.JurisdictionID, &e.ExternalID, &e.Category, &e.Date, &e.BillID,
			&e.CommitteeID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("find event %s: %w", externalID, err))
	}
	return &e, nil
}

func (t *civicTx) FindCommittee(ctx context.Context, jurisdictionID uuid.UUID, name string) (*domain.Committee, error) {
	var c domain.Committee
	err := t.tx.QueryRow(ctx,
		`SELECT id, jurisdiction_id, name, created_at, updated_at
		 FROM committees WHERE jurisdiction_id = $1 AND name = $2`,
		jurisdictionID, name).
		Scan(&c.ID, &c.JurisdictionID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Errorf("find committee %s: %w", name, err))
	}
	return &c, nil
}

func (t *civicTx) RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO data_quality_issues (id, run_id, severity, kind, description, entity_ref, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		issue.ID, issue.RunID, issue.Severity, issue.Kind, issue.Description, issue.EntityRef, issue.DetectedAt)
	if err != nil {
		return storeErr(fmt.Errorf("insert issue: %w", err))
	}
	return nil
}

func (t *civicTx) RecordAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, entity_ref, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Actor, entry.Action, entry.EntityRef, entry.Detail)
	if err != nil {
		return storeErr(fmt.Errorf("insert audit entry: %w", err))
	}
	return nil
}

// representativeChanged mirrors the update statement's merge semantics:
// empty strings and nil pointers leave the stored value in place, so only
// an incoming value that would land differently counts as a change. An
// inactive or previously missed row always counts, because the update
// reactivates it.
func representativeChanged(existing, rep *domain.Representative) bool {
	switch {
	case rep.GivenName != "" && rep.GivenName != existing.GivenName,
		rep.FamilyName != "" && rep.FamilyName != existing.FamilyName,
		rep.Role != existing.Role,
		ptrChanged(existing.Party, rep.Party),
		ptrChanged(existing.District, rep.District),
		ptrChanged(existing.PhotoURL, rep.PhotoURL),
		ptrChanged(existing.Biography, rep.Biography),
		timeChanged(existing.TermStart, rep.TermStart),
		timeChanged(existing.TermEnd, rep.TermEnd),
		!existing.Active,
		existing.MissedRuns != 0:
		return true
	}
	return !bytes.Equal(jsonb(existing.Contact), jsonb(rep.Contact))
}

// billChanged mirrors UpsertBill's update statement the same way.
func billChanged(existing, bill *domain.Bill) bool {
	switch {
	case bill.Title != "" && bill.Title != existing.Title,
		bill.Status != existing.Status,
		ptrChanged(existing.Summary, bill.Summary),
		ptrChanged(existing.FullText, bill.FullText):
		return true
	}
	return !bytes.Equal(jsonb(existing.StatusDates), jsonb(bill.StatusDates))
}

func ptrChanged(old, new_ *string) bool {
	return new_ != nil && (old == nil || *old != *new_)
}

func timeChanged(old, new_ *time.Time) bool {
	return new_ != nil && (old == nil || !old.Equal(*new_))
}

func appendChange(changes []ingest.FieldChange, field, old, new_ string) []ingest.FieldChange {
	if old != "" && new_ != "" && old != new_ {
		return append(changes, ingest.FieldChange{Field: field, Old: old, New: new_})
	}
	return changes
}

func appendChangePtr(changes []ingest.FieldChange, field string, old, new_ *string) []ingest.FieldChange {
	if old != nil && new_ != nil && *old != *new_ {
		return append(changes, ingest.FieldChange{Field: field, Old: *old, New: *new_})
	}
	return changes
}
