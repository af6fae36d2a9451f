package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/normalize"
)

// RunStats is what one run's ingestion committed.
type RunStats struct {
	Found       int
	New         int
	Updated     int
	Deactivated int
}

// RunSink accumulates normalized results for one run and flushes them in
// batches of up to batchSize entities per transaction.
type RunSink struct {
	p     *Pipeline
	runID uuid.UUID
	jur   domain.Jurisdiction

	batch        pendingBatch
	fingerprints map[string]*normalize.RepresentativeRecord
	observed     []string
	sawReps      bool
	stats        RunStats
}

type pendingBatch struct {
	committees []*domain.Committee
	reps       []*normalize.RepresentativeRecord
	bills      []*normalize.BillRecord
	events     []*normalize.EventRecord
	votes      []*normalize.VoteRecord
	issues     []domain.DataQualityIssue
	entities   int
}

func (b *pendingBatch) empty() bool { return b.entities == 0 && len(b.issues) == 0 }

// NewRunSink opens a sink for one run against a jurisdiction.
func (p *Pipeline) NewRunSink(runID uuid.UUID, jur domain.Jurisdiction) *RunSink {
	return &RunSink{
		p:            p,
		runID:        runID,
		jur:          jur,
		fingerprints: make(map[string]*normalize.RepresentativeRecord),
	}
}

// Stats returns a snapshot of what has been committed so far.
func (s *RunSink) Stats() RunStats { return s.stats }

// Add buffers one normalization result, flushing when the batch is full.
func (s *RunSink) Add(ctx context.Context, res normalize.Result) error {
	s.batch.issues = append(s.batch.issues, res.Issues...)

	switch {
	case res.Representative != nil:
		s.addRepresentative(res.Representative)
	case res.Bill != nil:
		s.batch.bills = append(s.batch.bills, res.Bill)
		s.batch.entities++
	case res.Committee != nil:
		s.batch.committees = append(s.batch.committees, res.Committee)
		s.batch.entities++
	case res.Event != nil:
		s.batch.events = append(s.batch.events, res.Event)
		s.batch.entities++
	case res.Vote != nil:
		s.batch.votes = append(s.batch.votes, res.Vote)
		s.batch.entities++
	}

	if s.batch.entities >= s.p.batchSize {
		return s.flush(ctx)
	}
	return nil
}

// addRepresentative applies the same-run duplicate fingerprint rule: the
// second candidate with a fingerprint merges into the first (fields union)
// and is reported, not stored separately.
func (s *RunSink) addRepresentative(rec *normalize.RepresentativeRecord) {
	s.sawReps = true
	s.observed = append(s.observed, rec.ExternalID)

	fp := fingerprint(rec.GivenName+" "+rec.FamilyName, rec.District, s.jur.Code)
	if first, ok := s.fingerprints[fp]; ok {
		mergeRepresentative(first, rec)
		ref := "representative:" + s.jur.Code + "/" + first.ExternalID
		s.batch.issues = append(s.batch.issues, domain.DataQualityIssue{
			RunID:    &s.runID,
			Severity: domain.SeverityWarning,
			Kind:     domain.IssueDuplicateCollision,
			Description: fmt.Sprintf("representative %q duplicates %q by fingerprint, merged",
				rec.ExternalID, first.ExternalID),
			EntityRef:  &ref,
			DetectedAt: time.Now().UTC(),
		})
		// Re-queue the merged first so the union lands even if the original
		// batch already flushed. Upserts are idempotent.
		s.batch.reps = append(s.batch.reps, first)
		s.batch.entities++
		return
	}
	s.fingerprints[fp] = rec
	s.batch.reps = append(s.batch.reps, rec)
	s.batch.entities++
}

// Close flushes the remainder and applies the soft-delete pass.
func (s *RunSink) Close(ctx context.Context) (RunStats, error) {
	if err := s.flush(ctx); err != nil {
		return s.stats, err
	}
	if s.sawReps {
		n, err := s.p.store.MarkMissed(ctx, s.jur.ID, s.observed, s.p.inactiveAfter)
		if err != nil {
			slog.Warn("soft-delete pass failed", "jurisdiction", s.jur.Code, "error", err)
		} else {
			s.stats.Deactivated = n
			if n > 0 {
				slog.Info("representatives deactivated", "jurisdiction", s.jur.Code, "count", n)
			}
		}
	}
	return s.stats, nil
}

// flush commits the buffered batch: whole, then once at half size, then the
// run fails with a critical persistence issue.
func (s *RunSink) flush(ctx context.Context) error {
	if s.batch.empty() {
		return nil
	}
	batch := s.batch
	s.batch = pendingBatch{}

	err := s.commitBatch(ctx, &batch)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if domain.KindOf(err) == domain.ErrorStoreUnavailable || errors.Is(err, domain.ErrStoreUnavailable) {
		// The backoff budget is already spent; halving won't help an outage.
		return s.persistenceFailure(ctx, err)
	}

	slog.Warn("batch commit failed, retrying at half size", "entities", batch.entities, "error", err)
	first, second := splitBatch(&batch)
	if err1 := s.commitBatch(ctx, first); err1 != nil {
		return s.persistenceFailure(ctx, err1)
	}
	if err2 := s.commitBatch(ctx, second); err2 != nil {
		return s.persistenceFailure(ctx, err2)
	}
	return nil
}

// commitBatch applies one batch in one transaction, folding its counters
// into the run stats only after the commit succeeds.
func (s *RunSink) commitBatch(ctx context.Context, b *pendingBatch) error {
	var st RunStats
	if err := s.p.applyTx(ctx, func(tx Tx) error {
		st = RunStats{}
		return s.applyBatch(ctx, tx, b, &st)
	}); err != nil {
		return err
	}
	s.stats.Found += st.Found
	s.stats.New += st.New
	s.stats.Updated += st.Updated
	return nil
}

func (s *RunSink) persistenceFailure(ctx context.Context, cause error) error {
	issue := &domain.DataQualityIssue{
		RunID:       &s.runID,
		Severity:    domain.SeverityCritical,
		Kind:        domain.IssuePersistenceFailure,
		Description: fmt.Sprintf("batch commit failed twice: %v", cause),
		DetectedAt:  time.Now().UTC(),
	}
	// Best effort in its own transaction; the store may still be the problem.
	if err := s.p.runTx(ctx, func(tx Tx) error { return tx.RecordIssue(ctx, issue) }); err != nil {
		slog.Error("record persistence failure issue", "run_id", s.runID, "error", err)
	}
	return domain.Classifyf(domain.ErrorIntegrity, "persistence failure: %v", cause)
}

// applyBatch writes one batch in dependency order inside a transaction.
func (s *RunSink) applyBatch(ctx context.Context, tx Tx, b *pendingBatch, st *RunStats) error {
	committeeIDs := make(map[string]uuid.UUID)
	repIDs := make(map[string]uuid.UUID)
	billIDs := make(map[string]uuid.UUID)
	eventIDs := make(map[string]uuid.UUID)

	var deferredIssues []domain.DataQualityIssue
	var audits []domain.AuditEntry

	record := func(res UpsertResult, ref string) {
		switch {
		case res.Created:
			st.New++
		case !res.Unchanged:
			st.Updated++
		}
		for _, ch := range res.Overwritten {
			detail, _ := jsonDetail(ch)
			audits = append(audits, domain.AuditEntry{
				ID:        uuid.New(),
				Actor:     "run:" + s.runID.String(),
				Action:    "field_overwrite",
				EntityRef: ref,
				Detail:    detail,
				CreatedAt: time.Now().UTC(),
			})
		}
	}

	for _, c := range b.committees {
		res, err := tx.UpsertCommittee(ctx, s.jur.ID, c)
		if err != nil {
			return err
		}
		committeeIDs[c.Name] = res.ID
		record(res, "committee:"+s.jur.Code+"/"+c.Name)
	}

	for _, rec := range b.reps {
		rep := rec.Representative
		res, err := tx.UpsertRepresentative(ctx, s.jur.ID, &rep)
		if err != nil {
			return err
		}
		repIDs[rep.ExternalID] = res.ID
		record(res, "representative:"+s.jur.Code+"/"+rep.ExternalID)

		for _, name := range rec.Committees {
			cid, err := s.resolveCommittee(ctx, tx, committeeIDs, name)
			if err != nil {
				return err
			}
			if err := tx.UpsertMembership(ctx, &domain.Membership{
				CommitteeID:      cid,
				RepresentativeID: res.ID,
				Role:             "member",
			}); err != nil {
				return err
			}
		}
	}

	for _, bl := range b.bills {
		bill := bl.Bill
		existing, err := tx.GetBill(ctx, s.jur.ID, bill.Number, bill.Session)
		if err != nil {
			return err
		}
		ref := "bill:" + s.jur.Code + "/" + bill.Number
		if existing != nil && !domain.BillStatusForward(existing.Status, bill.Status) {
			deferredIssues = append(deferredIssues, domain.DataQualityIssue{
				RunID:    &s.runID,
				Severity: domain.SeverityError,
				Kind:     domain.IssueStaleRecord,
				Description: fmt.Sprintf("bill %s status regression %s → %s rejected",
					bill.Number, existing.Status, bill.Status),
				EntityRef:  &ref,
				DetectedAt: time.Now().UTC(),
			})
			billIDs[bill.Number] = existing.ID
			continue
		}
		res, err := tx.UpsertBill(ctx, s.jur.ID, &bill)
		if err != nil {
			return err
		}
		billIDs[bill.Number] = res.ID
		record(res, ref)

		for i, ext := range bl.SponsorExternalIDs {
			rid, ok, err := s.resolveRepresentative(ctx, tx, repIDs, ext)
			if err != nil {
				return err
			}
			if !ok {
				deferredIssues = append(deferredIssues, missingReferent(s.runID, ref,
					fmt.Sprintf("sponsor %q not found for bill %s", ext, bill.Number)))
				continue
			}
			if err := tx.UpsertSponsorship(ctx, &domain.Sponsorship{
				BillID:           res.ID,
				RepresentativeID: rid,
				IsPrimary:        i == 0,
			}); err != nil {
				return err
			}
		}
	}

	for _, er := range b.events {
		ev := er.Event
		ref := "event:" + s.jur.Code + "/" + ev.ExternalID
		if er.BillNumber != "" {
			if id, ok := billIDs[er.BillNumber]; ok {
				ev.BillID = &id
			} else if existing, err := tx.GetBill(ctx, s.jur.ID, er.BillNumber, ""); err != nil {
				return err
			} else if existing != nil {
				ev.BillID = &existing.ID
			} else {
				deferredIssues = append(deferredIssues, missingReferent(s.runID, ref,
					fmt.Sprintf("bill %q not found for event %s", er.BillNumber, ev.ExternalID)))
			}
		}
		if er.CommitteeName != "" {
			cid, err := s.resolveCommittee(ctx, tx, committeeIDs, er.CommitteeName)
			if err != nil {
				return err
			}
			ev.CommitteeID = &cid
		}
		res, err := tx.UpsertEvent(ctx, s.jur.ID, &ev)
		if err != nil {
			return err
		}
		eventIDs[ev.ExternalID] = res.ID
		record(res, ref)
	}

	for _, v := range b.votes {
		ref := "vote:" + s.jur.Code + "/" + v.EventExternalID + "/" + v.RepresentativeExternalID
		eid, ok := eventIDs[v.EventExternalID]
		if !ok {
			ev, err := tx.FindEvent(ctx, s.jur.ID, v.EventExternalID)
			if err != nil {
				return err
			}
			if ev == nil {
				deferredIssues = append(deferredIssues, missingReferent(s.runID, ref,
					fmt.Sprintf("event %q not found for vote", v.EventExternalID)))
				continue
			}
			eid = ev.ID
		}
		rid, ok, err := s.resolveRepresentative(ctx, tx, repIDs, v.RepresentativeExternalID)
		if err != nil {
			return err
		}
		if !ok {
			deferredIssues = append(deferredIssues, missingReferent(s.runID, ref,
				fmt.Sprintf("representative %q not found for vote", v.RepresentativeExternalID)))
			continue
		}
		if err := tx.UpsertVote(ctx, &domain.Vote{
			EventID:          eid,
			RepresentativeID: rid,
			Result:           v.Result,
		}); err != nil {
			return err
		}
	}

	for i := range b.issues {
		issue := b.issues[i]
		if err := tx.RecordIssue(ctx, &issue); err != nil {
			return err
		}
	}
	for i := range deferredIssues {
		if err := tx.RecordIssue(ctx, &deferredIssues[i]); err != nil {
			return err
		}
	}
	for i := range audits {
		if err := tx.RecordAudit(ctx, &audits[i]); err != nil {
			return err
		}
	}

	st.Found += b.entities
	return nil
}

// resolveCommittee finds-or-creates a committee referenced by name.
func (s *RunSink) resolveCommittee(ctx context.Context, tx Tx, cache map[string]uuid.UUID, name string) (uuid.UUID, error) {
	if id, ok := cache[name]; ok {
		return id, nil
	}
	existing, err := tx.FindCommittee(ctx, s.jur.ID, name)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		cache[name] = existing.ID
		return existing.ID, nil
	}
	res, err := tx.UpsertCommittee(ctx, s.jur.ID, &domain.Committee{Name: name})
	if err != nil {
		return uuid.Nil, err
	}
	cache[name] = res.ID
	return res.ID, nil
}

func (s *RunSink) resolveRepresentative(ctx context.Context, tx Tx, cache map[string]uuid.UUID, externalID string) (uuid.UUID, bool, error) {
	if id, ok := cache[externalID]; ok {
		return id, true, nil
	}
	rep, err := tx.FindRepresentative(ctx, s.jur.ID, externalID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if rep == nil {
		return uuid.Nil, false, nil
	}
	cache[externalID] = rep.ID
	return rep.ID, true, nil
}

func missingReferent(runID uuid.UUID, ref, desc string) domain.DataQualityIssue {
	r := ref
	return domain.DataQualityIssue{
		RunID:       &runID,
		Severity:    domain.SeverityInfo,
		Kind:        domain.IssueMissingRequiredField,
		Description: desc,
		EntityRef:   &r,
		DetectedAt:  time.Now().UTC(),
	}
}

// mergeRepresentative unions src's fields into dst where dst is empty.
func mergeRepresentative(dst, src *normalize.RepresentativeRecord) {
	if dst.Party == nil {
		dst.Party = src.Party
	}
	if dst.District == nil {
		dst.District = src.District
	}
	if dst.Contact.Email == nil {
		dst.Contact.Email = src.Contact.Email
	}
	if dst.Contact.Phone == nil {
		dst.Contact.Phone = src.Contact.Phone
	}
	if dst.Contact.Office == nil {
		dst.Contact.Office = src.Contact.Office
	}
	if dst.PhotoURL == nil {
		dst.PhotoURL = src.PhotoURL
	}
	if dst.Biography == nil {
		dst.Biography = src.Biography
	}
	if dst.TermStart == nil {
		dst.TermStart = src.TermStart
	}
	if dst.TermEnd == nil {
		dst.TermEnd = src.TermEnd
	}
	dst.Committees = unionStrings(dst.Committees, src.Committees)
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

// splitBatch halves a failed batch along entity boundaries.
func splitBatch(b *pendingBatch) (*pendingBatch, *pendingBatch) {
	first := &pendingBatch{}
	second := &pendingBatch{}

	hc := len(b.committees) / 2
	first.committees, second.committees = b.committees[:hc], b.committees[hc:]
	hr := len(b.reps) / 2
	first.reps, second.reps = b.reps[:hr], b.reps[hr:]
	hb := len(b.bills) / 2
	first.bills, second.bills = b.bills[:hb], b.bills[hb:]
	he := len(b.events) / 2
	first.events, second.events = b.events[:he], b.events[he:]
	hv := len(b.votes) / 2
	first.votes, second.votes = b.votes[:hv], b.votes[hv:]
	hi := len(b.issues) / 2
	first.issues, second.issues = b.issues[:hi], b.issues[hi:]

	first.entities = len(first.committees) + len(first.reps) + len(first.bills) + len(first.events) + len(first.votes)
	second.entities = len(second.committees) + len(second.reps) + len(second.bills) + len(second.events) + len(second.votes)
	return first, second
}

// fingerprint hashes the identity-adjacent fields used for duplicate
// detection within a run.
func fingerprint(name string, district *string, jurCode string) string {
	d := ""
	if district != nil {
		d = *district
	}
	h := sha256.Sum256([]byte(strings.ToLower(name) + "|" + strings.ToLower(d) + "|" + jurCode))
	return hex.EncodeToString(h[:])
}

func jsonDetail(v any) ([]byte, error) {
	return json.Marshal(v)
}
