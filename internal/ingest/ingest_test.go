package ingest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/normalize"
)

// memStore is an in-memory Store whose transactions buffer writes and apply
// them on Commit, so rollback semantics are observable in tests.
type memStore struct {
	mu sync.Mutex

	jurisdictions map[string]domain.Jurisdiction
	reps          map[string]domain.Representative // jurID|externalID
	bills         map[string]domain.Bill           // jurID|number|session
	committees    map[string]domain.Committee      // jurID|name
	events        map[string]domain.Event          // jurID|externalID
	votes         []domain.Vote
	sponsorships  []domain.Sponsorship
	memberships   []domain.Membership
	issues        []domain.DataQualityIssue
	audits        []domain.AuditEntry

	commits    int
	beginErr   func() error // consulted on every Begin
	commitErrs []error      // popped per Commit
}

func newMemStore() *memStore {
	return &memStore{
		jurisdictions: make(map[string]domain.Jurisdiction),
		reps:          make(map[string]domain.Representative),
		bills:         make(map[string]domain.Bill),
		committees:    make(map[string]domain.Committee),
		events:        make(map[string]domain.Event),
	}
}

func (m *memStore) JurisdictionByCode(_ context.Context, code string) (*domain.Jurisdiction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jurisdictions[code]; ok {
		return &j, nil
	}
	return nil, nil
}

func (m *memStore) Begin(context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		if err := m.beginErr(); err != nil {
			return nil, err
		}
	}
	return &memTx{store: m}, nil
}

func (m *memStore) MarkMissed(_ context.Context, jurID uuid.UUID, observed []string, threshold int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(observed))
	for _, id := range observed {
		seen[id] = true
	}
	deactivated := 0
	for k, rep := range m.reps {
		if rep.JurisdictionID != jurID || !rep.Active {
			continue
		}
		if seen[rep.ExternalID] {
			rep.MissedRuns = 0
		} else {
			rep.MissedRuns++
			if rep.MissedRuns >= threshold {
				rep.Active = false
				deactivated++
			}
		}
		m.reps[k] = rep
	}
	return deactivated, nil
}

type memTx struct {
	store *memStore
	ops   []func(*memStore)
}

func (t *memTx) stage(op func(*memStore)) { t.ops = append(t.ops, op) }

func (t *memTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.store.commitErrs) > 0 {
		err := t.store.commitErrs[0]
		t.store.commitErrs = t.store.commitErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, op := range t.ops {
		op(t.store)
	}
	t.store.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error { return nil }

func (t *memTx) UpsertRepresentative(_ context.Context, jurID uuid.UUID, rep *domain.Representative) (UpsertResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := jurID.String() + "|" + rep.ExternalID
	existing, ok := t.store.reps[key]
	res := UpsertResult{Created: !ok}
	r := *rep
	r.JurisdictionID = jurID
	if ok {
		res.ID = existing.ID
		r.ID = existing.ID
		res.Unchanged = reflect.DeepEqual(existing, r)
		if existing.Party != nil && r.Party != nil && *existing.Party != *r.Party {
			res.Overwritten = append(res.Overwritten, FieldChange{Field: "party", Old: *existing.Party, New: *r.Party})
		}
	} else {
		r.ID = uuid.New()
		res.ID = r.ID
	}
	t.stage(func(m *memStore) { m.reps[key] = r })
	return res, nil
}

func (t *memTx) UpsertBill(_ context.Context, jurID uuid.UUID, bill *domain.Bill) (UpsertResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := jurID.String() + "|" + bill.Number + "|" + bill.Session
	existing, ok := t.store.bills[key]
	res := UpsertResult{Created: !ok}
	b := *bill
	b.JurisdictionID = jurID
	if ok {
		b.ID = existing.ID
		res.Unchanged = reflect.DeepEqual(existing, b)
	} else {
		b.ID = uuid.New()
	}
	res.ID = b.ID
	t.stage(func(m *memStore) { m.bills[key] = b })
	return res, nil
}

func (t *memTx) UpsertCommittee(_ context.Context, jurID uuid.UUID, c *domain.Committee) (UpsertResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := jurID.String() + "|" + c.Name
	existing, ok := t.store.committees[key]
	res := UpsertResult{Created: !ok}
	cc := *c
	cc.JurisdictionID = jurID
	if ok {
		cc.ID = existing.ID
		res.Unchanged = reflect.DeepEqual(existing, cc)
	} else {
		cc.ID = uuid.New()
	}
	res.ID = cc.ID
	t.stage(func(m *memStore) { m.committees[key] = cc })
	return res, nil
}

func (t *memTx) UpsertEvent(_ context.Context, jurID uuid.UUID, ev *domain.Event) (UpsertResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := jurID.String() + "|" + ev.ExternalID
	existing, ok := t.store.events[key]
	res := UpsertResult{Created: !ok}
	e := *ev
	e.JurisdictionID = jurID
	if ok {
		e.ID = existing.ID
		res.Unchanged = reflect.DeepEqual(existing, e)
	} else {
		e.ID = uuid.New()
	}
	res.ID = e.ID
	t.stage(func(m *memStore) { m.events[key] = e })
	return res, nil
}

func (t *memTx) UpsertVote(_ context.Context, v *domain.Vote) error {
	vv := *v
	t.stage(func(m *memStore) { m.votes = append(m.votes, vv) })
	return nil
}

func (t *memTx) UpsertSponsorship(_ context.Context, s *domain.Sponsorship) error {
	ss := *s
	t.stage(func(m *memStore) { m.sponsorships = append(m.sponsorships, ss) })
	return nil
}

func (t *memTx) UpsertMembership(_ context.Context, mb *domain.Membership) error {
	mm := *mb
	t.stage(func(m *memStore) { m.memberships = append(m.memberships, mm) })
	return nil
}

func (t *memTx) GetBill(_ context.Context, jurID uuid.UUID, number, session string) (*domain.Bill, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if session != "" {
		if b, ok := t.store.bills[jurID.String()+"|"+number+"|"+session]; ok {
			return &b, nil
		}
		return nil, nil
	}
	for _, b := range t.store.bills {
		if b.JurisdictionID == jurID && b.Number == number {
			return &b, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindRepresentative(_ context.Context, jurID uuid.UUID, externalID string) (*domain.Representative, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if r, ok := t.store.reps[jurID.String()+"|"+externalID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (t *memTx) FindEvent(_ context.Context, jurID uuid.UUID, externalID string) (*domain.Event, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if e, ok := t.store.events[jurID.String()+"|"+externalID]; ok {
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) FindCommittee(_ context.Context, jurID uuid.UUID, name string) (*domain.Committee, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if c, ok := t.store.committees[jurID.String()+"|"+name]; ok {
		return &c, nil
	}
	return nil, nil
}

func (t *memTx) RecordIssue(_ context.Context, issue *domain.DataQualityIssue) error {
	is := *issue
	t.stage(func(m *memStore) { m.issues = append(m.issues, is) })
	return nil
}

func (t *memTx) RecordAudit(_ context.Context, entry *domain.AuditEntry) error {
	e := *entry
	t.stage(func(m *memStore) { m.audits = append(m.audits, e) })
	return nil
}

// --- helpers ---

var testJur = domain.Jurisdiction{ID: uuid.New(), Kind: domain.JurisdictionFederal, Code: "ca"}

func repResult(externalID, given, family string) normalize.Result {
	return normalize.Result{Representative: &normalize.RepresentativeRecord{
		Representative: domain.Representative{
			ExternalID: externalID,
			GivenName:  given,
			FamilyName: family,
			Role:       domain.RoleMP,
			Active:     true,
		},
	}}
}

func billResult(number, session string, status domain.BillStatus) normalize.Result {
	return normalize.Result{Bill: &normalize.BillRecord{
		Bill: domain.Bill{Number: number, Session: session, Title: "An Act", Status: status},
	}}
}

func issueKinds(issues []domain.DataQualityIssue) []domain.IssueKind {
	out := make([]domain.IssueKind, len(issues))
	for i, is := range issues {
		out[i] = is.Kind
	}
	return out
}

func TestSink_CommitsEntities(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	sink := p.NewRunSink(uuid.New(), testJur)
	ctx := context.Background()

	require.NoError(t, sink.Add(ctx, repResult("1", "Jean", "Chrétien")))
	require.NoError(t, sink.Add(ctx, billResult("C-18", "44-1", domain.BillFirstReading)))
	stats, err := sink.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Found)
	assert.Equal(t, 2, stats.New)
	assert.Equal(t, 0, stats.Updated)
	assert.Len(t, store.reps, 1)
	assert.Len(t, store.bills, 1)
}

func TestSink_IdenticalReingestNotCountedUpdated(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	ctx := context.Background()

	seed := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, seed.Add(ctx, repResult("10078", "Jean", "Chrétien")))
	require.NoError(t, seed.Add(ctx, repResult("10079", "Kim", "Campbell")))
	_, err := seed.Close(ctx)
	require.NoError(t, err)

	// Same content again, except one phone number changed.
	changed := repResult("10079", "Kim", "Campbell")
	phone := "613-555-0101"
	changed.Representative.Contact.Phone = &phone

	sink := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, repResult("10078", "Jean", "Chrétien")))
	require.NoError(t, sink.Add(ctx, changed))
	stats, err := sink.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Found)
	assert.Equal(t, 0, stats.New)
	assert.Equal(t, 1, stats.Updated, "identical content must not count as updated")
}

func TestSink_BatchBoundaryFlushes(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	p.batchSize = 5
	sink := p.NewRunSink(uuid.New(), testJur)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, sink.Add(ctx, repResult(fmt.Sprintf("r%d", i), "Rep", fmt.Sprintf("Number%d", i))))
	}
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	// 12 entities at batch size 5: two full batches plus the Close remainder.
	assert.Equal(t, 3, store.commits)
	assert.Len(t, store.reps, 12)
}

func TestSink_DuplicateFingerprintMerges(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	sink := p.NewRunSink(uuid.New(), testJur)
	ctx := context.Background()

	first := repResult("a-1", "Pat", "Smith")
	second := repResult("a-2", "Pat", "Smith")
	party := "Independent"
	second.Representative.Party = &party

	require.NoError(t, sink.Add(ctx, first))
	require.NoError(t, sink.Add(ctx, second))
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	assert.Contains(t, issueKinds(store.issues), domain.IssueDuplicateCollision)

	// The union of fields lands under the first external id.
	merged := store.reps[testJur.ID.String()+"|a-1"]
	require.NotNil(t, merged.Party)
	assert.Equal(t, "Independent", *merged.Party)
	_, dupStored := store.reps[testJur.ID.String()+"|a-2"]
	assert.False(t, dupStored, "second candidate must merge, not insert")
}

func TestSink_BillRegressionRejected(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	ctx := context.Background()

	sink := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, billResult("C-18", "44-1", domain.BillThirdReading)))
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	sink = p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, billResult("C-18", "44-1", domain.BillFirstReading)))
	_, err = sink.Close(ctx)
	require.NoError(t, err)

	stored := store.bills[testJur.ID.String()+"|C-18|44-1"]
	assert.Equal(t, domain.BillThirdReading, stored.Status, "regression must not modify the stored row")

	var found bool
	for _, is := range store.issues {
		if is.Kind == domain.IssueStaleRecord {
			found = true
			assert.Equal(t, domain.SeverityError, is.Severity)
		}
	}
	assert.True(t, found, "regression must be recorded")
}

func TestSink_SponsorshipAndMembershipLinks(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	ctx := context.Background()
	sink := p.NewRunSink(uuid.New(), testJur)

	rep := repResult("10078", "Jean", "Chrétien")
	rep.Representative.Committees = []string{"Finance"}
	require.NoError(t, sink.Add(ctx, rep))

	bill := billResult("C-18", "44-1", domain.BillIntroduced)
	bill.Bill.SponsorExternalIDs = []string{"10078", "missing-one"}
	require.NoError(t, sink.Add(ctx, bill))
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	require.Len(t, store.memberships, 1)
	require.Len(t, store.sponsorships, 1)
	assert.True(t, store.sponsorships[0].IsPrimary)
	assert.Len(t, store.committees, 1)

	// The unresolvable sponsor is an issue, not a failure.
	assert.Contains(t, issueKinds(store.issues), domain.IssueMissingRequiredField)
}

func TestSink_VoteResolvesAcrossRuns(t *testing.T) {
	store := newMemStore()
	p := New(store, 3)
	ctx := context.Background()

	seed := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, seed.Add(ctx, repResult("10078", "Jean", "Chrétien")))
	require.NoError(t, seed.Add(ctx, normalize.Result{Event: &normalize.EventRecord{
		Event: domain.Event{ExternalID: "div-301", Category: domain.EventVote, Date: time.Now()},
	}}))
	_, err := seed.Close(ctx)
	require.NoError(t, err)

	sink := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, normalize.Result{Vote: &normalize.VoteRecord{
		EventExternalID:          "div-301",
		RepresentativeExternalID: "10078",
		Result:                   domain.VoteYes,
	}}))
	_, err = sink.Close(ctx)
	require.NoError(t, err)

	require.Len(t, store.votes, 1)
	assert.Equal(t, domain.VoteYes, store.votes[0].Result)
}

func TestSink_HalvedRetryAfterCommitFailure(t *testing.T) {
	store := newMemStore()
	store.commitErrs = []error{fmt.Errorf("deadlock detected")}
	p := New(store, 3)
	ctx := context.Background()
	sink := p.NewRunSink(uuid.New(), testJur)

	for i := 0; i < 4; i++ {
		require.NoError(t, sink.Add(ctx, repResult(fmt.Sprintf("r%d", i), "Rep", fmt.Sprintf("N%d", i))))
	}
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	assert.Len(t, store.reps, 4, "both halves must land after the retry")
}

func TestSink_SecondFailureIsPersistenceFailure(t *testing.T) {
	store := newMemStore()
	store.commitErrs = []error{
		fmt.Errorf("deadlock detected"),
		fmt.Errorf("deadlock detected"),
	}
	p := New(store, 3)
	ctx := context.Background()
	sink := p.NewRunSink(uuid.New(), testJur)

	require.NoError(t, sink.Add(ctx, repResult("r1", "Rep", "One")))
	require.NoError(t, sink.Add(ctx, repResult("r2", "Rep", "Two")))
	_, err := sink.Close(ctx)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorIntegrity, domain.KindOf(err))
	assert.Contains(t, issueKinds(store.issues), domain.IssuePersistenceFailure)
}

func TestPipeline_StoreOutageOpensBreaker(t *testing.T) {
	store := newMemStore()
	store.beginErr = func() error {
		return domain.Classifyf(domain.ErrorStoreUnavailable, "connection refused")
	}
	p := New(store, 3)
	p.retryBase = time.Millisecond
	p.retryBudget = 10 * time.Millisecond
	ctx := context.Background()

	sink := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, repResult("r1", "Rep", "One")))
	_, err := sink.Close(ctx)
	require.Error(t, err)

	gateErr := p.SubmitGate()
	require.Error(t, gateErr)
	assert.ErrorIs(t, gateErr, ErrStoreCircuitOpen)
}

func TestPipeline_GateClosesAfterWindow(t *testing.T) {
	p := New(newMemStore(), 3)
	p.breakerHold = 10 * time.Millisecond
	p.openBreaker()
	require.Error(t, p.SubmitGate())

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, p.SubmitGate())
}

func TestSink_SoftDeleteAfterMissedRuns(t *testing.T) {
	store := newMemStore()
	p := New(store, 2)
	ctx := context.Background()

	seed := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, seed.Add(ctx, repResult("stays", "Always", "Here")))
	require.NoError(t, seed.Add(ctx, repResult("goes", "Soon", "Gone")))
	_, err := seed.Close(ctx)
	require.NoError(t, err)

	// Two consecutive runs observe only one of the two.
	for i := 0; i < 2; i++ {
		sink := p.NewRunSink(uuid.New(), testJur)
		require.NoError(t, sink.Add(ctx, repResult("stays", "Always", "Here")))
		stats, err := sink.Close(ctx)
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, 1, stats.Deactivated)
		}
	}

	gone := store.reps[testJur.ID.String()+"|goes"]
	assert.False(t, gone.Active)
	stays := store.reps[testJur.ID.String()+"|stays"]
	assert.True(t, stays.Active)
}

func TestPipeline_OverrideBillStatusAudited(t *testing.T) {
	store := newMemStore()
	store.jurisdictions["ca"] = testJur
	p := New(store, 3)
	ctx := context.Background()

	sink := p.NewRunSink(uuid.New(), testJur)
	require.NoError(t, sink.Add(ctx, billResult("C-18", "44-1", domain.BillThirdReading)))
	_, err := sink.Close(ctx)
	require.NoError(t, err)

	require.NoError(t, p.OverrideBillStatus(ctx, "ca", "C-18", "44-1", domain.BillFirstReading, "ops@loon"))

	stored := store.bills[testJur.ID.String()+"|C-18|44-1"]
	assert.Equal(t, domain.BillFirstReading, stored.Status)

	require.Len(t, store.audits, 1)
	assert.Equal(t, "status_override", store.audits[0].Action)
	assert.Equal(t, "ops@loon", store.audits[0].Actor)
}
