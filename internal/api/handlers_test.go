package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/api"
	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/executor"
	"github.com/loon-data/loon/platform/internal/loader"
	"github.com/loon-data/loon/platform/internal/postgres"
	"github.com/loon-data/loon/platform/internal/reaper"
)

// --- fakes ---

type fakeRuns struct {
	runs       []domain.ScrapingRun
	run        *domain.ScrapingRun
	lastFilter postgres.RunFilter
	err        error
}

func (f *fakeRuns) ListRuns(_ context.Context, filter postgres.RunFilter) ([]domain.ScrapingRun, error) {
	f.lastFilter = filter
	return f.runs, f.err
}

func (f *fakeRuns) GetRun(context.Context, uuid.UUID) (*domain.ScrapingRun, error) {
	return f.run, f.err
}

type fakeIssues struct {
	issues   []domain.DataQualityIssue
	resolved bool
	err      error
}

func (f *fakeIssues) ListIssues(context.Context, postgres.IssueFilter) ([]domain.DataQualityIssue, error) {
	return f.issues, f.err
}

func (f *fakeIssues) ResolveIssue(context.Context, uuid.UUID) (bool, error) {
	return f.resolved, f.err
}

type fakeAudit struct {
	entries    []domain.AuditEntry
	lastPrefix string
}

func (f *fakeAudit) List(_ context.Context, entityPrefix string, _ int) ([]domain.AuditEntry, error) {
	f.lastPrefix = entityPrefix
	return f.entries, nil
}

type fakeRegistry struct {
	descs []domain.ScraperDescriptor
}

func (f *fakeRegistry) List() []domain.ScraperDescriptor { return f.descs }

func (f *fakeRegistry) Get(id string) *domain.ScraperDescriptor {
	for i := range f.descs {
		if f.descs[i].ID == id {
			return &f.descs[i]
		}
	}
	return nil
}

// fakeTrigger mints real run handles through an idle pool so Run() snapshots
// behave exactly as they do in production.
type fakeTrigger struct {
	pool *executor.Pool
	err  error
}

func newFakeTrigger(t *testing.T) *fakeTrigger {
	t.Helper()
	pool := executor.NewPool(executor.Config{MinWorkers: 1, MaxWorkers: 1},
		func(context.Context, domain.ScraperDescriptor, domain.Strategy, int) executor.Outcome {
			return executor.Outcome{}
		}, nil, nil)
	return &fakeTrigger{pool: pool}
}

func (f *fakeTrigger) Trigger(id string) (*executor.RunHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	desc := domain.ScraperDescriptor{ID: id, Category: domain.CategoryParliamentary, TimeoutSeconds: 60}
	return f.pool.Submit(desc, 50, nil, domain.StrategyBalanced)
}

func (f *fakeTrigger) TriggerCategory(cat domain.Category) ([]*executor.RunHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	var handles []*executor.RunHandle
	for i := 0; i < 2; i++ {
		desc := domain.ScraperDescriptor{ID: fmt.Sprintf("%s-%d", cat, i), Category: cat, TimeoutSeconds: 60}
		h, err := f.pool.Submit(desc, 50, nil, domain.StrategyBalanced)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

type fakeSessions struct {
	active   *domain.LoadingSession
	startErr error
	opErr    error
	lastOp   string
}

func (f *fakeSessions) Start(_ context.Context, strategy domain.Strategy, startedBy string) (domain.LoadingSession, error) {
	if f.startErr != nil {
		return domain.LoadingSession{}, f.startErr
	}
	s := domain.LoadingSession{
		ID:        uuid.New(),
		Strategy:  strategy,
		StartedBy: startedBy,
		Status:    domain.SessionRunning,
		StartedAt: time.Now().UTC(),
	}
	f.active = &s
	return s, nil
}

func (f *fakeSessions) Pause(context.Context) error       { f.lastOp = "pause"; return f.opErr }
func (f *fakeSessions) Resume(context.Context) error      { f.lastOp = "resume"; return f.opErr }
func (f *fakeSessions) SkipPhase(context.Context) error   { f.lastOp = "skip"; return f.opErr }
func (f *fakeSessions) CancelSession(context.Context) error {
	f.lastOp = "cancel"
	return f.opErr
}
func (f *fakeSessions) Active() *domain.LoadingSession { return f.active }

type staticPool struct {
	workers int
	depth   int
}

func (p staticPool) QueueDepth() int { return p.depth }
func (p staticPool) Workers() int    { return p.workers }
func (p staticPool) RunningByCategory() map[domain.Category]int {
	return map[domain.Category]int{domain.CategoryParliamentary: 1}
}

type fakeBills struct {
	err    error
	called bool
	status domain.BillStatus
}

func (f *fakeBills) OverrideBillStatus(_ context.Context, _, _, _ string, status domain.BillStatus, _ string) error {
	f.called = true
	f.status = status
	return f.err
}

type fakeReaper struct {
	status reaper.Status
}

func (f *fakeReaper) RunNow(context.Context) (*reaper.Status, error) {
	return &f.status, nil
}

func doRequest(t *testing.T, srv *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	api.NewRouter(srv).ServeHTTP(rec, r)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) api.APIError {
	t.Helper()
	var e api.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

// --- status ---

func TestStatusSnapshot(t *testing.T) {
	sessions := &fakeSessions{active: &domain.LoadingSession{ID: uuid.New(), Status: domain.SessionRunning}}
	srv := &api.Server{Pool: staticPool{workers: 8, depth: 2}, Sessions: sessions}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 8, resp.Executor.Workers)
	assert.Equal(t, 2, resp.Executor.QueueDepth)
	require.NotNil(t, resp.Session)
	assert.Equal(t, sessions.active.ID, resp.Session.ID)
	assert.Positive(t, resp.Resources.Goroutines)
}

// --- phased loading ---

func TestPhasedStartDefaultsStrategy(t *testing.T) {
	sessions := &fakeSessions{}
	srv := &api.Server{Sessions: sessions}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var session domain.LoadingSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, domain.StrategyBalanced, session.Strategy)
	assert.Equal(t, "api", session.StartedBy)
}

func TestPhasedStartRejectsUnknownStrategy(t *testing.T) {
	srv := &api.Server{Sessions: &fakeSessions{}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/start",
		api.PhasedStartRequest{Strategy: "reckless"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeErr(t, rec).Error.Type)
}

func TestPhasedStartConflictWhenActive(t *testing.T) {
	srv := &api.Server{Sessions: &fakeSessions{startErr: domain.ErrSessionActive}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/start",
		api.PhasedStartRequest{Strategy: "aggressive", StartedBy: "ops"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_ACTIVE", decodeErr(t, rec).Error.Code)
}

func TestPhasedPauseNoActiveSession(t *testing.T) {
	srv := &api.Server{Sessions: &fakeSessions{opErr: loader.ErrNoActiveSession}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_ACTIVE_SESSION", decodeErr(t, rec).Error.Code)
}

func TestPhasedResumeNotPaused(t *testing.T) {
	srv := &api.Server{Sessions: &fakeSessions{opErr: loader.ErrNotPaused}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_PAUSED", decodeErr(t, rec).Error.Code)
}

func TestPhasedSkipReturnsSnapshot(t *testing.T) {
	sessions := &fakeSessions{active: &domain.LoadingSession{ID: uuid.New(), Status: domain.SessionRunning}}
	srv := &api.Server{Sessions: sessions}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/skip", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skip", sessions.lastOp)

	var session domain.LoadingSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, sessions.active.ID, session.ID)
}

func TestPhasedCancelTerminalSession(t *testing.T) {
	// Cancel succeeded and the session is already gone from Active().
	sessions := &fakeSessions{}
	srv := &api.Server{Sessions: sessions}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancel", sessions.lastOp)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPhasedUnavailableWithoutLoader(t *testing.T) {
	srv := &api.Server{}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phased/start", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- scrapers ---

func TestListScrapers(t *testing.T) {
	srv := &api.Server{Registry: &fakeRegistry{descs: []domain.ScraperDescriptor{
		{ID: "ca-federal-bills", Category: domain.CategoryParliamentary},
		{ID: "ca-on-reps", Category: domain.CategoryProvincial},
	}}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/scrapers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Scrapers []domain.ScraperDescriptor `json:"scrapers"`
		Total    int                        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "ca-federal-bills", resp.Scrapers[0].ID)
}

func TestGetScraperNotFound(t *testing.T) {
	srv := &api.Server{Registry: &fakeRegistry{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/scrapers/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErr(t, rec).Error.Type)
}

func TestTriggerScraperAccepted(t *testing.T) {
	srv := &api.Server{Triggers: newFakeTrigger(t)}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/scrapers/ca-federal-bills/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run domain.ScrapingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "ca-federal-bills", run.ScraperID)
	assert.Equal(t, domain.RunPending, run.Status)
}

func TestTriggerScraperUnknown(t *testing.T) {
	trig := newFakeTrigger(t)
	trig.err = fmt.Errorf("%w: %q", domain.ErrScraperNotFound, "nope")
	srv := &api.Server{Triggers: trig}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/scrapers/nope/trigger", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScraperSubmitRefused(t *testing.T) {
	trig := newFakeTrigger(t)
	trig.err = errors.New("ingest circuit open")
	srv := &api.Server{Triggers: trig}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/scrapers/ca-federal-bills/trigger", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SUBMIT_REFUSED", decodeErr(t, rec).Error.Code)
}

func TestTriggerCategory(t *testing.T) {
	srv := &api.Server{Triggers: newFakeTrigger(t)}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/categories/provincial/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Runs  []domain.ScrapingRun `json:"runs"`
		Total int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestTriggerCategoryUnknown(t *testing.T) {
	srv := &api.Server{Triggers: newFakeTrigger(t)}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/categories/galactic/trigger", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- runs ---

func TestListRunsAppliesFilters(t *testing.T) {
	sessionID := uuid.New()
	runs := &fakeRuns{runs: []domain.ScrapingRun{{ID: uuid.New(), ScraperID: "ca-federal-bills"}}}
	srv := &api.Server{Runs: runs}

	path := fmt.Sprintf("/api/v1/runs?scraper_id=ca-federal-bills&status=failed&session_id=%s&limit=25", sessionID)
	rec := doRequest(t, srv, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "ca-federal-bills", runs.lastFilter.ScraperID)
	assert.Equal(t, domain.RunFailed, runs.lastFilter.Status)
	require.NotNil(t, runs.lastFilter.SessionID)
	assert.Equal(t, sessionID, *runs.lastFilter.SessionID)
	assert.Equal(t, 25, runs.lastFilter.Limit)
}

func TestListRunsRejectsBadStatus(t *testing.T) {
	srv := &api.Server{Runs: &fakeRuns{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs?status=exploded", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	srv := &api.Server{Runs: &fakeRuns{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
}

func TestGetRunNotFound(t *testing.T) {
	srv := &api.Server{Runs: &fakeRuns{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunBadID(t *testing.T) {
	srv := &api.Server{Runs: &fakeRuns{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- issues ---

func TestListIssues(t *testing.T) {
	srv := &api.Server{Issues: &fakeIssues{issues: []domain.DataQualityIssue{
		{ID: uuid.New(), Severity: domain.SeverityError, Kind: domain.IssueMissingRequiredField},
	}}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/issues?severity=error&unresolved=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestResolveIssueConflict(t *testing.T) {
	srv := &api.Server{Issues: &fakeIssues{resolved: false}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/issues/"+uuid.NewString()+"/resolve", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_RESOLVABLE", decodeErr(t, rec).Error.Code)
}

func TestResolveIssueOK(t *testing.T) {
	srv := &api.Server{Issues: &fakeIssues{resolved: true}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/issues/"+uuid.NewString()+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"resolved"}`, rec.Body.String())
}

// --- audit and overrides ---

func TestListAuditPassesPrefix(t *testing.T) {
	audit := &fakeAudit{entries: []domain.AuditEntry{{ID: uuid.New(), Action: "status_override"}}}
	srv := &api.Server{Audit: audit}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/audit?entity=bill:ca", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bill:ca", audit.lastPrefix)
}

func TestBillStatusOverride(t *testing.T) {
	bills := &fakeBills{}
	srv := &api.Server{Bills: bills}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/bills/status-override", api.BillOverrideRequest{
		Jurisdiction: "ca",
		Number:       "C-11",
		Status:       "royal_assent",
		Actor:        "ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bills.called)
	assert.Equal(t, domain.BillStatus("royal_assent"), bills.status)
}

func TestBillStatusOverrideRequiresActor(t *testing.T) {
	srv := &api.Server{Bills: &fakeBills{}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/bills/status-override", api.BillOverrideRequest{
		Jurisdiction: "ca",
		Number:       "C-11",
		Status:       "royal_assent",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillStatusOverrideUnknownBill(t *testing.T) {
	srv := &api.Server{Bills: &fakeBills{err: fmt.Errorf("bill C-99 (45-1) in ca: %w", domain.ErrNotFound)}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/bills/status-override", api.BillOverrideRequest{
		Jurisdiction: "ca",
		Number:       "C-99",
		Session:      "45-1",
		Status:       "royal_assent",
		Actor:        "ops",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReapNow(t *testing.T) {
	srv := &api.Server{Reaper: &fakeReaper{status: reaper.Status{RunsPruned: 3, IssuesPruned: 1}}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/retention/reap", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status reaper.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.RunsPruned)
}

// --- envelope and headers ---

func TestErrorEnvelopeShape(t *testing.T) {
	srv := &api.Server{Runs: &fakeRuns{}}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	e := decodeErr(t, rec)
	assert.Equal(t, "INVALID_ARGUMENT", e.Error.Code)
	assert.Equal(t, "VALIDATION", e.Error.Type)
	assert.NotEmpty(t, e.Error.Message)
	assert.Zero(t, e.Error.RetryAfterSeconds)
}

func TestSecurityHeadersPresent(t *testing.T) {
	srv := &api.Server{}

	rec := doRequest(t, srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestUnavailableEndpointsWithoutDeps(t *testing.T) {
	srv := &api.Server{}

	for _, path := range []string{"/api/v1/scrapers", "/api/v1/audit"} {
		rec := doRequest(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
