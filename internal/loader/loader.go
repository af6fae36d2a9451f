// Package loader drives a full phased load: every registered scraper executed
// once, in waves ordered so foundational jurisdictions land before dependent
// ones. One session at a time per process.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/executor"
)

// ErrNoActiveSession is returned by pause/resume/skip/cancel without a session.
var ErrNoActiveSession = errors.New("no active loading session")

// ErrNotPaused is returned by Resume when the session is running.
var ErrNotPaused = errors.New("session is not paused")

// PriorityPhased sits between manual triggers and cron fires so a bulk load
// neither starves operators nor is starved by the schedule.
const PriorityPhased = 30

// ewmaAlpha weights the most recent run duration in the per-scraper estimate.
const ewmaAlpha = 0.3

// defaultEstimate is the per-scraper duration assumed before any observation.
const defaultEstimate = time.Minute

// Registry lists the scrapers a session will execute.
type Registry interface {
	List() []domain.ScraperDescriptor
}

// Tracker persists session transitions before dependent actions.
type Tracker interface {
	SessionTransition(ctx context.Context, session *domain.LoadingSession) error
}

// Checker runs the validation phase's referential and quality checks.
type Checker interface {
	IntegrityCheck(ctx context.Context) ([]domain.DataQualityIssue, error)
}

// IssueSink records issues raised by the validation phase.
type IssueSink interface {
	RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error
}

// Loader owns the phased loading state machine.
type Loader struct {
	registry Registry
	pool     *executor.Pool
	tracker  Tracker
	checker  Checker
	issues   IssueSink

	mu      sync.Mutex
	session *domain.LoadingSession
	plan    map[domain.PhaseKind][]domain.ScraperDescriptor
	resume  chan struct{} // closed while running; replaced open on pause
	skip    chan struct{} // replaced per phase; closed to skip
	cancel  context.CancelFunc
	done    chan struct{}
	ewma    map[string]time.Duration
}

// New builds a loader. checker and issues may be nil; the validation phase
// then only gates on the preceding phases having run.
func New(registry Registry, pool *executor.Pool, tracker Tracker, checker Checker, issues IssueSink) *Loader {
	return &Loader{
		registry: registry,
		pool:     pool,
		tracker:  tracker,
		checker:  checker,
		issues:   issues,
		ewma:     make(map[string]time.Duration),
	}
}

// Start begins a new session. Returns domain.ErrSessionActive while an
// earlier one is non-terminal.
func (l *Loader) Start(ctx context.Context, strategy domain.Strategy, startedBy string) (domain.LoadingSession, error) {
	if strategy == "" {
		strategy = domain.StrategyBalanced
	}

	l.mu.Lock()
	if l.session != nil && !domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return domain.LoadingSession{}, domain.ErrSessionActive
	}

	plan := buildPlan(l.registry.List())
	now := time.Now().UTC()
	session := &domain.LoadingSession{
		ID:        uuid.New(),
		Strategy:  strategy,
		StartedBy: startedBy,
		Status:    domain.SessionRunning,
		StartedAt: now,
	}
	for _, kind := range domain.PhaseOrder {
		ids := make([]string, 0, len(plan[kind]))
		for _, d := range plan[kind] {
			ids = append(ids, d.ID)
		}
		session.Phases = append(session.Phases, domain.Phase{
			SessionID:  session.ID,
			Kind:       kind,
			Status:     domain.PhasePending,
			ScraperIDs: ids,
		})
	}
	l.adoptLocked(ctx, session, plan)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
	return snapshot, nil
}

// Restore re-activates a session found non-terminal at startup. Completed
// phases stay completed; the run loop continues from the first unfinished one.
func (l *Loader) Restore(ctx context.Context, session domain.LoadingSession) error {
	l.mu.Lock()
	if l.session != nil && !domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return domain.ErrSessionActive
	}

	plan := buildPlan(l.registry.List())
	// Interrupted phases restart from the top; their runs upsert idempotently.
	for i := range session.Phases {
		if session.Phases[i].Status == domain.PhaseRunning {
			session.Phases[i].Status = domain.PhasePending
			session.Phases[i].Progress = 0
		}
	}
	l.adoptLocked(ctx, &session, plan)
	if session.Status == domain.SessionPaused {
		l.pauseLocked()
	}
	l.mu.Unlock()

	slog.Info("restored loading session", "session_id", session.ID, "status", session.Status)
	return nil
}

// adoptLocked installs the session and launches its run loop.
func (l *Loader) adoptLocked(ctx context.Context, session *domain.LoadingSession, plan map[domain.PhaseKind][]domain.ScraperDescriptor) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.session = session
	l.plan = plan
	l.cancel = cancel
	l.done = make(chan struct{})
	resume := make(chan struct{})
	close(resume)
	l.resume = resume
	go l.run(runCtx)
}

// Pause stops new scraper starts; running ones finish.
func (l *Loader) Pause(ctx context.Context) error {
	l.mu.Lock()
	if l.session == nil || domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return ErrNoActiveSession
	}
	if l.session.Status == domain.SessionPaused {
		l.mu.Unlock()
		return nil
	}
	l.pauseLocked()
	now := time.Now().UTC()
	l.session.Status = domain.SessionPaused
	l.session.PausedAt = &now
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
	return nil
}

func (l *Loader) pauseLocked() {
	l.resume = make(chan struct{})
}

// Resume reopens the gate after a pause.
func (l *Loader) Resume(ctx context.Context) error {
	l.mu.Lock()
	if l.session == nil || domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return ErrNoActiveSession
	}
	if l.session.Status != domain.SessionPaused {
		l.mu.Unlock()
		return ErrNotPaused
	}
	close(l.resume)
	l.session.Status = domain.SessionRunning
	l.session.PausedAt = nil
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
	return nil
}

// SkipPhase abandons the currently running phase: queued scrapers for it are
// dropped, running ones finish, and the loop moves on.
func (l *Loader) SkipPhase(ctx context.Context) error {
	l.mu.Lock()
	if l.session == nil || domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return ErrNoActiveSession
	}
	select {
	case <-l.skip:
		// Already skipping.
	default:
		if l.skip != nil {
			close(l.skip)
		}
	}
	l.mu.Unlock()
	return nil
}

// CancelSession cancels the whole session, including in-flight runs.
func (l *Loader) CancelSession(ctx context.Context) error {
	l.mu.Lock()
	if l.session == nil || domain.TerminalSessionStatus(l.session.Status) {
		l.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := l.session.ID
	cancel := l.cancel
	// A paused session must unblock the loop so it can observe the cancel.
	select {
	case <-l.resume:
	default:
		close(l.resume)
	}
	l.mu.Unlock()

	cancel()
	l.pool.CancelSession(sessionID)
	return nil
}

// Active returns a snapshot of the current session, or nil.
func (l *Loader) Active() *domain.LoadingSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	snapshot := l.snapshotLocked()
	return &snapshot
}

// snapshotLocked copies the session, phases included, so persistence and API
// reads never share the mutating slice.
func (l *Loader) snapshotLocked() domain.LoadingSession {
	snapshot := *l.session
	snapshot.Phases = append([]domain.Phase(nil), l.session.Phases...)
	return snapshot
}

// Done is closed when the current session's run loop exits.
func (l *Loader) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// run executes phases in order until terminal.
func (l *Loader) run(ctx context.Context) {
	l.mu.Lock()
	done := l.done
	sessionID := l.session.ID
	strategy := l.session.Strategy
	l.mu.Unlock()
	defer close(done)

	for i := range domain.PhaseOrder {
		l.mu.Lock()
		phase := &l.session.Phases[i]
		if phase.Status == domain.PhaseCompleted || phase.Status == domain.PhaseSkipped {
			l.mu.Unlock()
			continue
		}
		skip := make(chan struct{})
		l.skip = skip
		now := time.Now().UTC()
		phase.Status = domain.PhaseRunning
		phase.StartedAt = &now
		snapshot := l.snapshotLocked()
		l.mu.Unlock()
		l.persist(ctx, &snapshot)

		status := l.runPhase(ctx, sessionID, strategy, i, skip)

		if ctx.Err() != nil {
			l.finish(ctx, domain.SessionCancelled, i)
			return
		}

		l.mu.Lock()
		phase = &l.session.Phases[i]
		end := time.Now().UTC()
		phase.Status = status
		phase.EndedAt = &end
		if status == domain.PhaseCompleted {
			phase.Progress = 1
			phase.ETASeconds = nil
		}
		snapshot = l.snapshotLocked()
		l.mu.Unlock()
		l.persist(ctx, &snapshot)
	}

	l.finish(ctx, domain.SessionCompleted, len(domain.PhaseOrder))
}

// runPhase executes one phase's scrapers through the pool.
func (l *Loader) runPhase(ctx context.Context, sessionID uuid.UUID, strategy domain.Strategy, idx int, skip chan struct{}) domain.PhaseStatus {
	kind := domain.PhaseOrder[idx]
	switch kind {
	case domain.PhasePreparation:
		return domain.PhaseCompleted
	case domain.PhaseValidation:
		return l.runValidation(ctx, sessionID)
	}

	l.mu.Lock()
	descs := l.plan[kind]
	l.mu.Unlock()
	if len(descs) == 0 {
		return domain.PhaseCompleted
	}

	parallel := l.pool.Workers()
	if parallel > len(descs) {
		parallel = len(descs)
	}

	work := make(chan domain.ScraperDescriptor)
	var wg sync.WaitGroup
	var mu sync.Mutex
	finished := 0
	skipped := false

	for w := 0; w < parallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range work {
				if !l.awaitGate(ctx, skip) {
					continue // drain remaining work without running it
				}
				start := time.Now()
				if l.runScraper(ctx, desc, sessionID, strategy) {
					l.observeDuration(desc.ID, time.Since(start))
				}
				mu.Lock()
				finished++
				n := finished
				mu.Unlock()
				l.updateProgress(ctx, idx, n, len(descs), parallel, descs)
			}
		}()
	}

feed:
	for _, desc := range descs {
		select {
		case <-ctx.Done():
			break feed
		case <-skip:
			skipped = true
			break feed
		case work <- desc:
		}
	}
	close(work)
	wg.Wait()

	select {
	case <-skip:
		skipped = true
	default:
	}
	if skipped && ctx.Err() == nil {
		slog.Info("phase skipped", "phase", kind, "completed", finished, "total", len(descs))
		return domain.PhaseSkipped
	}
	return domain.PhaseCompleted
}

// awaitGate blocks while paused. Returns false when the phase should stop.
func (l *Loader) awaitGate(ctx context.Context, skip chan struct{}) bool {
	for {
		l.mu.Lock()
		resume := l.resume
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-skip:
			return false
		case <-resume:
			return true
		}
	}
}

// runScraper submits one descriptor and waits for its terminal state.
// Returns true when a duration observation was made.
func (l *Loader) runScraper(ctx context.Context, desc domain.ScraperDescriptor, sessionID uuid.UUID, strategy domain.Strategy) bool {
	handle, err := l.pool.Submit(desc, PriorityPhased, &sessionID, strategy)
	if err != nil {
		slog.Warn("phase submit rejected", "scraper_id", desc.ID, "error", err)
		return false
	}
	run, err := handle.Await(ctx)
	if err != nil {
		return false
	}
	if run.Status == domain.RunFailed || run.Status == domain.RunTimeout {
		slog.Warn("phase scraper did not succeed",
			"scraper_id", desc.ID, "status", run.Status, "attempts", run.Attempt)
	}
	return run.StartedAt != nil && run.EndedAt != nil
}

// runValidation records what the integrity checks found.
func (l *Loader) runValidation(ctx context.Context, sessionID uuid.UUID) domain.PhaseStatus {
	if l.checker == nil {
		return domain.PhaseCompleted
	}
	found, err := l.checker.IntegrityCheck(ctx)
	if err != nil {
		slog.Error("validation checks failed", "session_id", sessionID, "error", err)
		return domain.PhaseFailed
	}
	for i := range found {
		if l.issues == nil {
			break
		}
		if err := l.issues.RecordIssue(ctx, &found[i]); err != nil {
			slog.Warn("record validation issue", "error", err)
		}
	}
	slog.Info("validation phase complete", "session_id", sessionID, "issues", len(found))
	return domain.PhaseCompleted
}

// updateProgress recomputes the running phase's fraction and ETA.
func (l *Loader) updateProgress(ctx context.Context, idx, finished, total, parallel int, descs []domain.ScraperDescriptor) {
	eta := l.estimate(descs[finished:], parallel)

	l.mu.Lock()
	if l.session == nil || idx >= len(l.session.Phases) {
		l.mu.Unlock()
		return
	}
	phase := &l.session.Phases[idx]
	phase.Progress = float64(finished) / float64(total)
	secs := int(eta.Seconds())
	phase.ETASeconds = &secs
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
}

// estimate sums the per-scraper duration estimates for the remaining work and
// divides by the effective parallelism.
func (l *Loader) estimate(remaining []domain.ScraperDescriptor, parallel int) time.Duration {
	if parallel < 1 {
		parallel = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum time.Duration
	for _, d := range remaining {
		if est, ok := l.ewma[d.ID]; ok {
			sum += est
		} else {
			sum += defaultEstimate
		}
	}
	return sum / time.Duration(parallel)
}

// observeDuration folds one run's duration into the per-scraper EWMA.
func (l *Loader) observeDuration(scraperID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.ewma[scraperID]
	if !ok {
		l.ewma[scraperID] = d
		return
	}
	l.ewma[scraperID] = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(prev))
}

// finish stamps the terminal state. Phases past fromIdx that never ran are
// marked cancelled alongside the session.
func (l *Loader) finish(ctx context.Context, status domain.SessionStatus, fromIdx int) {
	l.mu.Lock()
	now := time.Now().UTC()
	l.session.Status = status
	l.session.EndedAt = &now
	if status == domain.SessionCancelled {
		for i := fromIdx; i < len(l.session.Phases); i++ {
			if !terminalPhase(l.session.Phases[i].Status) {
				l.session.Phases[i].Status = domain.PhaseCancelled
				l.session.Phases[i].EndedAt = &now
			}
		}
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
	slog.Info("loading session finished", "session_id", snapshot.ID, "status", status)
}

func (l *Loader) persist(ctx context.Context, session *domain.LoadingSession) {
	if l.tracker == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.tracker.SessionTransition(persistCtx, session); err != nil {
		slog.Error("persist session transition", "session_id", session.ID, "error", err)
	}
}

func terminalPhase(s domain.PhaseStatus) bool {
	switch s {
	case domain.PhaseCompleted, domain.PhaseSkipped, domain.PhaseCancelled, domain.PhaseFailed:
		return true
	}
	return false
}

// buildPlan groups descriptors into phases by jurisdiction kind and tier.
func buildPlan(descs []domain.ScraperDescriptor) map[domain.PhaseKind][]domain.ScraperDescriptor {
	plan := make(map[domain.PhaseKind][]domain.ScraperDescriptor)
	for _, d := range descs {
		kind := PhaseFor(d)
		plan[kind] = append(plan[kind], d)
	}
	return plan
}

// PhaseFor maps a descriptor to its loading phase. Civic aggregators load with
// the minor municipal wave: they enrich records the earlier waves created.
func PhaseFor(d domain.ScraperDescriptor) domain.PhaseKind {
	switch d.Kind {
	case domain.JurisdictionFederal:
		return domain.PhaseFederalCore
	case domain.JurisdictionProvincial:
		if d.Tier >= 2 {
			return domain.PhaseProvincialTier2
		}
		return domain.PhaseProvincialTier1
	case domain.JurisdictionMunicipal:
		if d.Tier >= 2 {
			return domain.PhaseMunicipalMinor
		}
		return domain.PhaseMunicipalMajor
	default:
		return domain.PhaseMunicipalMinor
	}
}
