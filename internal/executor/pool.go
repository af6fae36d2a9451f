// Package executor runs scrapers on a bounded, prioritized worker pool.
// The pool is process-wide: exactly one instance per process, created at
// startup and torn down at shutdown.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/retry"
)

// ErrBackpressure is returned by Submit while the normalizer queue is over
// its high-water mark.
var ErrBackpressure = errors.New("executor is shedding load, retry later")

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("executor pool is stopped")

// cancelGrace is how long a worker waits for a cancelled run to yield before
// abandoning it.
const cancelGrace = 10 * time.Second

// Backpressure thresholds on pending normalizer records.
const (
	backpressureHigh = 10000
	backpressureLow  = 5000
)

// Outcome is what executing one attempt produced. RunFunc fills it from the
// scrape, normalize, and ingest stages.
type Outcome struct {
	Status         domain.RunStatus
	RecordsFound   int
	RecordsNew     int
	RecordsUpdated int
	Errors         []domain.StructuredError
	Err            error // classified terminal error, nil on success
}

// RunFunc executes one attempt of one scraper end-to-end. The attempt context
// carries the run id, retrievable with RunID.
type RunFunc func(ctx context.Context, desc domain.ScraperDescriptor, strategy domain.Strategy, attempt int) Outcome

type runIDKey struct{}

// RunID returns the id of the run an attempt context belongs to.
func RunID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(runIDKey{}).(uuid.UUID)
	return id, ok
}

// Tracker persists run state transitions. Every transition is written before
// the pool takes the next dependent action.
type Tracker interface {
	RunTransition(ctx context.Context, run *domain.ScrapingRun) error
}

// IssueSink records data quality issues observed by the pool itself.
type IssueSink interface {
	RecordIssue(ctx context.Context, issue *domain.DataQualityIssue) error
}

// Config tunes the pool.
type Config struct {
	MinWorkers   int
	MaxWorkers   int
	CategoryCaps map[domain.Category]int
	Strategy     domain.Strategy

	// PendingRecords reports the normalizer queue depth for backpressure.
	// Nil disables the gate.
	PendingRecords func() int

	// SubmitGate blocks submissions when it returns an error (the ingest
	// circuit breaker plugs in here). Nil disables the gate.
	SubmitGate func() error
}

// WorkerCount picks the starting worker count: ceil(0.75 × CPUs) for an
// I/O-bound mix, clamped to [10, 20], then bounded by the configured min/max.
func WorkerCount(minWorkers, maxWorkers int) int {
	est := int(math.Ceil(0.75 * float64(runtime.NumCPU())))
	if est < 10 {
		est = 10
	}
	if est > 20 {
		est = 20
	}
	if est > maxWorkers {
		est = maxWorkers
	}
	if est < minWorkers {
		est = minWorkers
	}
	return est
}

// RunHandle tracks one submission from enqueue to terminal state.
// The run record and lifecycle fields are guarded by the pool mutex; desc and
// strategy are set at submit and immutable after.
type RunHandle struct {
	pool     *Pool
	item     *queueItem // nil once dequeued
	desc     domain.ScraperDescriptor
	strategy domain.Strategy

	run             domain.ScrapingRun
	cancel          context.CancelFunc // set while an attempt is executing
	cancelRequested bool
	done            chan struct{}
}

// Run returns a snapshot of the run record.
func (h *RunHandle) Run() domain.ScrapingRun {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.run
}

// Done is closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run is terminal or ctx is done.
func (h *RunHandle) Await(ctx context.Context) (domain.ScrapingRun, error) {
	select {
	case <-ctx.Done():
		return h.Run(), ctx.Err()
	case <-h.done:
		return h.Run(), nil
	}
}

// Pool is the prioritized executor. Smaller priority runs first; ties break
// by category rank, then arrival. Per-category caps bound how much of the
// pool one tier can occupy.
type Pool struct {
	cfg    Config
	runFn  RunFunc
	track  Tracker
	policy *retry.Policy

	// OnRunStarted and OnRunFinished observe run transitions (status stream,
	// loader). Called outside the pool lock.
	OnRunStarted  func(run domain.ScrapingRun)
	OnRunFinished func(run domain.ScrapingRun)

	// Issues receives pool-level data quality observations (optional).
	Issues IssueSink

	mu        sync.Mutex
	cond      *sync.Cond
	queue     runQueue
	active    map[string]*RunHandle // (scraper_id|session) → non-terminal handle
	byCat     map[domain.Category]int
	target    int // desired worker count, changed only by the resize monitor
	workers   int
	seq       uint64
	gated     bool // backpressure hysteresis state
	stopped   bool
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool builds a pool. runFn must be non-nil; track may be nil in tests.
func NewPool(cfg Config, runFn RunFunc, track Tracker, policy *retry.Policy) *Pool {
	if cfg.Strategy == "" {
		cfg.Strategy = domain.StrategyBalanced
	}
	p := &Pool{
		cfg:    cfg,
		runFn:  runFn,
		track:  track,
		policy: policy,
		active: make(map[string]*RunHandle),
		byCat:  make(map[domain.Category]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spins up the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.baseCtx, p.cancelAll = context.WithCancel(ctx)
	p.target = WorkerCount(p.cfg.MinWorkers, p.cfg.MaxWorkers)
	for i := 0; i < p.target; i++ {
		p.spawnWorkerLocked()
	}
	slog.Info("executor pool started", "workers", p.target)
}

// Stop drains the pool: cancels all work and waits for workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cancelAll()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit enqueues a run. Idempotent per (scraper, session): while an earlier
// submission is non-terminal, the existing handle is returned and equal-
// priority duplicates coalesce.
func (p *Pool) Submit(desc domain.ScraperDescriptor, priority int, sessionID *uuid.UUID, strategy domain.Strategy) (*RunHandle, error) {
	if strategy == "" {
		strategy = p.cfg.Strategy
	}

	p.mu.Lock()

	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	key := submitKey(desc.ID, sessionID)
	if h, ok := p.active[key]; ok {
		p.mu.Unlock()
		return h, nil
	}
	if err := p.gateLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	h := &RunHandle{
		pool:     p,
		desc:     desc,
		strategy: strategy,
		done:     make(chan struct{}),
		run: domain.ScrapingRun{
			ID:           uuid.New(),
			ScraperID:    desc.ID,
			Jurisdiction: desc.Jurisdiction,
			Category:     desc.Category,
			SessionID:    sessionID,
			Status:       domain.RunPending,
			Attempt:      0,
			CreatedAt:    now,
		},
	}
	p.seq++
	h.item = &queueItem{
		handle:   h,
		priority: priority,
		catRank:  domain.CategoryRank(desc.Category),
		seq:      p.seq,
	}
	p.active[key] = h
	it := h.item
	run := h.run
	p.mu.Unlock()

	// Persist the pending row before the run becomes visible to workers:
	// every later transition then lands after it.
	p.transition(run)

	p.mu.Lock()
	if !it.cancelled {
		p.queue.push(it)
		p.cond.Signal()
	}
	p.mu.Unlock()
	return h, nil
}

// Cancel signals cancellation. Queued runs terminate immediately; running
// ones at their next cooperative check, or forcibly at the grace deadline.
// Returns false when the run was already terminal.
func (p *Pool) Cancel(h *RunHandle) bool {
	p.mu.Lock()
	if domain.TerminalRunStatus(h.run.Status) {
		p.mu.Unlock()
		return false
	}
	if h.item != nil && !h.item.cancelled {
		// Still queued: remove lazily and finish now.
		h.item.cancelled = true
		h.item = nil
		p.mu.Unlock()
		p.finish(h, Outcome{Status: domain.RunCancelled})
		return true
	}
	h.cancelRequested = true
	cancel := h.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CancelSession cancels every non-terminal run belonging to the session.
func (p *Pool) CancelSession(sessionID uuid.UUID) {
	p.mu.Lock()
	var handles []*RunHandle
	for _, h := range p.active {
		if h.run.SessionID != nil && *h.run.SessionID == sessionID {
			handles = append(handles, h)
		}
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.Cancel(h)
	}
}

// QueueDepth reports pending submissions (for the status endpoint).
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// RunningByCategory snapshots in-flight counts per category.
func (p *Pool) RunningByCategory() map[domain.Category]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.Category]int, len(p.byCat))
	for c, n := range p.byCat {
		out[c] = n
	}
	return out
}

// Workers reports the current worker target.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// setWorkerTarget is called by the resize monitor only.
func (p *Pool) setWorkerTarget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || n == p.target {
		return
	}
	slog.Info("executor pool resizing", "from", p.target, "to", n)
	p.target = n
	for p.workers < p.target {
		p.spawnWorkerLocked()
	}
	// Shrinking: surplus workers notice the target after their current run.
	p.cond.Broadcast()
}

// gateLocked applies backpressure and the external submit gate.
func (p *Pool) gateLocked() error {
	if p.cfg.SubmitGate != nil {
		if err := p.cfg.SubmitGate(); err != nil {
			return err
		}
	}
	if p.cfg.PendingRecords == nil {
		return nil
	}
	pending := p.cfg.PendingRecords()
	if p.gated {
		if pending > backpressureLow {
			return fmt.Errorf("%w: %d records pending", ErrBackpressure, pending)
		}
		p.gated = false
	} else if pending > backpressureHigh {
		p.gated = true
		return fmt.Errorf("%w: %d records pending", ErrBackpressure, pending)
	}
	return nil
}

func (p *Pool) spawnWorkerLocked() {
	p.workers++
	id := p.workers
	p.wg.Add(1)
	go p.worker(id)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for {
			if p.stopped {
				p.workers--
				p.mu.Unlock()
				return
			}
			if id > p.target {
				// Retired by a downscale.
				p.workers--
				p.mu.Unlock()
				return
			}
			if it := p.queue.popEligible(p.eligibleLocked); it != nil {
				it.handle.item = nil
				p.byCat[it.handle.run.Category]++
				p.mu.Unlock()
				p.execute(it.handle, it.priority)
				break
			}
			p.cond.Wait()
		}
	}
}

// eligibleLocked checks the category cap for a queued item.
func (p *Pool) eligibleLocked(it *queueItem) bool {
	cat := it.handle.run.Category
	limit, ok := p.cfg.CategoryCaps[cat]
	if !ok {
		return true
	}
	return p.byCat[cat] < limit
}

// execute runs attempts until terminal, honouring the retry policy.
func (p *Pool) execute(h *RunHandle, priority int) {
	desc, strategy := h.desc, h.strategy

	for {
		p.mu.Lock()
		if h.cancelRequested {
			p.mu.Unlock()
			p.finishRunning(h, Outcome{Status: domain.RunCancelled})
			return
		}
		attemptCtx, cancel := context.WithCancel(context.WithValue(p.baseCtx, runIDKey{}, h.run.ID))
		h.cancel = cancel
		h.run.Attempt++
		h.run.Status = domain.RunRunning
		now := time.Now().UTC()
		if h.run.StartedAt == nil {
			h.run.StartedAt = &now
		}
		attempt := h.run.Attempt
		run := h.run
		p.mu.Unlock()

		p.transition(run)
		if p.OnRunStarted != nil && attempt == 1 {
			p.OnRunStarted(run)
		}

		outcome := p.runAttempt(attemptCtx, desc, strategy, attempt)
		cancel()

		if outcome.Status == domain.RunSuccess || outcome.Status == domain.RunCancelled || p.policy == nil {
			p.finishRunning(h, outcome)
			return
		}

		dec := p.policy.Decide(retry.Classify(outcome.Err), attempt, strategy, priority)
		if !dec.Retry {
			p.finishRunning(h, outcome)
			return
		}

		slog.Info("retrying run",
			"run_id", run.ID, "scraper_id", desc.ID,
			"attempt", attempt, "delay", dec.Delay, "kind", retry.Classify(outcome.Err))

		timer := time.NewTimer(dec.Delay)
		select {
		case <-p.baseCtx.Done():
			timer.Stop()
			p.finishRunning(h, Outcome{Status: domain.RunCancelled})
			return
		case <-timer.C:
		}
	}
}

// runAttempt invokes runFn, bounding how long an unresponsive cancelled run
// can hold a worker.
func (p *Pool) runAttempt(ctx context.Context, desc domain.ScraperDescriptor, strategy domain.Strategy, attempt int) Outcome {
	resCh := make(chan Outcome, 1)
	go func() {
		resCh <- p.runFn(ctx, desc, strategy, attempt)
	}()

	select {
	case out := <-resCh:
		return out
	case <-ctx.Done():
		select {
		case out := <-resCh:
			return out
		case <-time.After(cancelGrace):
			slog.Warn("run did not yield after cancel, abandoning", "scraper_id", desc.ID)
			return Outcome{Status: domain.RunCancelled, Err: ctx.Err()}
		}
	}
}

// finishRunning completes a run that occupied a category slot.
func (p *Pool) finishRunning(h *RunHandle, out Outcome) {
	p.mu.Lock()
	p.byCat[h.run.Category]--
	p.mu.Unlock()
	p.finish(h, out)
}

// finish records the terminal state, releases the submit key, and notifies.
func (p *Pool) finish(h *RunHandle, out Outcome) {
	p.mu.Lock()
	now := time.Now().UTC()
	h.run.Status = out.Status
	h.run.EndedAt = &now
	if h.run.StartedAt == nil {
		h.run.StartedAt = &now
	}
	h.run.RecordsFound = out.RecordsFound
	h.run.RecordsNew = out.RecordsNew
	h.run.RecordsUpdated = out.RecordsUpdated
	h.run.ErrorsCount = len(out.Errors)
	if len(out.Errors) > 0 {
		h.run.ErrorLog = marshalErrors(out.Errors)
	}
	run := h.run
	delete(p.active, submitKey(h.run.ScraperID, h.run.SessionID))
	h.cancel = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.transition(run)

	// A success after failed attempts means a transient recovered on retry;
	// worth surfacing, not worth failing anything over.
	if p.Issues != nil && run.Status == domain.RunSuccess && run.Attempt > 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		runID := run.ID
		issue := &domain.DataQualityIssue{
			RunID:       &runID,
			Severity:    domain.SeverityWarning,
			Kind:        domain.IssueTransientRecovered,
			Description: fmt.Sprintf("scraper %s succeeded on attempt %d", run.ScraperID, run.Attempt),
			DetectedAt:  time.Now().UTC(),
		}
		if err := p.Issues.RecordIssue(ctx, issue); err != nil {
			slog.Warn("record recovery issue", "run_id", run.ID, "error", err)
		}
		cancel()
	}

	close(h.done)
	if p.OnRunFinished != nil {
		p.OnRunFinished(run)
	}
}

// transition persists a run state change. Persistence failures are logged,
// not fatal: the progress tracker reconciles on restart.
func (p *Pool) transition(run domain.ScrapingRun) {
	if p.track == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.track.RunTransition(ctx, &run); err != nil {
		slog.Error("persist run transition", "run_id", run.ID, "status", run.Status, "error", err)
	}
}

func submitKey(scraperID string, sessionID *uuid.UUID) string {
	if sessionID == nil {
		return scraperID + "|"
	}
	return scraperID + "|" + sessionID.String()
}

func marshalErrors(errs []domain.StructuredError) []byte {
	b, err := json.Marshal(errs)
	if err != nil {
		return nil
	}
	return b
}
