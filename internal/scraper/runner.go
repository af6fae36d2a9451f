package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/ratelimit"
)

// Budget bounds one run: a wall-clock deadline and a record cap.
type Budget struct {
	Timeout    time.Duration
	MaxRecords int // 0 = unlimited
}

// RunResult is the outcome of executing one scraper once.
type RunResult struct {
	Status         domain.RunStatus
	RecordsFound   int
	Errors         []domain.StructuredError
	Issues         []domain.DataQualityIssue
	Duration       time.Duration
	PeakAllocBytes uint64

	// Err carries the terminal error (classified) for retry decisions.
	// Nil on success.
	Err error
}

// Consume receives each record as it is emitted. Runner delivery is
// synchronous: a slow consumer backpressures the extractor.
type Consume func(ctx context.Context, rec RawRecord) error

// Runner executes one scraper end-to-end. Scraper failures, including
// panics, never propagate to the caller; they are captured in the RunResult.
type Runner struct {
	client  *http.Client
	limiter *ratelimit.HostLimiter
}

// NewRunner builds a Runner sharing one HTTP client and host limiter across
// all runs.
func NewRunner(client *http.Client, limiter *ratelimit.HostLimiter) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Runner{client: client, limiter: limiter}
}

// Run executes the extractor under the budget, streaming records to consume.
// Already-emitted records stay delivered even when the run ends in timeout or
// failure.
func (r *Runner) Run(ctx context.Context, desc domain.ScraperDescriptor, factory Factory, budget Budget, consume Consume) *RunResult {
	start := time.Now()
	res := &RunResult{Status: domain.RunSuccess}

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	runCtx := ctx
	var cancel context.CancelFunc
	if budget.Timeout > 0 {
		runCtx, cancel = context.WithDeadline(ctx, start.Add(budget.Timeout))
		defer cancel()
	}

	sink := &runSink{
		ctx:     runCtx,
		consume: consume,
		max:     budget.MaxRecords,
		result:  res,
		scraper: desc.ID,
	}

	err := r.extract(runCtx, desc, factory, sink)

	res.Duration = time.Since(start)
	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	if memAfter.HeapAlloc > memBefore.HeapAlloc {
		res.PeakAllocBytes = memAfter.HeapAlloc - memBefore.HeapAlloc
	}

	switch {
	case err == nil || errors.Is(err, ErrBudgetExhausted):
		res.Status = domain.RunSuccess
	case errors.Is(ctx.Err(), context.Canceled):
		res.Status = domain.RunCancelled
		res.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = domain.RunTimeout
		res.Err = domain.Classify(domain.ErrorTimeout, err)
		res.record(domain.ErrorTimeout, fmt.Sprintf("deadline %s exceeded", budget.Timeout), desc.StartURL)
	default:
		res.Status = domain.RunFailed
		res.Err = err
		res.record(domain.KindOf(err), err.Error(), desc.StartURL)
	}

	if sink.budgetHit {
		res.Issues = append(res.Issues, domain.DataQualityIssue{
			Severity:    domain.SeverityWarning,
			Kind:        domain.IssueBudgetExhausted,
			Description: fmt.Sprintf("scraper %s hit its record budget of %d", desc.ID, budget.MaxRecords),
			DetectedAt:  time.Now().UTC(),
		})
	}

	return res
}

// extract invokes the extractor with panic recovery.
func (r *Runner) extract(ctx context.Context, desc domain.ScraperDescriptor, factory Factory, sink *runSink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("scraper panicked", "scraper_id", desc.ID, "panic", p)
			err = domain.Classifyf(domain.ErrorScraperPanic, "scraper %s panicked: %v", desc.ID, p)
		}
	}()

	fetcher := NewFetcher(r.client, r.limiter, desc.ID)
	return factory().Extract(ctx, fetcher, sink)
}

// record appends a structured error to the run's error log.
func (res *RunResult) record(kind domain.ErrorKind, msg, context string) {
	res.Errors = append(res.Errors, domain.StructuredError{
		Kind:       kind,
		Message:    msg,
		Context:    context,
		OccurredAt: time.Now().UTC(),
	})
}

// runSink adapts the consume callback to the Sink interface, enforcing the
// record budget and coercing bare-string emissions.
type runSink struct {
	ctx       context.Context
	consume   Consume
	max       int
	result    *RunResult
	scraper   string
	budgetHit bool
}

// Emit implements Sink.
func (s *runSink) Emit(v any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.budgetHit {
		return ErrBudgetExhausted
	}

	var rec RawRecord
	switch t := v.(type) {
	case RawRecord:
		rec = t
	case *RawRecord:
		rec = *t
	case string:
		rec = CoerceBare(t)
		s.result.Issues = append(s.result.Issues, domain.DataQualityIssue{
			Severity:    domain.SeverityWarning,
			Kind:        domain.IssueUnknownClassification,
			Description: fmt.Sprintf("scraper %s emitted a bare string; coerced to kind=unknown", s.scraper),
			DetectedAt:  time.Now().UTC(),
		})
	default:
		return domain.Classifyf(domain.ErrorCoercion, "scraper %s emitted unsupported type %T", s.scraper, v)
	}

	if s.consume != nil {
		if err := s.consume(s.ctx, rec); err != nil {
			return err
		}
	}
	s.result.RecordsFound++

	if s.max > 0 && s.result.RecordsFound >= s.max {
		s.budgetHit = true
	}
	return nil
}
