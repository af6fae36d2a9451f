// Package scheduler fires scraper runs from the cron schedules declared in
// descriptor metadata. It runs as a background goroutine inside loond,
// ticking at 1 s granularity and firing all due scrapers in one pass.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/executor"
)

// Tick is the scheduler's evaluation granularity.
const Tick = 1 * time.Second

// Priorities for submissions. Manual triggers outrank scheduled work.
const (
	PriorityManual    = 10
	PriorityScheduled = 50
)

// Registry is the slice of the scraper registry the scheduler needs.
type Registry interface {
	List() []domain.ScraperDescriptor
	Get(id string) *domain.ScraperDescriptor
}

// Scheduler evaluates descriptor cron schedules and fires due runs.
type Scheduler struct {
	registry Registry
	pool     *executor.Pool
	issues   executor.IssueSink
	parser   cron.Parser

	mu        sync.Mutex
	nextRun   map[string]time.Time      // scraper id → next due wall-clock time
	lastFired map[string]time.Time      // scraper id → cron minute last fired
	inflight  map[string]*executor.RunHandle

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler over the registry and pool. issues may be nil.
func New(registry Registry, pool *executor.Pool, issues executor.IssueSink) *Scheduler {
	return &Scheduler{
		registry:  registry,
		pool:      pool,
		issues:    issues,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextRun:   make(map[string]time.Time),
		lastFired: make(map[string]time.Time),
		inflight:  make(map[string]*executor.RunHandle),
	}
}

// Start begins the background scheduler goroutine. Schedules are initialized
// to their next future occurrence: a restart never replays missed fires.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	now := time.Now()
	s.mu.Lock()
	for _, desc := range s.registry.List() {
		if desc.Cron == "" {
			continue
		}
		sched, err := s.parser.Parse(desc.Cron)
		if err != nil {
			// The registry validated cron at load; this is belt and braces.
			slog.Warn("scheduler: invalid cron expression", "scraper_id", desc.ID, "cron", desc.Cron, "error", err)
			continue
		}
		s.nextRun[desc.ID] = sched.Next(now)
	}
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Trigger submits an on-demand run for one scraper.
func (s *Scheduler) Trigger(id string) (*executor.RunHandle, error) {
	desc := s.registry.Get(id)
	if desc == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrScraperNotFound, id)
	}
	h, err := s.pool.Submit(*desc, PriorityManual, nil, "")
	if err != nil {
		return nil, err
	}
	s.remember(id, h)
	return h, nil
}

// TriggerCategory submits on-demand runs for every scraper in the category.
func (s *Scheduler) TriggerCategory(cat domain.Category) ([]*executor.RunHandle, error) {
	var handles []*executor.RunHandle
	for _, desc := range s.registry.List() {
		if desc.Category != cat {
			continue
		}
		h, err := s.pool.Submit(desc, PriorityManual, nil, "")
		if err != nil {
			return handles, err
		}
		s.remember(desc.ID, h)
		handles = append(handles, h)
	}
	return handles, nil
}

// tick fires every due schedule once. Exported indirectly through Start;
// tests drive it with synthetic clocks.
func (s *Scheduler) tick(now time.Time) {
	var overlapped []string

	s.mu.Lock()
	for _, desc := range s.registry.List() {
		due, ok := s.nextRun[desc.ID]
		if !ok || due.After(now) {
			continue
		}

		sched, err := s.parser.Parse(desc.Cron)
		if err != nil {
			continue
		}
		// Advance first so one pass fires each schedule at most once even
		// when the loop below declines to submit.
		s.nextRun[desc.ID] = sched.Next(now)

		// A clock jump or hibernation wake can make the same cron minute
		// look due twice; the minute guard makes firing idempotent per
		// (scraper, minute).
		minute := due.Truncate(time.Minute)
		if s.lastFired[desc.ID].Equal(minute) {
			continue
		}

		// Overlap: previous run for this scraper still non-terminal.
		if h, ok := s.inflight[desc.ID]; ok {
			select {
			case <-h.Done():
				delete(s.inflight, desc.ID)
			default:
				slog.Info("scheduler: dropping trigger, previous run still active", "scraper_id", desc.ID)
				overlapped = append(overlapped, desc.ID)
				continue
			}
		}

		h, err := s.pool.Submit(desc, PriorityScheduled, nil, "")
		if err != nil {
			slog.Warn("scheduler: submit failed, will retry next occurrence", "scraper_id", desc.ID, "error", err)
			continue
		}
		s.lastFired[desc.ID] = minute
		s.inflight[desc.ID] = h
		slog.Info("scheduler: fired run", "scraper_id", desc.ID, "run_id", h.Run().ID, "next_run_at", s.nextRun[desc.ID])
	}
	s.mu.Unlock()

	// Issue writes hit the store; a slow store must not stall the next
	// tick or block Trigger behind the scheduler mutex.
	for _, id := range overlapped {
		s.recordOverlap(id)
	}
}

func (s *Scheduler) remember(id string, h *executor.RunHandle) {
	s.mu.Lock()
	s.inflight[id] = h
	s.mu.Unlock()
}

func (s *Scheduler) recordOverlap(scraperID string) {
	if s.issues == nil {
		return
	}
	ref := "scraper:" + scraperID
	issue := &domain.DataQualityIssue{
		Severity:    domain.SeverityInfo,
		Kind:        domain.IssueStaleRecord,
		Description: fmt.Sprintf("scheduled trigger for %s dropped: previous run still active", scraperID),
		EntityRef:   &ref,
		DetectedAt:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.issues.RecordIssue(ctx, issue); err != nil {
		slog.Warn("scheduler: record overlap issue", "scraper_id", scraperID, "error", err)
	}
}
