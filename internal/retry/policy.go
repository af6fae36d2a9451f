// Package retry decides whether and when a failed run should be attempted
// again. The policy is a pure function of (error kind, attempt, strategy);
// attempt bookkeeping lives with the executor.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/loon-data/loon/platform/internal/domain"
)

// DefaultBaseDelay is the first-retry delay before exponential growth.
const DefaultBaseDelay = 30 * time.Second

// DefaultMaxAttempts bounds attempts per scraper per session before the
// strategy multiplier.
const DefaultMaxAttempts = 3

// jitterFraction spreads retries ±20% so a burst of failures does not
// reconverge on the source at the same instant.
const jitterFraction = 0.2

// Decision is the retry controller's output for one failed run.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Priority int // priority for the retried submission
}

// Policy holds the tunables. The zero value is unusable; use NewPolicy.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	rng         *rand.Rand
}

// NewPolicy builds a policy with the given base delay and attempt cap.
// Zero values fall back to the defaults.
func NewPolicy(baseDelay time.Duration, maxAttempts int) *Policy {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{
		BaseDelay:   baseDelay,
		MaxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classify maps an error to the platform taxonomy.
func Classify(err error) domain.ErrorKind {
	return domain.KindOf(err)
}

// Transient reports whether the kind is worth retrying at all.
func Transient(kind domain.ErrorKind) bool {
	return kind.Transient()
}

// Attempts returns the effective attempt cap under the strategy.
// Conservative sessions get more attempts, aggressive ones fewer, but never
// fewer than one.
func (p *Policy) Attempts(strategy domain.Strategy) int {
	n := int(math.Round(float64(p.MaxAttempts) * strategy.Multiplier()))
	if n < 1 {
		n = 1
	}
	return n
}

// Decide evaluates a failed attempt. attempt is 1-based: the attempt that
// just failed. priority is the priority the run was submitted with; retries
// keep it so a retried parliamentary scraper still outranks fresh municipal
// work.
func (p *Policy) Decide(kind domain.ErrorKind, attempt int, strategy domain.Strategy, priority int) Decision {
	if !Transient(kind) {
		return Decision{Retry: false, Priority: priority}
	}
	if attempt >= p.Attempts(strategy) {
		return Decision{Retry: false, Priority: priority}
	}
	return Decision{
		Retry:    true,
		Delay:    p.delay(attempt),
		Priority: priority,
	}
}

// delay computes base × 2^(attempt-1) with ±20% jitter.
func (p *Policy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := 1 + jitterFraction*(2*p.rng.Float64()-1)
	return time.Duration(backoff * jitter)
}
