// Package ratelimit throttles outbound HTTP per external host.
// Sources are public civic sites; staying under 2 req/s keeps us a polite
// crawler and avoids source-side throttling.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// hostBucket is a token bucket for one external host.
type hostBucket struct {
	tokens   float64
	maxBurst float64
	rate     float64 // tokens per second
	lastSeen time.Time
}

// take refills by elapsed time and consumes one token if available.
// Returns the wait until a token would be available when denied.
func (b *hostBucket) take(now time.Time) (bool, time.Duration) {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1.0 - b.tokens) / b.rate * float64(time.Second))
	return false, wait
}

// HostLimiter rate-limits outbound requests per host with token buckets.
type HostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*hostBucket
	rate    float64
	burst   int
}

// NewHostLimiter creates a limiter with the given per-host refill rate and burst.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	return &HostLimiter{
		buckets: make(map[string]*hostBucket),
		rate:    rps,
		burst:   burst,
	}
}

// Acquire blocks until a token is available for host or ctx is done.
func (l *HostLimiter) Acquire(ctx context.Context, host string) error {
	for {
		ok, wait := l.try(host)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire consumes a token for host without blocking.
func (l *HostLimiter) TryAcquire(host string) bool {
	ok, _ := l.try(host)
	return ok
}

func (l *HostLimiter) try(host string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[host]
	if !ok {
		b = &hostBucket{
			tokens:   float64(l.burst),
			maxBurst: float64(l.burst),
			rate:     l.rate,
			lastSeen: now,
		}
		l.buckets[host] = b
	}
	return b.take(now)
}

// Evict removes buckets idle longer than maxIdle. Called by the reaper so
// long-running processes don't accumulate buckets for one-off hosts.
func (l *HostLimiter) Evict(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for host, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, host)
			evicted++
		}
	}
	return evicted
}
