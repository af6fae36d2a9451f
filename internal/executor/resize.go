package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Memory-pressure thresholds for pool resizing. Above the high mark for a
// sustained window the pool halves; once usage stays below the low mark long
// enough it restores.
const (
	memHighPercent  = 85.0
	memLowPercent   = 70.0
	shrinkAfter     = 30 * time.Second
	restoreAfter    = 60 * time.Second
	resizeCheckTick = 5 * time.Second
)

// memPercent samples system memory usage; swapped out in tests.
type memPercent func() (float64, error)

func systemMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// ResizeMonitor watches system memory and downsizes the pool under pressure.
// The worker target is only ever written from here.
type ResizeMonitor struct {
	pool    *Pool
	sample  memPercent
	tick    time.Duration
	normal  int
	shrunk  bool
	highFor time.Duration
	lowFor  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResizeMonitor creates a monitor for the pool.
func NewResizeMonitor(pool *Pool) *ResizeMonitor {
	return &ResizeMonitor{
		pool:   pool,
		sample: systemMemPercent,
		tick:   resizeCheckTick,
	}
}

// Start begins the background monitor goroutine. Call after pool.Start.
func (m *ResizeMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.normal = m.pool.Workers()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (m *ResizeMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *ResizeMonitor) check() {
	pct, err := m.sample()
	if err != nil {
		slog.Warn("memory sample failed", "error", err)
		return
	}

	switch {
	case pct > memHighPercent:
		m.highFor += m.tick
		m.lowFor = 0
	case pct < memLowPercent:
		m.lowFor += m.tick
		m.highFor = 0
	default:
		m.highFor = 0
		m.lowFor = 0
	}

	if !m.shrunk && m.highFor >= shrinkAfter {
		half := m.normal / 2
		if half < 1 {
			half = 1
		}
		slog.Warn("memory pressure sustained, halving pool", "used_percent", pct, "workers", half)
		m.pool.setWorkerTarget(half)
		m.shrunk = true
		m.highFor = 0
	}
	if m.shrunk && m.lowFor >= restoreAfter {
		slog.Info("memory pressure cleared, restoring pool", "used_percent", pct, "workers", m.normal)
		m.pool.setWorkerTarget(m.normal)
		m.shrunk = false
		m.lowFor = 0
	}
}
