package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/config"
)

type mockRunPruner struct {
	mu     sync.Mutex
	ids    []uuid.UUID
	cutoff time.Time
	err    error
}

func (m *mockRunPruner) PruneTerminalRuns(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = before
	return m.ids, m.err
}

type mockIssuePruner struct {
	count int
	err   error
}

func (m *mockIssuePruner) PruneResolvedIssues(_ context.Context, _ time.Time) (int, error) {
	return m.count, m.err
}

type mockAuditPruner struct {
	count int
}

func (m *mockAuditPruner) Prune(_ context.Context, _ time.Time) (int, error) {
	return m.count, nil
}

type mockSnapshots struct {
	mu      sync.Mutex
	removed []string
}

func (m *mockSnapshots) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, key)
}

type mockArchivePruner struct {
	count int
}

func (m *mockArchivePruner) PruneOlderThan(_ context.Context, _ time.Time) (int, error) {
	return m.count, nil
}

type mockHosts struct {
	evicted int
	maxIdle time.Duration
}

func (m *mockHosts) Evict(maxIdle time.Duration) int {
	m.maxIdle = maxIdle
	return m.evicted
}

type panicPruner struct{}

func (panicPruner) PruneTerminalRuns(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	panic("boom")
}

func retention() config.RetentionConfig {
	return config.RetentionConfig{
		RunsMaxAgeDays:        90,
		ResolvedIssuesMaxDays: 30,
		AuditMaxAgeDays:       365,
		ReaperIntervalMinutes: 15,
	}
}

func TestTickPrunesRunsAndSnapshots(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	runs := &mockRunPruner{ids: []uuid.UUID{id1, id2}}
	snapshots := &mockSnapshots{}

	r := New(retention(), runs, nil, nil, snapshots, nil, nil)
	status := r.tick(context.Background())

	assert.Equal(t, 2, status.RunsPruned)
	assert.ElementsMatch(t, []string{"run-" + id1.String(), "run-" + id2.String()}, snapshots.removed)

	// Cutoff is the configured max age before now.
	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, runs.cutoff, time.Minute)
}

func TestTickSkipsTasksWithNilDeps(t *testing.T) {
	r := New(retention(), nil, nil, nil, nil, nil, nil)
	status := r.tick(context.Background())

	assert.Zero(t, status.RunsPruned)
	assert.Zero(t, status.IssuesPruned)
	assert.Zero(t, status.AuditPruned)
	assert.Zero(t, status.PayloadsPruned)
	assert.Zero(t, status.HostsEvicted)
}

func TestTickDisabledByZeroRetention(t *testing.T) {
	runs := &mockRunPruner{ids: []uuid.UUID{uuid.New()}}
	issues := &mockIssuePruner{count: 7}

	cfg := retention()
	cfg.RunsMaxAgeDays = 0
	cfg.ResolvedIssuesMaxDays = 0

	r := New(cfg, runs, issues, nil, nil, nil, nil)
	status := r.tick(context.Background())

	assert.Zero(t, status.RunsPruned)
	assert.Zero(t, status.IssuesPruned)
}

func TestTickIsolatesFailures(t *testing.T) {
	issues := &mockIssuePruner{err: errors.New("store down")}
	audit := &mockAuditPruner{count: 42}

	r := New(retention(), nil, issues, audit, nil, nil, nil)
	status := r.tick(context.Background())

	assert.Zero(t, status.IssuesPruned)
	assert.Equal(t, 42, status.AuditPruned)
}

func TestTickSurvivesPanic(t *testing.T) {
	audit := &mockAuditPruner{count: 3}

	r := New(retention(), panicPruner{}, nil, audit, nil, nil, nil)
	status := r.tick(context.Background())

	assert.Zero(t, status.RunsPruned)
	assert.Equal(t, 3, status.AuditPruned)
}

func TestTickPrunesArchiveAndHosts(t *testing.T) {
	archive := &mockArchivePruner{count: 11}
	hosts := &mockHosts{evicted: 4}

	r := New(retention(), nil, nil, nil, nil, archive, hosts)
	status := r.tick(context.Background())

	assert.Equal(t, 11, status.PayloadsPruned)
	assert.Equal(t, 4, status.HostsEvicted)
	assert.Equal(t, hostBucketMaxIdle, hosts.maxIdle)
}

func TestRunNowReturnsStatus(t *testing.T) {
	audit := &mockAuditPruner{count: 42}

	r := New(retention(), nil, nil, audit, nil, nil, nil)
	status, err := r.RunNow(context.Background())

	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 42, status.AuditPruned)
	assert.False(t, status.LastRun.IsZero())
}

func TestStartStop(t *testing.T) {
	cfg := retention()
	cfg.ReaperIntervalMinutes = 1

	r := New(cfg, nil, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	r.Stop()
	// Reaching here without hanging is the assertion.
}

func TestIntervalClampsToDefault(t *testing.T) {
	cfg := retention()
	cfg.ReaperIntervalMinutes = 0

	r := New(cfg, nil, nil, nil, nil, nil, nil)
	assert.Equal(t, 15*time.Minute, r.interval())

	cfg.ReaperIntervalMinutes = 5
	r = New(cfg, nil, nil, nil, nil, nil, nil)
	assert.Equal(t, 5*time.Minute, r.interval())
}
