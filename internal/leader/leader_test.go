package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLock is a TryLockFunc that can be dynamically controlled.
type mockLock struct {
	mu       sync.Mutex
	acquired bool
	err      error
	calls    int
}

func (m *mockLock) tryLock(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.acquired, m.err
}

func fastGuard(lock *mockLock) *Guard {
	g := New(lock.tryLock)
	g.wait = time.Millisecond
	return g
}

func TestGuard_AcquiresImmediately(t *testing.T) {
	lock := &mockLock{acquired: true}

	require.NoError(t, fastGuard(lock).Acquire(context.Background()))
	assert.Equal(t, 1, lock.calls)
}

func TestGuard_RetriesThenFails(t *testing.T) {
	lock := &mockLock{acquired: false}

	err := fastGuard(lock).Acquire(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, defaultRetries+1, lock.calls)
}

func TestGuard_AcquiresAfterHolderReleases(t *testing.T) {
	lock := &mockLock{acquired: false}
	g := fastGuard(lock)

	// Free the lock after the first refusal, as a shutting-down instance would.
	go func() {
		time.Sleep(500 * time.Microsecond)
		lock.mu.Lock()
		lock.acquired = true
		lock.mu.Unlock()
	}()

	require.NoError(t, g.Acquire(context.Background()))
}

func TestGuard_PropagatesLockError(t *testing.T) {
	lock := &mockLock{err: errors.New("connection refused")}

	err := fastGuard(lock).Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, lock.calls, "query errors are not retried")
}

func TestGuard_StopsOnContextCancel(t *testing.T) {
	lock := &mockLock{acquired: false}
	g := New(lock.tryLock)
	g.wait = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not honour cancellation")
	}
}
