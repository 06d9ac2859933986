package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

func newTestManager() *Manager {
	return NewManager(zerolog.Nop())
}

func TestAcquireUncontended(t *testing.T) {
	m := newTestManager()
	err := m.Acquire(context.Background(), "res-1", "holder-a", models.LockModeExclusive, models.PriorityNormal, time.Second)
	require.NoError(t, err)

	holders := m.Holders("res-1")
	require.Len(t, holders, 1)
	assert.Equal(t, "holder-a", holders[0].HolderID)
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "res-1", "reader-1", models.LockModeShared, models.PriorityNormal, time.Second))
	require.NoError(t, m.Acquire(ctx, "res-1", "reader-2", models.LockModeShared, models.PriorityNormal, time.Second))

	assert.Len(t, m.Holders("res-1"), 2)
}

func TestExclusiveExcludesShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	err := m.Acquire(ctx, "res-1", "reader", models.LockModeShared, models.PriorityNormal, 0)
	require.Error(t, err)
	assert.Equal(t, orcherr.LockTimeout, orcherr.KindOf(err))
}

func TestZeroTimeoutFailsFastOnContention(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	start := time.Now()
	err := m.Acquire(ctx, "res-1", "writer-2", models.LockModeExclusive, models.PriorityNormal, 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestWaiterGrantedOnRelease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, "res-1", "waiter", models.LockModeExclusive, models.PriorityNormal, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release("res-1", "writer"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never granted after release")
	}

	holders := m.Holders("res-1")
	require.Len(t, holders, 1)
	assert.Equal(t, "waiter", holders[0].HolderID)
}

func TestHigherPriorityWaiterGrantedFirst(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	order := make([]string, 0, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := m.Acquire(ctx, "res-1", "low-priority", models.LockModeExclusive, models.PriorityLow, 2*time.Second); err == nil {
			mu.Lock()
			order = append(order, "low-priority")
			mu.Unlock()
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		if err := m.Acquire(ctx, "res-1", "high-priority", models.LockModeExclusive, models.PriorityCritical, 2*time.Second); err == nil {
			mu.Lock()
			order = append(order, "high-priority")
			mu.Unlock()
		}
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.Release("res-1", "writer"))
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, "high-priority", order[0])
}

func TestReleaseUnknownHolderFails(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	err := m.Release("res-1", "not-the-holder")
	require.Error(t, err)
	assert.Equal(t, orcherr.Validation, orcherr.KindOf(err))
}

func TestReleaseUnknownResourceFails(t *testing.T) {
	m := newTestManager()
	err := m.Release("never-acquired", "anyone")
	require.Error(t, err)
	assert.Equal(t, orcherr.NotFound, orcherr.KindOf(err))
}

func TestContextCancellationAbortsWait(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res-1", "writer", models.LockModeExclusive, models.PriorityNormal, time.Second))

	cancelCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(cancelCtx, "res-1", "waiter", models.LockModeExclusive, models.PriorityNormal, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, orcherr.LockTimeout, orcherr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock Acquire")
	}
}
