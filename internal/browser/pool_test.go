package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/pkg/models"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched int
	closed   int
	fail     bool
}

func (f *fakeLauncher) Launch(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("launch refused")
	}
	f.launched++
	return NewSession(fmt.Sprintf("sess-%d", f.launched), 0, nil, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed++
		return nil
	}), nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func (f *fakeLauncher) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestPool(capacity int) (*Pool, *fakeLauncher) {
	launcher := &fakeLauncher{}
	return NewPool(capacity, launcher, zap.NewNop()), launcher
}

func TestAcquireCreatesLazilyAndReuses(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, models.StateActive, lease.Session().State())

	id := lease.Session().ID()
	lease.Release(HealthOK)

	lease2, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, lease2.Session().ID())
	assert.Equal(t, 1, launcher.count(), "idle session should be reused, not relaunched")
}

func TestAcquireNonBlockingAtCapacity(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(HealthOK)

	_, err = pool.Acquire(ctx, 0)
	require.ErrorIs(t, err, ErrPoolTimeout)
	assert.Equal(t, 1, launcher.count(), "no session may be created on a zero-timeout miss")
}

func TestAcquireWaitTimesOut(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(HealthOK)

	start := time.Now()
	_, err = pool.Acquire(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPoolTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReleaseWakesWaiter(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	held := lease.Session().ID()

	got := make(chan string, 1)
	go func() {
		l, err := pool.Acquire(ctx, 5*time.Second)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- l.Session().ID()
		l.Release(HealthOK)
	}()

	waitForWaiters(t, pool, 1)
	lease.Release(HealthOK)

	select {
	case id := <-got:
		assert.Equal(t, held, id)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never served")
	}
}

func TestWaitersServedInOrder(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)

	order := make(chan int, 2)
	start := func(n int) {
		go func() {
			l, err := pool.Acquire(ctx, 5*time.Second)
			require.NoError(t, err)
			order <- n
			l.Release(HealthOK)
		}()
	}

	start(1)
	waitForWaiters(t, pool, 1)
	start(2)
	waitForWaiters(t, pool, 2)

	lease.Release(HealthOK)

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestDegradedTwiceIsDestroyed(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	first := lease.Session().ID()
	lease.Release(HealthDegraded)

	// One degraded report keeps the session in rotation
	lease, err = pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, lease.Session().ID())
	lease.Release(HealthDegraded)

	// Second consecutive report kills it; replacement is lazy
	assert.Equal(t, 1, launcher.count())
	lease, err = pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first, lease.Session().ID())
	assert.Equal(t, 2, launcher.count())
	lease.Release(HealthOK)
}

func TestHealthyReleaseResetsDegradedStreak(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	for _, h := range []Health{HealthDegraded, HealthOK, HealthDegraded} {
		lease, err := pool.Acquire(ctx, time.Second)
		require.NoError(t, err)
		lease.Release(h)
	}

	// Degraded, healthy, degraded: streak never reached two
	assert.Equal(t, 1, launcher.count())
}

func TestDeadSessionNeverReissued(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	dead := lease.Session().ID()
	lease.Release(HealthDead)

	lease, err = pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, dead, lease.Session().ID())
	assert.Equal(t, 2, launcher.count())
	lease.Release(HealthOK)
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	pool, _ := newTestPool(2)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)

	lease.Release(HealthOK)
	lease.Release(HealthDead) // ignored: the lease is already closed

	stats := pool.Snapshot()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, models.StateIdle, lease.Session().State())
}

func TestLeaseExclusivityUnderLoad(t *testing.T) {
	pool, _ := newTestPool(3)
	ctx := context.Background()

	var mu sync.Mutex
	holders := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx, 10*time.Second)
			require.NoError(t, err)
			id := lease.Session().ID()

			mu.Lock()
			holders[id]++
			assert.Equal(t, 1, holders[id], "session %s leased twice concurrently", id)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders[id]--
			mu.Unlock()
			lease.Release(HealthOK)
		}()
	}
	wg.Wait()
}

func TestEvictIdleSession(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	id := lease.Session().ID()
	lease.Release(HealthOK)

	require.NoError(t, pool.Evict(id))
	assert.Equal(t, 0, pool.Snapshot().Live)

	lease, err = pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, launcher.count())
	lease.Release(HealthOK)
}

func TestEvictLeasedSessionDefersDestruction(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	id := lease.Session().ID()

	require.NoError(t, pool.Evict(id))
	assert.Equal(t, 1, pool.Snapshot().Live, "leased session survives until release")

	lease.Release(HealthOK)
	assert.Equal(t, 0, pool.Snapshot().Live)
}

func TestEvictUnknownSession(t *testing.T) {
	pool, _ := newTestPool(1)
	require.Error(t, pool.Evict("nope"))
}

func TestLaunchFailureDoesNotLeakCapacity(t *testing.T) {
	launcher := &fakeLauncher{fail: true}
	pool := NewPool(1, launcher, zap.NewNop())
	ctx := context.Background()

	_, err := pool.Acquire(ctx, time.Second)
	require.Error(t, err)

	launcher.mu.Lock()
	launcher.fail = false
	launcher.mu.Unlock()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Release(HealthOK)
}

func TestCloseFailsParkedWaiters(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, 5*time.Second)
		errs <- err
	}()
	waitForWaiters(t, pool, 1)

	pool.Close()
	require.ErrorIs(t, <-errs, ErrPoolExhausted)

	_, err = pool.Acquire(ctx, 0)
	require.ErrorIs(t, err, ErrPoolExhausted)

	lease.Release(HealthOK)
	assert.Equal(t, 0, pool.Snapshot().Live)
}

func TestScrubIdleEvictsFailingSessions(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	badID := a.Session().ID()
	a.Release(HealthOK)
	b.Release(HealthOK)
	require.Equal(t, 2, launcher.count())

	evicted := pool.ScrubIdle(ctx, 0, func(_ context.Context, s *Session) error {
		if s.ID() == badID {
			return errors.New("probe failed")
		}
		return nil
	})

	assert.Equal(t, 1, evicted)
	stats := pool.Snapshot()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 1, stats.Idle)
}

func TestScrubIdleSurvivorDestroyedWhenPoolClosesMidProbe(t *testing.T) {
	pool, launcher := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Release(HealthOK)

	probing := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan int, 1)
	go func() {
		done <- pool.ScrubIdle(ctx, 0, func(context.Context, *Session) error {
			close(probing)
			<-unblock
			return nil
		})
	}()

	// shut the pool down while the candidate is held out of the idle set
	<-probing
	pool.Close()
	close(unblock)

	evicted := <-done
	assert.Zero(t, evicted, "a healthy survivor is not an eviction")
	assert.Equal(t, 1, launcher.closedCount(), "surviving candidate must not outlive the closed pool")
	stats := pool.Snapshot()
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.Live)
}

func TestScrubIdleSkipsRecentlyUsed(t *testing.T) {
	pool, _ := newTestPool(1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Release(HealthOK)

	probed := 0
	pool.ScrubIdle(ctx, time.Hour, func(context.Context, *Session) error {
		probed++
		return nil
	})
	assert.Zero(t, probed)
}

// waitForWaiters polls until the pool reports n parked acquirers
func waitForWaiters(t *testing.T, pool *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Snapshot().Waiting >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pool never reached %d waiters", n)
}
