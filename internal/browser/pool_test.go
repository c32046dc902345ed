// internal/browser/pool_test.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelworks/sitewright/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine stands in for Chrome: it hands out cancellable contexts and
// counts launches and teardowns so leak assertions are exact.
type fakeEngine struct {
	mu        sync.Mutex
	launches  int
	destroyed int
	tabs      int
	failAfter int // fail every launch from the Nth on (1-based); 0 disables
}

func (f *fakeEngine) launch(parent context.Context) (context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	f.launches++
	n := f.launches
	f.mu.Unlock()

	if f.failAfter > 0 && n >= f.failAfter {
		return nil, nil, fmt.Errorf("simulated launch failure")
	}

	ctx, cancel := context.WithCancel(parent)
	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			f.mu.Lock()
			f.destroyed++
			f.mu.Unlock()
		})
		cancel()
	}
	return ctx, wrapped, nil
}

func (f *fakeEngine) newTab(browserCtx context.Context) (context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	f.tabs++
	f.mu.Unlock()
	ctx, cancel := context.WithCancel(browserCtx)
	return ctx, cancel, nil
}

func (f *fakeEngine) alive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches - f.destroyed
}

func newTestPool(t *testing.T, size int, engine *fakeEngine) *Pool {
	t.Helper()
	return NewPoolWithEngine(config.BrowserConfig{PoolSize: size}, zaptest.NewLogger(t), engine.launch, engine.newTab)
}

func TestInitializeWarmsFullPool(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(t, 3, engine)

	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	assert.Equal(t, 3, engine.alive())
	assert.Equal(t, 3, p.Stats().PoolSize)
}

func TestInitializeFailureIsFatalAndLeaksNothing(t *testing.T) {
	engine := &fakeEngine{failAfter: 2}
	p := newTestPool(t, 3, engine)

	err := p.Initialize(context.Background())
	require.Error(t, err)

	// No partial pool: every instance that did launch must be closed, and
	// the pool must refuse further use.
	assert.Equal(t, 0, engine.alive())
	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestAcquireNeverBlocksBeyondPoolSize(t *testing.T) {
	const poolSize = 2
	engine := &fakeEngine{}
	p := newTestPool(t, poolSize, engine)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	// N+1 concurrent acquires must all succeed without blocking.
	const callers = poolSize + 1
	leases := make([]*Lease, callers)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if err != nil {
				failures.Add(1)
				return
			}
			leases[i] = lease
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("acquire blocked; overflow acquisition must not wait for a release")
	}
	require.Zero(t, failures.Load())

	stats := p.Stats()
	assert.Equal(t, poolSize, stats.PoolSize)
	assert.Equal(t, poolSize, stats.BusyPooled)
	assert.Equal(t, 1, stats.Temporary)
	assert.Equal(t, callers, stats.ActiveLeases)

	// Releasing everything restores the pool to exactly N live instances.
	for _, lease := range leases {
		require.NoError(t, p.Release(lease.ID))
	}
	stats = p.Stats()
	assert.Equal(t, poolSize, stats.PoolSize)
	assert.Zero(t, stats.BusyPooled)
	assert.Zero(t, stats.Temporary)
	assert.Zero(t, stats.ActiveLeases)
	assert.Equal(t, poolSize, engine.alive())
}

func TestReleaseTemporaryClosesInstance(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(t, 1, engine)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	pooled, err := p.Acquire(context.Background())
	require.NoError(t, err)
	temp, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, engine.alive())

	require.NoError(t, p.Release(temp.ID))
	assert.Equal(t, 1, engine.alive(), "temporary instance must be closed on release")
	assert.Equal(t, 1, p.Stats().PoolSize)

	require.NoError(t, p.Release(pooled.ID))
	assert.Equal(t, 1, engine.alive(), "pooled instance survives release")
}

func TestReleaseUnknownLease(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(t, 1, engine)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	assert.Error(t, p.Release("no-such-lease"))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(lease.ID))
	assert.Error(t, p.Release(lease.ID), "double release must fail")
}

func TestReapIdleForcesRelease(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(t, 1, engine)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.CreatedAt = time.Now().Add(-time.Hour)

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)

	reaped := p.ReapIdle(30 * time.Minute)
	assert.Equal(t, 1, reaped)

	stats := p.Stats()
	assert.Equal(t, 1, stats.ActiveLeases, "fresh lease must survive the reaper")

	select {
	case <-lease.Context().Done():
	default:
		t.Fatal("reaped lease context should be canceled")
	}

	require.NoError(t, p.Release(fresh.ID))
}

func TestShutdownIsIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(t, 2, engine)
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, 0, engine.alive())

	_, err = p.Acquire(context.Background())
	assert.Error(t, err, "acquire after shutdown must fail")
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPoolWithEngine(config.BrowserConfig{
		PoolSize:     1,
		ReapInterval: 10 * time.Millisecond,
		MaxLeaseIdle: time.Hour,
	}, zaptest.NewLogger(t), engine.launch, engine.newTab)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunReaper(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}
