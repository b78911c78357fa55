package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int64
	healthy atomic.Bool
	closed  atomic.Bool
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeConn], *atomic.Int64) {
	t.Helper()
	var created atomic.Int64
	p, err := New("test", cfg, Factory[*fakeConn]{
		Create: func(context.Context) (*fakeConn, error) {
			c := &fakeConn{id: created.Add(1)}
			c.healthy.Store(true)
			return c, nil
		},
		Validate: func(c *fakeConn) bool { return c.healthy.Load() },
		Destroy:  func(c *fakeConn) { c.closed.Store(true) },
	})
	require.NoError(t, err)
	return p, &created
}

func TestPool_ReusesReleasedResource(t *testing.T) {
	p, created := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(c1))

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(1), created.Load())
	require.NoError(t, p.Release(c2))
}

func TestPool_TimeoutWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, te.Waited, 30*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	require.NoError(t, p.Release(c))
}

func TestPool_InvalidResourceIsDestroyed(t *testing.T) {
	p, created := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	c.healthy.Store(false)
	require.NoError(t, p.Release(c))

	require.Eventually(t, c.closed.Load, time.Second, 5*time.Millisecond)

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
	assert.Equal(t, int64(2), created.Load())
	require.NoError(t, p.Release(fresh))
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			_ = p.Release(c)
		}(i)
		// give each waiter time to enqueue before the next one
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, p.Release(held))
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPool_NeverExceedsMaxSize(t *testing.T) {
	p, created := newTestPool(t, Config{MaxSize: 3, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inUse.Add(-1)
			_ = p.Release(c)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.LessOrEqual(t, created.Load(), int64(3))
}

func TestPool_ReleaseUnknown(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1})
	err := p.Release(&fakeConn{})
	assert.True(t, errors.Is(err, ErrNotLeased))
}

func TestPool_RefusesDuplicateLease(t *testing.T) {
	p, err := New("values", Config{MaxSize: 2, AcquireTimeout: time.Second}, Factory[int]{
		Create: func(context.Context) (int, error) { return 7, nil },
	})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	v, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrDuplicateResource)

	require.NoError(t, p.Release(v))
	assert.ErrorIs(t, p.Release(v), ErrNotLeased)
}

func TestPool_CreateErrorPropagates(t *testing.T) {
	boom := errors.New("dial refused")
	p, err := New("broken", Config{MaxSize: 1, AcquireTimeout: time.Second}, Factory[*fakeConn]{
		Create: func(context.Context) (*fakeConn, error) { return nil, boom },
	})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPoolTimeout)
}

func TestPool_AcquireAfterClose(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second})
	p.Close()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}
