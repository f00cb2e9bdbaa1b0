package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/pool"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
	"github.com/ajitpratap0/nebuladb/pkg/testutil"
)

type handle struct{ db string }

type handleListener struct {
	mu        sync.Mutex
	destroyed int
}

func (l *handleListener) Create(_ context.Context, key string, _ ...interface{}) (*handle, error) {
	return &handle{db: key}, nil
}

func (l *handleListener) Reuse(context.Context, string, *handle, ...interface{}) bool { return true }

func (l *handleListener) Destroy(*handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{Min: 0, Max: 2, AcquireTimeout: time.Second}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry[*handle], *handleListener) {
	l := &handleListener{}
	factory := func(database, user, _ string, cfg config.PoolConfig) (*pool.ResourcePool[*handle], error) {
		return pool.NewResourcePool[*handle](cfg.Min, cfg.Max, l, pool.WithName(database+"@"+user))
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := New[*handle](factory, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, l
}

func TestGetReturnsCachedPool(t *testing.T) {
	r, _ := newTestRegistry(t)

	p1, err := r.Get("orders", "admin", "secret", testPoolConfig())
	require.NoError(t, err)
	p2, err := r.Get("orders", "admin", "secret", testPoolConfig())
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	p3, err := r.Get("orders", "admin", "other", testPoolConfig())
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, 2, r.Len())
}

func TestCapacityEvictsLeastRecentlyUsedPool(t *testing.T) {
	r, _ := newTestRegistry(t, WithCapacity(2))

	a, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)
	b, err := r.Get("b", "u", "p", testPoolConfig())
	require.NoError(t, err)

	// touch a so b becomes least recently used
	_, err = r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)

	c, err := r.Get("c", "u", "p", testPoolConfig())
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.True(t, b.IsClosed())
	assert.False(t, a.IsClosed())
	assert.False(t, c.IsClosed())
	assert.False(t, r.Contains("b", "u", "p"))
	assert.True(t, r.Contains("a", "u", "p"))
}

func TestEvictionClosesPooledResources(t *testing.T) {
	r, l := newTestRegistry(t, WithCapacity(1))

	p, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)

	_, err = r.Get("b", "u", "p", testPoolConfig())
	require.NoError(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.destroyed)
}

func TestClosedPoolIsReplacedOnLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	p1, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)
	p1.Close()

	p2, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.False(t, p2.IsClosed())
	assert.Equal(t, 1, r.Len())
}

func TestSweepEvictsOnlyIdlePools(t *testing.T) {
	r, _ := newTestRegistry(t, WithIdleTimeout(time.Minute))

	idle, err := r.Get("idle", "u", "p", testPoolConfig())
	require.NoError(t, err)
	busy, err := r.Get("busy", "u", "p", testPoolConfig())
	require.NoError(t, err)
	_, err = busy.Acquire(context.Background(), "busy", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Sweep(time.Now()))

	later := time.Now().Add(time.Hour)
	assert.Equal(t, 1, r.Sweep(later))
	assert.True(t, idle.IsClosed())
	assert.False(t, busy.IsClosed())
	assert.Equal(t, 1, r.Len())
}

func TestSweepKeepsPoolAcquiredThroughHeldReference(t *testing.T) {
	r, _ := newTestRegistry(t, WithIdleTimeout(time.Minute))

	held, err := r.Get("orders", "u", "p", testPoolConfig())
	require.NoError(t, err)

	h, err := held.Acquire(context.Background(), "orders", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Sweep(time.Now().Add(time.Hour)))
	assert.False(t, held.IsClosed())
	assert.Equal(t, 1, r.Len())

	again, err := r.Get("orders", "u", "p", testPoolConfig())
	require.NoError(t, err)
	assert.Same(t, held, again)

	require.NoError(t, held.Release(h))
	assert.Equal(t, 1, r.Sweep(time.Now().Add(time.Hour)))
	assert.True(t, held.IsClosed())
	assert.Equal(t, 0, r.Len())
}

func TestScheduledSweep(t *testing.T) {
	sched := scheduler.New(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	r, _ := newTestRegistry(t,
		WithScheduler(sched),
		WithIdleTimeout(10*time.Millisecond),
		WithCleanupInterval(5*time.Millisecond))

	p, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)

	testutil.AssertEventually(t, p.IsClosed, time.Second, "idle pool should be swept")
	assert.Equal(t, 0, r.Len())
}

func TestResetAndClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)

	require.NoError(t, r.Reset())
	assert.True(t, p.IsClosed())
	assert.Equal(t, 0, r.Len())

	q, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)

	r.Close()
	r.Close()
	assert.True(t, q.IsClosed())
	assert.True(t, r.IsClosed())

	_, err = r.Get("a", "u", "p", testPoolConfig())
	assert.True(t, errors.IsIllegalState(err))
	assert.True(t, errors.IsIllegalState(r.Reset()))
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, err := r.Get("a", "u", "p", testPoolConfig())
	require.NoError(t, err)

	assert.True(t, r.Remove("a", "u", "p"))
	assert.False(t, r.Remove("a", "u", "p"))
	assert.True(t, p.IsClosed())
}

func TestNewValidation(t *testing.T) {
	_, err := New[*handle](nil)
	assert.Error(t, err)

	factory := func(string, string, string, config.PoolConfig) (*pool.ResourcePool[*handle], error) { return nil, nil }
	_, err = New[*handle](factory, WithCapacity(0))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCustomFingerprint(t *testing.T) {
	r, _ := newTestRegistry(t, WithFingerprint(func(database, _, _ string) string { return database }))
	p1, err := r.Get("a", "u1", "p1", testPoolConfig())
	require.NoError(t, err)
	p2, err := r.Get("a", "u2", "p2", testPoolConfig())
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}
