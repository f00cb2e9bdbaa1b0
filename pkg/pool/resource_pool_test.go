package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/testutil"
)

type conn struct {
	id     int
	closed atomic.Bool
}

type connListener struct {
	mu        sync.Mutex
	next      int
	created   int
	destroyed int
	reuseOK   func(*conn) bool
	createErr error
}

func (l *connListener) Create(_ context.Context, _ string, _ ...interface{}) (*conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return nil, l.createErr
	}
	l.next++
	l.created++
	return &conn{id: l.next}, nil
}

func (l *connListener) Reuse(_ context.Context, _ string, c *conn, _ ...interface{}) bool {
	if c.closed.Load() {
		return false
	}
	if l.reuseOK != nil {
		return l.reuseOK(c)
	}
	return true
}

func (l *connListener) Destroy(c *conn) {
	c.closed.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
}

func (l *connListener) counts() (created, destroyed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created, l.destroyed
}

func newTestPool(t *testing.T, min, max int, l *connListener, opts ...Option) *ResourcePool[*conn] {
	opts = append([]Option{WithName(t.Name()), WithLogger(zaptest.NewLogger(t))}, opts...)
	p, err := NewResourcePool[*conn](min, max, l, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewResourcePoolValidation(t *testing.T) {
	l := &connListener{}
	_, err := NewResourcePool[*conn](0, 0, l)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	_, err = NewResourcePool[*conn](3, 2, l)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	_, err = NewResourcePool[*conn](0, 1, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestAcquireTimeoutThenReuse(t *testing.T) {
	l := &connListener{}
	p := newTestPool(t, 0, 2, l)
	ctx := context.Background()

	r1, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)

	start := time.Now()
	_, err = p.Acquire(ctx, "db", 50*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.IsAcquireTimeout(err))
	assert.True(t, errors.IsRetryable(err))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	require.NoError(t, p.Release(r1))
	r3, err := p.Acquire(ctx, "db", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, r1, r3)

	created, _ := l.counts()
	assert.Equal(t, 2, created)
}

func TestAcquireWithoutWaitFailsFast(t *testing.T) {
	p := newTestPool(t, 0, 1, &connListener{})
	_, err := p.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "db", 0)
	assert.True(t, errors.IsAcquireTimeout(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBlockedAcquireGetsReleasedResource(t *testing.T) {
	p := newTestPool(t, 0, 1, &connListener{})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)

	got := make(chan *conn, 1)
	go func() {
		r, err := p.Acquire(ctx, "db", 2*time.Second)
		if err == nil {
			got <- r
		}
		close(got)
	}()

	testutil.AssertEventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, "waiter should park")
	require.NoError(t, p.Release(held))

	select {
	case r := <-got:
		assert.Same(t, held, r)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPoolBoundUnderContention(t *testing.T) {
	const max, workers, rounds = 4, 16, 25
	p := newTestPool(t, 0, max, &connListener{})
	ctx := context.Background()

	var inUse, peak, failures atomic.Int32
	testutil.RunConcurrently(workers, func(int) {
		for i := 0; i < rounds; i++ {
			r, err := p.Acquire(ctx, "db", 5*time.Second)
			if err != nil {
				failures.Add(1)
				continue
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			if err := p.Release(r); err != nil {
				failures.Add(1)
			}
		}
	})

	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, peak.Load(), int32(max))
	s := p.Stats()
	assert.LessOrEqual(t, s.Created, max)
	assert.Zero(t, s.InUse)
}

func TestReuseValidationFailureDestroysAndRecreates(t *testing.T) {
	l := &connListener{}
	p := newTestPool(t, 0, 1, l)
	ctx := context.Background()

	r1, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(r1))

	l.reuseOK = func(c *conn) bool { return c.id != r1.id }

	r2, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)
	assert.True(t, r1.closed.Load())

	created, destroyed := l.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 1, p.Stats().Created)
}

func TestCloseDuringReuseValidationFailsAcquire(t *testing.T) {
	for _, valid := range []bool{true, false} {
		l := &connListener{}
		p := newTestPool(t, 0, 1, l)
		ctx := context.Background()

		r1, err := p.Acquire(ctx, "db", time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Release(r1))

		l.reuseOK = func(*conn) bool {
			p.Close()
			return valid
		}

		r2, err := p.Acquire(ctx, "db", time.Second)
		require.Error(t, err, "reuse valid=%v", valid)
		assert.True(t, errors.IsIllegalState(err))
		assert.Nil(t, r2)
		assert.True(t, r1.closed.Load())

		_, destroyed := l.counts()
		assert.Equal(t, 1, destroyed, "reuse valid=%v", valid)
		assert.Equal(t, 0, p.Stats().Created)
	}
}

func TestCloseIfIdle(t *testing.T) {
	l := &connListener{}
	now := time.Unix(1000, 0)
	p := newTestPool(t, 0, 2, l, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	r, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)
	assert.False(t, p.CloseIfIdle(now.Add(time.Hour)), "checked-out resource keeps the pool open")

	now = now.Add(time.Minute)
	require.NoError(t, p.Release(r))
	assert.False(t, p.CloseIfIdle(now.Add(-time.Second)), "recently used")
	assert.False(t, p.IsClosed())

	assert.True(t, p.CloseIfIdle(now))
	assert.True(t, p.IsClosed())
	assert.True(t, r.closed.Load())
	assert.False(t, p.CloseIfIdle(now), "already closed")
}

func TestCreateFailureFreesCapacity(t *testing.T) {
	l := &connListener{createErr: assert.AnError}
	p := newTestPool(t, 0, 1, l)

	_, err := p.Acquire(context.Background(), "db", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, p.Stats().Created)

	l.mu.Lock()
	l.createErr = nil
	l.mu.Unlock()
	_, err = p.Acquire(context.Background(), "db", time.Second)
	require.NoError(t, err)
}

func TestAcquireCancelledByContext(t *testing.T) {
	p := newTestPool(t, 0, 1, &connListener{})
	_, err := p.Acquire(context.Background(), "db", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = p.Acquire(ctx, "db", 5*time.Second)
	assert.True(t, errors.IsCancelled(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReleaseErrors(t *testing.T) {
	p := newTestPool(t, 0, 1, &connListener{})
	r, err := p.Acquire(context.Background(), "db", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(r))

	err = p.Release(r)
	assert.True(t, errors.IsIllegalState(err))
	assert.True(t, errors.IsIllegalState(p.Release(&conn{id: 99})))
}

func TestDiscardFreesSlot(t *testing.T) {
	l := &connListener{}
	p := newTestPool(t, 0, 1, l)
	r, err := p.Acquire(context.Background(), "db", time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Discard(r))
	assert.True(t, r.closed.Load())

	r2, err := p.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)
	assert.NotSame(t, r, r2)
}

func TestCloseIsIdempotentAndWakesWaiters(t *testing.T) {
	l := &connListener{}
	p := newTestPool(t, 0, 1, l)
	ctx := context.Background()

	held, err := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "db", 5*time.Second)
		errCh <- err
	}()
	testutil.AssertEventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, "waiter should park")

	p.Close()
	p.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.IsIllegalState(err))
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}

	assert.True(t, held.closed.Load())
	_, destroyed := l.counts()
	assert.Equal(t, 1, destroyed)
	assert.True(t, p.IsClosed())
	assert.NoError(t, p.Release(held))

	_, err = p.Acquire(ctx, "db", time.Second)
	assert.True(t, errors.IsIllegalState(err))
}

func TestAllResources(t *testing.T) {
	p := newTestPool(t, 0, 3, &connListener{})
	ctx := context.Background()
	a, _ := p.Acquire(ctx, "db", time.Second)
	b, _ := p.Acquire(ctx, "db", time.Second)
	require.NoError(t, p.Release(a))

	all := p.AllResources()
	assert.ElementsMatch(t, []*conn{a, b}, all)
	assert.Equal(t, 1, p.InUse())
	assert.Equal(t, 1, p.Available())
}
