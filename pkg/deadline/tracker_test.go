package deadline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
	"github.com/ajitpratap0/nebuladb/pkg/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func TestDisabledTrackerIsNoop(t *testing.T) {
	tr, err := New(0, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	ctx := context.Background()
	got, end := tr.StartCommand(ctx, time.Second)
	assert.Equal(t, ctx, got)
	end()
	assert.Equal(t, 0, tr.Active())
	assert.Equal(t, 0, tr.Sweep(time.Now().Add(time.Hour)))
}

func TestNegativeTimeoutRejected(t *testing.T) {
	_, err := New(-time.Second, nil, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSweepInterruptsOverdueCommand(t *testing.T) {
	clk := newClock()
	tr, err := New(time.Second, nil, zaptest.NewLogger(t), WithClock(clk.Now))
	require.NoError(t, err)

	ctx, end := tr.StartCommand(context.Background(), 0)
	defer end()
	owner := affinity.OwnerFrom(ctx)
	require.NotZero(t, owner)

	deadline, ok := tr.Deadline(owner)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Second), deadline)

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 0, tr.Sweep(clk.Now()))
	assert.NoError(t, ctx.Err())

	clk.Advance(time.Second)
	assert.Equal(t, 1, tr.Sweep(clk.Now()))
	require.Error(t, ctx.Err())
	assert.True(t, errors.IsCancelled(Cause(ctx)))
	assert.Equal(t, 0, tr.Active())
}

func TestPerCallTimeoutOverridesDefault(t *testing.T) {
	clk := newClock()
	tr, err := New(time.Hour, nil, nil, WithClock(clk.Now))
	require.NoError(t, err)

	ctx, end := tr.StartCommand(context.Background(), 10*time.Millisecond)
	defer end()
	clk.Advance(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Sweep(clk.Now()))
	assert.Error(t, ctx.Err())
}

func TestEndedCommandIsNotInterrupted(t *testing.T) {
	clk := newClock()
	tr, err := New(time.Second, nil, nil, WithClock(clk.Now))
	require.NoError(t, err)

	_, end := tr.StartCommand(context.Background(), 0)
	end()
	end()
	assert.Equal(t, 0, tr.Active())

	clk.Advance(time.Minute)
	assert.Equal(t, 0, tr.Sweep(clk.Now()))
}

func TestNestedCommandsShareOuterDeadline(t *testing.T) {
	clk := newClock()
	tr, err := New(time.Second, nil, nil, WithClock(clk.Now))
	require.NoError(t, err)

	outer, endOuter := tr.StartCommand(context.Background(), 0)
	owner := affinity.OwnerFrom(outer)
	first, _ := tr.Deadline(owner)

	clk.Advance(800 * time.Millisecond)
	inner, endInner := tr.StartCommand(outer, 5*time.Second)
	assert.Equal(t, owner, affinity.OwnerFrom(inner))
	again, _ := tr.Deadline(owner)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, tr.Active())

	endInner()
	assert.Equal(t, 1, tr.Active(), "outer command still running")

	clk.Advance(time.Second)
	assert.Equal(t, 1, tr.Sweep(clk.Now()))
	assert.Error(t, outer.Err())
	endOuter()
}

func TestEndCommandByContext(t *testing.T) {
	tr, err := New(time.Second, nil, nil)
	require.NoError(t, err)

	ctx, _ := tr.StartCommand(context.Background(), 0)
	require.Equal(t, 1, tr.Active())
	tr.EndCommand(ctx)
	assert.Equal(t, 0, tr.Active())
	assert.Error(t, ctx.Err())
}

func TestScheduledSweep(t *testing.T) {
	sched := scheduler.New(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	tr, err := New(50*time.Millisecond, sched, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tr.Close()

	ctx, end := tr.StartCommand(testutil.TestContext(t), 0)
	defer end()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("command was not interrupted")
	}
	assert.True(t, errors.IsCancelled(Cause(ctx)))
}

func TestCloseCancelsRunningCommands(t *testing.T) {
	tr, err := New(time.Minute, nil, nil)
	require.NoError(t, err)

	ctx, end := tr.StartCommand(context.Background(), 0)
	defer end()
	tr.Close()
	tr.Close()
	assert.Error(t, ctx.Err())

	after, _ := tr.StartCommand(context.Background(), 0)
	assert.True(t, errors.IsIllegalState(Cause(after)))
}

func TestOwnersAreIndependent(t *testing.T) {
	clk := newClock()
	tr, err := New(time.Second, nil, nil, WithClock(clk.Now))
	require.NoError(t, err)

	a, endA := tr.StartCommand(affinity.WithOwner(context.Background(), affinity.NewOwner()), 0)
	defer endA()
	clk.Advance(900 * time.Millisecond)
	b, endB := tr.StartCommand(affinity.WithOwner(context.Background(), affinity.NewOwner()), 0)
	defer endB()
	assert.Equal(t, 2, tr.Active())

	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, tr.Sweep(clk.Now()))
	assert.Error(t, a.Err())
	assert.NoError(t, b.Err())
}
