// Package deadline interrupts commands that run past their deadline. A
// command registers its owner and gets a cancellable context back; a sweep
// on the shared scheduler cancels the context of every overdue owner with a
// cancelled error as the cause. Cancellation is cooperative: storages and
// pools observe ctx at their blocking points.
package deadline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
)

const minSweepInterval = time.Millisecond

type entry struct {
	owner    affinity.Owner
	deadline time.Time
	started  time.Time
	cancels  []context.CancelCauseFunc
}

// Tracker maps owners to command deadlines.
type Tracker struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[affinity.Owner]*entry
	task    *scheduler.Task
	closed  bool

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker with the default command timeout. A zero timeout
// disables the tracker. With a scheduler the sweep runs every timeout/10.
func New(timeout time.Duration, sched *scheduler.Scheduler, log *zap.Logger, opts ...Option) (*Tracker, error) {
	if timeout < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "command timeout cannot be negative")
	}
	t := &Tracker{
		timeout: timeout,
		entries: make(map[affinity.Owner]*entry),
		logger:  logger.OrNop(log).With(zap.String("component", "deadline_tracker")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if timeout > 0 && sched != nil {
		interval := timeout / 10
		if interval < minSweepInterval {
			interval = minSweepInterval
		}
		task, err := sched.Every("deadline-sweep", interval, func() { t.Sweep(t.now()) })
		if err != nil {
			return nil, err
		}
		t.task = task
	}
	return t, nil
}

// Enabled reports whether commands are tracked
func (t *Tracker) Enabled() bool { return t != nil && t.timeout > 0 }

// Timeout returns the default command timeout
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// StartCommand registers a command for the owner carried by ctx, minting
// one when ctx has none. perCall overrides the default timeout when
// positive. A command started while the owner already runs one joins it
// and keeps the outer deadline. The returned function ends the command and
// must be called; it is safe to call more than once.
func (t *Tracker) StartCommand(ctx context.Context, perCall time.Duration) (context.Context, func()) {
	if !t.Enabled() {
		return ctx, func() {}
	}

	ctx, owner := affinity.Ensure(ctx)
	cctx, cancel := context.WithCancelCause(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel(errors.New(errors.ErrorTypeIllegalState, "deadline tracker is closed"))
		return cctx, func() {}
	}
	e, ok := t.entries[owner]
	if !ok {
		timeout := t.timeout
		if perCall > 0 {
			timeout = perCall
		}
		now := t.now()
		e = &entry{owner: owner, started: now, deadline: now.Add(timeout)}
		t.entries[owner] = e
	}
	e.cancels = append(e.cancels, cancel)
	t.mu.Unlock()

	var once sync.Once
	return cctx, func() {
		once.Do(func() {
			t.end(owner, e)
			cancel(nil)
		})
	}
}

// EndCommand ends the innermost command of the owner carried by ctx
func (t *Tracker) EndCommand(ctx context.Context) {
	if !t.Enabled() {
		return
	}
	owner := affinity.OwnerFrom(ctx)
	t.mu.Lock()
	e, ok := t.entries[owner]
	var cancel context.CancelCauseFunc
	if ok && len(e.cancels) > 0 {
		cancel = e.cancels[len(e.cancels)-1]
	}
	t.mu.Unlock()

	if ok {
		t.end(owner, e)
	}
	if cancel != nil {
		cancel(nil)
	}
}

func (t *Tracker) end(owner affinity.Owner, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[owner] != e {
		// already interrupted by a sweep
		return
	}
	if n := len(e.cancels); n > 0 {
		e.cancels[n-1] = nil
		e.cancels = e.cancels[:n-1]
	}
	if len(e.cancels) == 0 {
		delete(t.entries, owner)
	}
}

// Active returns the number of owners with a running command
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Deadline returns the deadline of the owner's running command
func (t *Tracker) Deadline(owner affinity.Owner) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[owner]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Sweep interrupts every command whose deadline is before now and returns
// how many owners it interrupted.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	var overdue []*entry
	for owner, e := range t.entries {
		if e.deadline.Before(now) {
			overdue = append(overdue, e)
			delete(t.entries, owner)
		}
	}
	t.mu.Unlock()

	for _, e := range overdue {
		t.interrupt(e, now)
	}
	return len(overdue)
}

func (t *Tracker) interrupt(e *entry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("interrupt failed", zap.String("owner", e.owner.String()), zap.Any("panic", r))
		}
	}()

	cause := errors.New(errors.ErrorTypeCancelled, "command timed out").
		WithDetail("owner", e.owner.String()).
		WithDetail("elapsed", now.Sub(e.started).String())
	for _, cancel := range e.cancels {
		if cancel != nil {
			cancel(cause)
		}
	}
	metrics.DeadlineInterrupts.Inc()
	t.logger.Warn("command interrupted",
		zap.String("owner", e.owner.String()),
		zap.Duration("elapsed", now.Sub(e.started)))
}

// Close stops the sweep and cancels every running command
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	task := t.task
	t.task = nil
	entries := t.entries
	t.entries = make(map[affinity.Owner]*entry)
	t.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	cause := errors.New(errors.ErrorTypeCancelled, "deadline tracker closed")
	for _, e := range entries {
		for _, cancel := range e.cancels {
			if cancel != nil {
				cancel(cause)
			}
		}
	}
}

// Cause returns the reason ctx was cancelled as a cancelled error, or nil
// while ctx is live.
func Cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.IsCancelled(cause) || errors.IsIllegalState(cause) {
		return cause
	}
	return errors.Wrap(cause, errors.ErrorTypeCancelled, "command cancelled")
}
