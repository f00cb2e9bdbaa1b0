// Package scheduler runs delayed and periodic background tasks on a single
// goroutine driven by a min-heap of deadlines. The pool registry, idle
// evictors, the command deadline tracker and storage auto-close all share one
// Scheduler owned by the engine, and Shutdown joins that goroutine so nothing
// outlives the engine.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
)

// Task is a handle on a scheduled function.
type Task struct {
	name     string
	fn       func()
	next     time.Time
	period   time.Duration
	index    int
	canceled atomic.Bool
	runs     atomic.Int64
	s        *Scheduler
}

// Name returns the task name used in logs.
func (t *Task) Name() string { return t.name }

// Runs returns how many times the task has run.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Cancel stops future runs. A run already in progress completes.
func (t *Task) Cancel() {
	if t.canceled.Swap(true) {
		return
	}
	t.s.remove(t)
}

// Canceled reports whether Cancel was called or the scheduler shut down.
func (t *Task) Canceled() bool { return t.canceled.Load() }

type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a single-goroutine timer wheel backed by a min-heap.
type Scheduler struct {
	mu      sync.Mutex
	tasks   taskHeap
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	stopped bool
	logger  *zap.Logger
	now     func() time.Time
}

// New starts a scheduler goroutine.
func New(log *zap.Logger) *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.OrNop(log).With(zap.String("component", "scheduler")),
		now:    time.Now,
	}
	go s.loop()
	return s
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) (*Task, error) {
	return s.add(name, delay, 0, fn)
}

// Every runs fn every period, first after one period. Runs never overlap.
func (s *Scheduler) Every(name string, period time.Duration, fn func()) (*Task, error) {
	if period <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "period must be positive").
			WithDetail("task", name)
	}
	return s.add(name, period, period, fn)
}

func (s *Scheduler) add(name string, delay, period time.Duration, fn func()) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, errors.New(errors.ErrorTypeIllegalState, "scheduler is shut down").
			WithDetail("task", name)
	}
	if delay < 0 {
		delay = 0
	}
	t := &Task{name: name, fn: fn, next: s.now().Add(delay), period: period, s: s}
	heap.Push(&s.tasks, t)
	s.signal()
	return t, nil
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index >= 0 && t.index < len(s.tasks) && s.tasks[t.index] == t {
		heap.Remove(&s.tasks, t.index)
		s.signal()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the scheduler, cancels pending tasks and waits for the
// loop goroutine (and any task it is running) to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for _, t := range s.tasks {
			t.canceled.Store(true)
			t.index = -1
		}
		s.tasks = nil
		close(s.stopCh)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "scheduler shutdown interrupted")
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		var due *Task
		if len(s.tasks) == 0 {
			wait = time.Hour
		} else if next := s.tasks[0]; !next.next.After(s.now()) {
			due = heap.Pop(&s.tasks).(*Task)
		} else {
			wait = next.next.Sub(s.now())
		}
		s.mu.Unlock()

		if due != nil {
			s.run(due)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) run(t *Task) {
	if t.Canceled() {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled task panicked",
					zap.String("task", t.name),
					zap.Any("panic", r))
			}
		}()
		t.fn()
	}()
	t.runs.Add(1)

	if t.period <= 0 || t.Canceled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || t.Canceled() {
		return
	}
	t.next = s.now().Add(t.period)
	heap.Push(&s.tasks, t)
}
