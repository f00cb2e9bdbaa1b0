package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
)

// IdleEvictor destroys pooled resources that have sat unused longer than
// the idle timeout. It never shrinks a pool below its min and never touches
// checked-out resources.
type IdleEvictor[R comparable] struct {
	pool        *ResourcePool[R]
	idleTimeout time.Duration

	mu   sync.Mutex
	task *scheduler.Task
}

// NewIdleEvictor creates an evictor for p. Nothing runs until Start or Sweep.
func NewIdleEvictor[R comparable](p *ResourcePool[R], idleTimeout time.Duration) *IdleEvictor[R] {
	return &IdleEvictor[R]{pool: p, idleTimeout: idleTimeout}
}

// Sweep destroys resources returned before now minus the idle timeout and
// returns how many it destroyed.
func (e *IdleEvictor[R]) Sweep(now time.Time) int {
	if e.idleTimeout <= 0 {
		return 0
	}
	n := e.pool.evictIdle(now.Add(-e.idleTimeout))
	if n > 0 {
		metrics.PoolEvictions.WithLabelValues(e.pool.name).Add(float64(n))
		e.pool.logger.Debug("evicted idle resources", zap.Int("count", n))
	}
	return n
}

// Start schedules Sweep every interval on the shared scheduler. A closed
// pool stops its own sweep.
func (e *IdleEvictor[R]) Start(sched *scheduler.Scheduler, interval time.Duration) error {
	if e.idleTimeout <= 0 || interval <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task != nil {
		return nil
	}

	task, err := sched.Every("idle-evictor:"+e.pool.name, interval, func() {
		if e.pool.IsClosed() {
			e.Stop()
			return
		}
		e.Sweep(e.pool.now())
	})
	if err != nil {
		return err
	}
	e.task = task
	return nil
}

// Stop cancels the scheduled sweep
func (e *IdleEvictor[R]) Stop() {
	e.mu.Lock()
	task := e.task
	e.task = nil
	e.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
}
