package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/observability"
)

// Listener supplies the lifecycle callbacks of pooled resources.
type Listener[R any] interface {
	// Create builds a new resource. It runs without the pool lock held.
	Create(ctx context.Context, key string, args ...interface{}) (R, error)
	// Reuse validates an idle resource before it is handed out again and
	// prepares it for the new borrower. Returning false destroys it.
	Reuse(ctx context.Context, key string, r R, args ...interface{}) bool
	// Destroy permanently closes a resource.
	Destroy(r R)
}

// Stats is a snapshot of pool state
type Stats struct {
	Name      string    `json:"name"`
	Min       int       `json:"min"`
	Max       int       `json:"max"`
	Created   int       `json:"created"`
	Available int       `json:"available"`
	InUse     int       `json:"in_use"`
	Waiters   int       `json:"waiters"`
	Closed    bool      `json:"closed"`
	LastUsed  time.Time `json:"last_used"`
}

type idleResource[R comparable] struct {
	r        R
	returned time.Time
}

// ResourcePool is a bounded blocking pool. At most max resources exist at
// any time; each is either available or checked out. Acquire blocks on a
// condition variable, with the lock released, until a resource is
// released, the timeout elapses or ctx is cancelled.
//
// Waiters are woken with Signal, so which waiter wins a released resource
// is not defined. Every waiter is bounded by its own timeout.
type ResourcePool[R comparable] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	name      string
	min       int
	max       int
	listener  Listener[R]
	available []idleResource[R] // most recently returned last
	out       map[R]struct{}
	created   int
	waiters   int
	closed    bool
	lastUsed  time.Time
	logger    *zap.Logger
	tracer    *observability.ComponentTracer
	now       func() time.Time
}

// Option configures a ResourcePool
type Option func(*options)

type options struct {
	name   string
	logger *zap.Logger
	now    func() time.Time
}

// WithName sets the pool name used in logs and metrics
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the pool logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now, for tests of idle eviction
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewResourcePool creates a pool holding between min and max resources.
// No resource is created until the first Acquire. min is the floor the
// idle evictor keeps.
func NewResourcePool[R comparable](min, max int, listener Listener[R], opts ...Option) (*ResourcePool[R], error) {
	if max < 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "pool max must be positive").
			WithDetail("max", max)
	}
	if min < 0 || min > max {
		return nil, errors.New(errors.ErrorTypeValidation, "pool min must be between 0 and max").
			WithDetail("min", min).WithDetail("max", max)
	}
	if listener == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "pool listener is required")
	}

	o := options{name: "default", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &ResourcePool[R]{
		name:     o.name,
		min:      min,
		max:      max,
		listener: listener,
		out:      make(map[R]struct{}, max),
		logger:   logger.OrNop(o.logger).With(zap.String("component", "resource_pool"), zap.String("pool", o.name)),
		tracer:   observability.NewComponentTracer("pool", o.name),
		now:      o.now,
	}
	p.cond = sync.NewCond(&p.mu)
	p.lastUsed = p.now()
	return p, nil
}

// Name returns the pool name
func (p *ResourcePool[R]) Name() string { return p.name }

// Min returns the minimum number of resources kept by the idle evictor
func (p *ResourcePool[R]) Min() int { return p.min }

// Max returns the maximum number of resources
func (p *ResourcePool[R]) Max() int { return p.max }

// Acquire returns a resource for key. An available resource that passes
// Listener.Reuse is returned first; otherwise a new one is created while
// fewer than max exist; otherwise the call waits up to timeout. A timeout
// of zero or less does not wait.
func (p *ResourcePool[R]) Acquire(ctx context.Context, key string, timeout time.Duration, args ...interface{}) (R, error) {
	var zero R
	start := p.now()
	deadline := start.Add(timeout)
	waited := false

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			metrics.PoolAcquisitions.WithLabelValues(p.name, metrics.OutcomeClosed).Inc()
			return zero, p.closedErr("acquire")
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			metrics.PoolAcquisitions.WithLabelValues(p.name, metrics.OutcomeCancelled).Inc()
			return zero, errors.Wrap(err, errors.ErrorTypeCancelled, "acquire cancelled").
				WithDetail("pool", p.name)
		}

		if n := len(p.available); n > 0 {
			idle := p.available[n-1]
			p.available[n-1] = idleResource[R]{}
			p.available = p.available[:n-1]
			p.out[idle.r] = struct{}{}
			p.lastUsed = p.now()
			p.mu.Unlock()

			reused := p.listener.Reuse(ctx, key, idle.r, args...)

			// Close may have run while Reuse was validating; it then owns
			// the resource and has destroyed it.
			p.mu.Lock()
			_, owned := p.out[idle.r]
			if reused && owned && !p.closed {
				p.mu.Unlock()
				p.observeAcquire(metrics.OutcomeReused, start, waited)
				return idle.r, nil
			}
			if owned {
				delete(p.out, idle.r)
				p.created--
				p.cond.Signal()
			}
			if !owned || p.closed {
				continue
			}
			p.mu.Unlock()
			p.logger.Debug("discarding resource that failed reuse validation", zap.String("key", key))
			p.destroy(idle.r)
			p.mu.Lock()
			continue
		}

		if p.created < p.max {
			p.created++
			p.mu.Unlock()
			return p.create(ctx, key, start, waited, args...)
		}

		remaining := deadline.Sub(p.now())
		if timeout <= 0 || remaining <= 0 {
			stats := p.statsLocked()
			p.mu.Unlock()
			metrics.PoolAcquisitions.WithLabelValues(p.name, metrics.OutcomeTimeout).Inc()
			return zero, errors.Newf(errors.ErrorTypeAcquireTimeout,
				"no resource available in pool %s within %s", p.name, timeout).
				WithDetail("pool", p.name).
				WithDetail("max", stats.Max).
				WithDetail("in_use", stats.InUse).
				WithDetail("waiters", stats.Waiters)
		}

		if !waited {
			waited = true
			var span *observability.Span
			ctx, span = p.tracer.StartSpan(ctx, "acquire.wait")
			span.SetAttribute("key", key)
			defer func() { span.End(nil) }()
		}
		p.waitLocked(ctx, remaining)
	}
}

func (p *ResourcePool[R]) create(ctx context.Context, key string, start time.Time, waited bool, args ...interface{}) (R, error) {
	var zero R

	r, err := p.listener.Create(ctx, key, args...)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.cond.Signal()
		p.mu.Unlock()
		metrics.PoolAcquisitions.WithLabelValues(p.name, metrics.OutcomeFailed).Inc()
		var typed *errors.Error
		if errors.As(err, &typed) {
			return zero, err
		}
		return zero, errors.Wrap(err, errors.ErrorTypeStorage, "failed to create pooled resource").
			WithDetail("pool", p.name).
			WithDetail("key", key)
	}

	p.mu.Lock()
	if p.closed {
		p.created--
		p.mu.Unlock()
		p.destroy(r)
		metrics.PoolAcquisitions.WithLabelValues(p.name, metrics.OutcomeClosed).Inc()
		return zero, p.closedErr("acquire")
	}
	p.out[r] = struct{}{}
	p.lastUsed = p.now()
	p.mu.Unlock()

	p.observeAcquire(metrics.OutcomeCreated, start, waited)
	return r, nil
}

// waitLocked parks the caller on the condition variable until a Signal or
// Broadcast, the wait bound or ctx cancellation. p.mu must be held; it is
// released while parked and held again on return. The caller re-checks
// its condition and remaining time, so spurious wakeups are harmless.
func (p *ResourcePool[R]) waitLocked(ctx context.Context, wait time.Duration) {
	p.waiters++
	defer func() { p.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	timer := time.AfterFunc(wait, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})

	p.cond.Wait()
	close(done)
	timer.Stop()
}

func (p *ResourcePool[R]) observeAcquire(outcome string, start time.Time, waited bool) {
	metrics.PoolAcquisitions.WithLabelValues(p.name, outcome).Inc()
	if waited {
		metrics.PoolAcquireWait.WithLabelValues(p.name).Observe(p.now().Sub(start).Seconds())
	}
	p.publishGauges()
}

// Release returns a checked-out resource to the pool and wakes one waiter.
// Releasing into a closed pool is a no-op because Close already destroyed
// every resource.
func (p *ResourcePool[R]) Release(r R) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.out[r]; !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeIllegalState, "resource is not checked out of this pool").
			WithDetail("pool", p.name)
	}
	delete(p.out, r)
	now := p.now()
	p.available = append(p.available, idleResource[R]{r: r, returned: now})
	p.lastUsed = now
	p.cond.Signal()
	p.mu.Unlock()

	p.publishGauges()
	return nil
}

// Discard removes a checked-out resource from the pool and destroys it,
// freeing capacity for a new one.
func (p *ResourcePool[R]) Discard(r R) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.out[r]; !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeIllegalState, "resource is not checked out of this pool").
			WithDetail("pool", p.name)
	}
	delete(p.out, r)
	p.created--
	p.cond.Signal()
	p.mu.Unlock()

	p.destroy(r)
	p.publishGauges()
	return nil
}

// AllResources returns every live resource, available and checked out.
func (p *ResourcePool[R]) AllResources() []R {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]R, 0, len(p.available)+len(p.out))
	for _, idle := range p.available {
		all = append(all, idle.r)
	}
	for r := range p.out {
		all = append(all, r)
	}
	return all
}

// InUse returns the number of checked-out resources
func (p *ResourcePool[R]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

// Available returns the number of idle resources
func (p *ResourcePool[R]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// LastUsed returns the last time a resource was handed out or returned
func (p *ResourcePool[R]) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Stats returns a snapshot of the pool
func (p *ResourcePool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *ResourcePool[R]) statsLocked() Stats {
	return Stats{
		Name:      p.name,
		Min:       p.min,
		Max:       p.max,
		Created:   p.created,
		Available: len(p.available),
		InUse:     len(p.out),
		Waiters:   p.waiters,
		Closed:    p.closed,
		LastUsed:  p.lastUsed,
	}
}

// IsClosed reports whether Close has been called
func (p *ResourcePool[R]) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close invalidates the pool. Waiters fail immediately, further acquires
// fail, and every resource, including checked-out ones, is destroyed.
// Calling Close again does nothing.
func (p *ResourcePool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	victims := p.closeLocked()
	p.mu.Unlock()
	p.destroyClosed(victims)
}

// CloseIfIdle closes the pool only if nothing is checked out and nothing
// was handed out or returned after cutoff. The check and the close happen
// under one hold of the pool lock, so a concurrent Acquire either sees a
// closed pool or keeps it open. It reports whether the pool was closed.
func (p *ResourcePool[R]) CloseIfIdle(cutoff time.Time) bool {
	p.mu.Lock()
	if p.closed || len(p.out) > 0 || p.lastUsed.After(cutoff) {
		p.mu.Unlock()
		return false
	}
	victims := p.closeLocked()
	p.mu.Unlock()
	p.destroyClosed(victims)
	return true
}

func (p *ResourcePool[R]) closeLocked() []R {
	p.closed = true

	victims := make([]R, 0, len(p.available)+len(p.out))
	for _, idle := range p.available {
		victims = append(victims, idle.r)
	}
	for r := range p.out {
		victims = append(victims, r)
	}
	p.available = nil
	p.out = make(map[R]struct{})
	p.created = 0
	p.cond.Broadcast()
	return victims
}

func (p *ResourcePool[R]) destroyClosed(victims []R) {
	for _, r := range victims {
		p.destroy(r)
	}
	metrics.PoolResources.DeleteLabelValues(p.name, "in_use")
	metrics.PoolResources.DeleteLabelValues(p.name, "available")
	p.logger.Debug("pool closed", zap.Int("destroyed", len(victims)))
}

// evictIdle destroys available resources returned before cutoff while
// keeping at least min resources alive. Oldest resources go first.
func (p *ResourcePool[R]) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	var victims []R
	kept := p.available[:0]
	for _, idle := range p.available {
		if idle.returned.Before(cutoff) && p.created > p.min {
			victims = append(victims, idle.r)
			p.created--
			continue
		}
		kept = append(kept, idle)
	}
	for i := len(kept); i < len(p.available); i++ {
		p.available[i] = idleResource[R]{}
	}
	p.available = kept
	if len(victims) > 0 {
		p.cond.Signal()
	}
	p.mu.Unlock()

	for _, r := range victims {
		p.destroy(r)
	}
	if len(victims) > 0 {
		p.publishGauges()
	}
	return len(victims)
}

func (p *ResourcePool[R]) destroy(r R) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("destroy callback panicked", zap.Any("panic", rec))
		}
	}()
	p.listener.Destroy(r)
}

func (p *ResourcePool[R]) publishGauges() {
	s := p.Stats()
	if s.Closed {
		return
	}
	metrics.PoolResources.WithLabelValues(p.name, "in_use").Set(float64(s.InUse))
	metrics.PoolResources.WithLabelValues(p.name, "available").Set(float64(s.Available))
}

func (p *ResourcePool[R]) closedErr(op string) error {
	return errors.New(errors.ErrorTypeIllegalState, "pool is closed").
		WithDetail("pool", p.name).
		WithDetail("operation", op)
}
