// Package registry caches session pools by credential fingerprint. The
// cache is an LRU bounded at a fixed capacity: inserting past it closes the
// least recently used pool. A background sweep on the shared scheduler also
// closes pools that have no checked-out resource and have been idle longer
// than the idle timeout. Either condition removes a pool.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/cache"
	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/pool"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
)

// DefaultCapacity is the number of pools kept when no capacity is configured
const DefaultCapacity = 100

// Factory creates the pool for a credential triple on a cache miss.
type Factory[R comparable] func(database, user, password string, cfg config.PoolConfig) (*pool.ResourcePool[R], error)

type entry[R comparable] struct {
	database string
	user     string
	pool     *pool.ResourcePool[R]
	evictor  *pool.IdleEvictor[R]
}

// Registry is an LRU cache of pools keyed by credential fingerprint.
type Registry[R comparable] struct {
	mu          sync.Mutex
	pools       *cache.LRU[string, *entry[R]]
	factory     Factory[R]
	fingerprint Fingerprint
	idleTimeout time.Duration
	interval    time.Duration
	sched       *scheduler.Scheduler
	sweepTask   *scheduler.Task
	evictReason string
	closed      bool
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Registry
type Option func(*settings)

type settings struct {
	capacity    int
	idleTimeout time.Duration
	interval    time.Duration
	sched       *scheduler.Scheduler
	fingerprint Fingerprint
	logger      *zap.Logger
	now         func() time.Time
}

// WithCapacity bounds the number of cached pools
func WithCapacity(n int) Option { return func(s *settings) { s.capacity = n } }

// WithIdleTimeout sets how long an unused pool may stay cached
func WithIdleTimeout(d time.Duration) Option { return func(s *settings) { s.idleTimeout = d } }

// WithCleanupInterval sets the idle sweep period
func WithCleanupInterval(d time.Duration) Option { return func(s *settings) { s.interval = d } }

// WithScheduler runs the idle sweep and per-pool evictors on sched
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *settings) { s.sched = sched }
}

// WithFingerprint replaces the default BLAKE3 fingerprint
func WithFingerprint(f Fingerprint) Option { return func(s *settings) { s.fingerprint = f } }

// WithLogger sets the registry logger
func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

// WithClock replaces time.Now for idle computations
func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

// FromConfig maps the registry section of the engine configuration
func FromConfig(cfg config.RegistryConfig) []Option {
	return []Option{
		WithCapacity(cfg.Capacity),
		WithIdleTimeout(cfg.IdleTimeout),
		WithCleanupInterval(cfg.CleanupInterval),
	}
}

// New creates a registry. When a scheduler is supplied and both the idle
// timeout and cleanup interval are positive, the idle sweep starts at once.
func New[R comparable](factory Factory[R], opts ...Option) (*Registry[R], error) {
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "registry factory is required")
	}
	s := settings{
		capacity:    DefaultCapacity,
		fingerprint: Blake3Fingerprint,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.capacity < 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "registry capacity must be positive").
			WithDetail("capacity", s.capacity)
	}

	r := &Registry[R]{
		factory:     factory,
		fingerprint: s.fingerprint,
		idleTimeout: s.idleTimeout,
		interval:    s.interval,
		sched:       s.sched,
		evictReason: metrics.EvictCapacity,
		logger:      logger.OrNop(s.logger).With(zap.String("component", "pool_registry")),
		now:         s.now,
	}
	r.pools = cache.NewLRU[string, *entry[R]](s.capacity, r.onEvict)

	if r.sched != nil && r.idleTimeout > 0 && r.interval > 0 {
		task, err := r.sched.Every("pool-registry-sweep", r.interval, func() { r.Sweep(r.now()) })
		if err != nil {
			return nil, err
		}
		r.sweepTask = task
	}
	return r, nil
}

// Get returns the pool for the credential triple, creating it on first use.
// A cached pool found closed is dropped and replaced.
func (r *Registry[R]) Get(database, user, password string, cfg config.PoolConfig) (*pool.ResourcePool[R], error) {
	key := r.fingerprint(database, user, password)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, r.closedErr("get")
	}

	if e, ok := r.pools.Get(key); ok {
		if !e.pool.IsClosed() {
			return e.pool, nil
		}
		r.pools.Remove(key)
		e.evictor.Stop()
		r.logger.Debug("dropped closed pool", zap.String("database", e.database))
	}

	p, err := r.factory(database, user, password, cfg)
	if err != nil {
		return nil, err
	}

	e := &entry[R]{
		database: database,
		user:     user,
		pool:     p,
		evictor:  pool.NewIdleEvictor(p, cfg.IdleTimeout),
	}
	if r.sched != nil {
		if err := e.evictor.Start(r.sched, cfg.EvictionInterval); err != nil {
			p.Close()
			return nil, err
		}
	}

	r.pools.Put(key, e)
	metrics.RegistryPools.Set(float64(r.pools.Len()))
	r.logger.Debug("created pool",
		zap.String("database", database),
		zap.String("user", user),
		zap.Int("cached", r.pools.Len()))
	return p, nil
}

// Contains reports whether a pool for the triple is cached, without
// changing its recency.
func (r *Registry[R]) Contains(database, user, password string) bool {
	key := r.fingerprint(database, user, password)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pools.Peek(key)
	return ok
}

// Remove closes and forgets the pool for the triple. It reports whether a
// pool was cached.
func (r *Registry[R]) Remove(database, user, password string) bool {
	key := r.fingerprint(database, user, password)
	r.mu.Lock()
	e, ok := r.pools.Remove(key)
	if ok {
		metrics.RegistryPools.Set(float64(r.pools.Len()))
	}
	r.mu.Unlock()

	if ok {
		r.closeEntry(e)
	}
	return ok
}

// Len returns the number of cached pools
func (r *Registry[R]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools.Len()
}

// Pools returns the cached pools from least to most recently used.
func (r *Registry[R]) Pools() []*pool.ResourcePool[R] {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.pools.Keys()
	out := make([]*pool.ResourcePool[R], 0, len(keys))
	for _, k := range keys {
		if e, ok := r.pools.Peek(k); ok {
			out = append(out, e.pool)
		}
	}
	return out
}

// Sweep closes and removes pools with nothing checked out that have been
// idle longer than the idle timeout, and drops pools closed elsewhere. A
// failure on one pool does not stop the sweep.
func (r *Registry[R]) Sweep(now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	cutoff := now.Add(-r.idleTimeout)
	var victims []*entry[R]
	for _, key := range r.pools.Keys() {
		e, _ := r.pools.Peek(key)
		if e.pool.IsClosed() {
			r.pools.Remove(key)
			e.evictor.Stop()
			continue
		}
		// holders of the pool may still acquire from it, so idleness is
		// re-checked under the pool lock as part of closing
		if e.pool.CloseIfIdle(cutoff) {
			r.pools.Remove(key)
			e.evictor.Stop()
			victims = append(victims, e)
		}
	}
	metrics.RegistryPools.Set(float64(r.pools.Len()))
	r.mu.Unlock()

	for _, e := range victims {
		metrics.RegistryEvictions.WithLabelValues(metrics.EvictIdle).Inc()
		r.logger.Info("closed idle pool", zap.String("database", e.database), zap.String("user", e.user))
	}
	return len(victims)
}

// Reset closes and removes every cached pool.
func (r *Registry[R]) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closedErr("reset")
	}
	r.purgeLocked(metrics.EvictReset)
	return nil
}

// Close stops the sweep and closes every pool. Later calls to Get and Reset
// fail with an illegal-state error. Calling Close again does nothing.
func (r *Registry[R]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.sweepTask != nil {
		r.sweepTask.Cancel()
		r.sweepTask = nil
	}
	r.purgeLocked(metrics.EvictClosed)
}

// IsClosed reports whether Close has been called
func (r *Registry[R]) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry[R]) purgeLocked(reason string) {
	r.evictReason = reason
	r.pools.Purge()
	r.evictReason = metrics.EvictCapacity
	metrics.RegistryPools.Set(0)
}

// onEvict runs synchronously inside the LRU with r.mu held.
func (r *Registry[R]) onEvict(_ string, e *entry[R]) {
	r.closeEntry(e)
	metrics.RegistryEvictions.WithLabelValues(r.evictReason).Inc()
	r.logger.Debug("evicted pool",
		zap.String("database", e.database),
		zap.String("reason", r.evictReason))
}

func (r *Registry[R]) closeEntry(e *entry[R]) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("closing pool panicked", zap.String("database", e.database), zap.Any("panic", rec))
		}
	}()
	e.evictor.Stop()
	e.pool.Close()
}

func (r *Registry[R]) closedErr(op string) error {
	return errors.New(errors.ErrorTypeIllegalState, "pool registry is closed").
		WithDetail("operation", op)
}
