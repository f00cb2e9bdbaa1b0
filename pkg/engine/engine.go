// Package engine ties nebuladb together: it opens storages, hands out
// sessions and session pools, and owns every background task.
//
// An Engine replaces a process-wide factory map. Create one per process (or
// per test) and close it on shutdown:
//
//	eng, err := engine.New(cfg, engine.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer eng.Close(ctx)
//
//	pool, err := eng.CachedPool(ctx, "orders", "admin", "secret")
//	s, err := pool.Acquire(ctx)
//	defer s.Close(ctx)
//
// Lock order: the engine never holds its own mutex while calling into the
// registry, a pool or a session.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/breaker"
	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/deadline"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/registry"
	"github.com/ajitpratap0/nebuladb/pkg/scheduler"
	"github.com/ajitpratap0/nebuladb/pkg/session"
	"github.com/ajitpratap0/nebuladb/pkg/storage"

	// storage drivers
	_ "github.com/ajitpratap0/nebuladb/pkg/storage/bolt"
	_ "github.com/ajitpratap0/nebuladb/pkg/storage/memory"
)

// Authenticator checks credentials when a session or pool is opened
type Authenticator interface {
	Authenticate(ctx context.Context, database, user, password string) error
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, database, user, password string) error

// Authenticate calls f
func (f AuthenticatorFunc) Authenticate(ctx context.Context, database, user, password string) error {
	return f(ctx, database, user, password)
}

type acceptAll struct{}

func (acceptAll) Authenticate(context.Context, string, string, string) error { return nil }

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithAuthenticator replaces the default authenticator, which accepts
// everyone.
func WithAuthenticator(a Authenticator) Option { return func(e *Engine) { e.auth = a } }

// WithSecurity sets the record security checker of every session
func WithSecurity(c session.SecurityChecker) Option { return func(e *Engine) { e.security = c } }

// WithSchemaChecker sets the schema checker of every session
func WithSchemaChecker(c session.SchemaChecker) Option { return func(e *Engine) { e.schema = c } }

// WithDriver uses d instead of a fresh instance of the configured driver
func WithDriver(d storage.Driver) Option { return func(e *Engine) { e.driver = d } }

// WithClock replaces time.Now, for tests of storage auto-close
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// storageEntry is an open storage and the sessions using it
type storageEntry struct {
	name     string
	st       storage.Storage
	sessions int
	lastUsed time.Time
}

// Engine owns storages, sessions, pools and the background tasks that
// maintain them. It is safe for concurrent use.
type Engine struct {
	cfg      config.Config
	driver   storage.Driver
	auth     Authenticator
	security session.SecurityChecker
	schema   session.SchemaChecker
	sched    *scheduler.Scheduler
	tracker  *deadline.Tracker
	registry *registry.Registry[*session.Session]
	opening  singleflight.Group
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	storages  map[string]*storageEntry
	breakers  map[string]*breaker.CircuitBreaker
	pools     map[*SessionPool]struct{}
	sessions  map[*session.Session]struct{}
	autoClose *scheduler.Task
	closed    bool
}

// New creates an engine from cfg. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      *cfg,
		auth:     acceptAll{},
		now:      time.Now,
		storages: make(map[string]*storageEntry),
		breakers: make(map[string]*breaker.CircuitBreaker),
		pools:    make(map[*SessionPool]struct{}),
		sessions: make(map[*session.Session]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrNop(e.logger).With(zap.String("component", "engine"))

	if e.driver == nil {
		d, err := storage.NewDriver(cfg.Storage.Type)
		if err != nil {
			return nil, err
		}
		e.driver = d
	}

	e.sched = scheduler.New(e.logger)
	tracker, err := deadline.New(cfg.Engine.CommandTimeout, e.sched, e.logger)
	if err != nil {
		e.shutdownScheduler()
		return nil, err
	}
	e.tracker = tracker

	regOpts := append(registry.FromConfig(cfg.Registry),
		registry.WithScheduler(e.sched),
		registry.WithLogger(e.logger))
	reg, err := registry.New[*session.Session](e.cachedPoolFactory, regOpts...)
	if err != nil {
		e.tracker.Close()
		e.shutdownScheduler()
		return nil, err
	}
	e.registry = reg

	if cfg.Engine.AutoClose && cfg.Engine.AutoCloseDelay > 0 {
		period := cfg.Engine.AutoCloseDelay / 3
		task, err := e.sched.Every("storage-auto-close", period, func() { e.SweepStorages(e.now()) })
		if err != nil {
			e.registry.Close()
			e.tracker.Close()
			e.shutdownScheduler()
			return nil, err
		}
		e.autoClose = task
	}

	e.logger.Info("engine started",
		zap.String("storage", cfg.Storage.Type),
		zap.Duration("command_timeout", cfg.Engine.CommandTimeout),
		zap.Bool("auto_close", e.autoClose != nil))
	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() config.Config { return e.cfg }

// Tracker returns the command deadline tracker
func (e *Engine) Tracker() *deadline.Tracker { return e.tracker }

// Registry returns the registry behind CachedPool
func (e *Engine) Registry() *registry.Registry[*session.Session] { return e.registry }

// IsClosed reports whether Close was called
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) closedErr(op string) error {
	return errors.New(errors.ErrorTypeIllegalState, "engine is closed").WithDetail("operation", op)
}

// Create creates database. Creating an existing database fails.
func (e *Engine) Create(ctx context.Context, database string) error {
	if e.Exists(database) {
		return errors.New(errors.ErrorTypeIllegalState, "database already exists").
			WithDetail("database", database)
	}
	ent, err := e.acquireStorage(ctx, database, true)
	if err != nil {
		return err
	}
	e.releaseStorage(ent)
	e.logger.Info("database created", zap.String("database", database))
	return nil
}

// Exists reports whether database exists
func (e *Engine) Exists(database string) bool {
	e.mu.Lock()
	ent, open := e.storages[database]
	e.mu.Unlock()
	if open && !ent.st.IsClosed() {
		return true
	}
	return e.driver.Exists(database, e.cfg.Storage)
}

// List returns the existing databases
func (e *Engine) List() ([]string, error) {
	return e.driver.List(e.cfg.Storage)
}

// Drop closes the storage of database and deletes it. Sessions still open
// on it fail from then on; pooled ones are discarded on their next lease.
func (e *Engine) Drop(ctx context.Context, database string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closedErr("drop")
	}
	ent := e.storages[database]
	delete(e.storages, database)
	delete(e.breakers, database)
	e.mu.Unlock()

	if ent != nil {
		if err := ent.st.Close(ctx); err != nil {
			e.logger.Warn("failed to close storage before drop", zap.String("database", database), zap.Error(err))
		}
	}
	if err := e.driver.Drop(ctx, database, e.cfg.Storage); err != nil {
		return err
	}
	e.logger.Info("database dropped", zap.String("database", database))
	return nil
}

// Open authenticates user and opens an unpooled session on an existing
// database, bound to the owner carried by ctx.
func (e *Engine) Open(ctx context.Context, database, user, password string) (*session.Session, error) {
	if e.IsClosed() {
		return nil, e.closedErr("open")
	}
	if err := e.authenticate(ctx, database, user, password); err != nil {
		return nil, err
	}
	s, err := e.newSession(ctx, database, user, affinity.OwnerFrom(ctx), nil)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.Destroy()
		return nil, e.closedErr("open")
	}
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) authenticate(ctx context.Context, database, user, password string) error {
	err := e.auth.Authenticate(ctx, database, user, password)
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeSecurity, "authentication failed").
		WithDetail("database", database).
		WithDetail("user", user)
}

// newSession opens a session counted against the storage of database.
// release is nil for unpooled sessions.
func (e *Engine) newSession(ctx context.Context, database, user string, owner affinity.Owner, release func(*session.Session) error) (*session.Session, error) {
	ent, err := e.acquireStorage(ctx, database, false)
	if err != nil {
		return nil, err
	}

	s, err := session.Open(ctx, session.Options{
		Database:        database,
		User:            user,
		Storage:         ent.st,
		Owner:           owner,
		OwnerProtection: e.cfg.Session.OwnerProtection,
		LocalCacheSize:  e.cfg.Session.LocalCacheSize,
		Tracker:         e.tracker,
		Security:        e.security,
		Schema:          e.schema,
		Release:         release,
		OnDestroy:       func(s *session.Session) { e.sessionDestroyed(s, ent) },
		Logger:          e.logger,
	})
	if err != nil {
		e.releaseStorage(ent)
		return nil, err
	}
	return s, nil
}

func (e *Engine) sessionDestroyed(s *session.Session, ent *storageEntry) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
	e.releaseStorage(ent)
}

// acquireStorage returns the open storage of database with its session
// count raised by one. Concurrent opens of one database share a single
// attempt, and repeated failures trip the database's breaker.
func (e *Engine) acquireStorage(ctx context.Context, database string, create bool) (*storageEntry, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ent, err := e.claimStorage(database)
		if err != nil || ent != nil {
			return ent, err
		}
		if !create && !e.driver.Exists(database, e.cfg.Storage) {
			return nil, errors.New(errors.ErrorTypeNotFound, "database does not exist").
				WithDetail("database", database)
		}
		_, err, _ = e.opening.Do(database, func() (interface{}, error) {
			return nil, e.openStorage(ctx, database)
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.New(errors.ErrorTypeIllegalState, "storage closed while opening").
		WithDetail("database", database)
}

func (e *Engine) claimStorage(database string) (*storageEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, e.closedErr("open_storage")
	}
	ent, ok := e.storages[database]
	if !ok {
		return nil, nil
	}
	if ent.st.IsClosed() {
		delete(e.storages, database)
		return nil, nil
	}
	ent.sessions++
	ent.lastUsed = e.now()
	return ent, nil
}

func (e *Engine) openStorage(ctx context.Context, database string) error {
	e.mu.Lock()
	if ent, ok := e.storages[database]; ok && !ent.st.IsClosed() {
		e.mu.Unlock()
		return nil
	}
	br, ok := e.breakers[database]
	if !ok {
		br = breaker.New(database, e.cfg.Storage.Breaker, e.logger)
		e.breakers[database] = br
	}
	e.mu.Unlock()

	var st storage.Storage
	err := br.Execute(func() error {
		var err error
		st, err = storage.OpenWith(ctx, e.driver, database, e.cfg.Storage, e.logger)
		return err
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = st.Close(context.Background())
		return e.closedErr("open_storage")
	}
	e.storages[database] = &storageEntry{name: database, st: st, lastUsed: e.now()}
	e.mu.Unlock()
	e.logger.Debug("storage opened", zap.String("database", database), zap.String("type", st.Type()))
	return nil
}

func (e *Engine) releaseStorage(ent *storageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.sessions > 0 {
		ent.sessions--
	}
	ent.lastUsed = e.now()
}

// OpenStorages returns the names of the storages currently open
func (e *Engine) OpenStorages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.storages))
	for name := range e.storages {
		names = append(names, name)
	}
	return names
}

// SweepStorages closes storages that have had no session for longer than
// the auto-close delay and returns how many it closed.
func (e *Engine) SweepStorages(now time.Time) int {
	delay := e.cfg.Engine.AutoCloseDelay
	if delay <= 0 {
		return 0
	}

	e.mu.Lock()
	var idle []*storageEntry
	for name, ent := range e.storages {
		if ent.sessions == 0 && now.Sub(ent.lastUsed) >= delay {
			idle = append(idle, ent)
			delete(e.storages, name)
		}
	}
	e.mu.Unlock()

	for _, ent := range idle {
		if err := ent.st.Close(context.Background()); err != nil {
			e.logger.Warn("auto-close failed", zap.String("database", ent.name), zap.Error(err))
			continue
		}
		metrics.StorageAutoCloses.Inc()
		e.logger.Info("storage auto-closed", zap.String("database", ent.name))
	}
	return len(idle)
}

// Close shuts the engine down: cached and private pools, unpooled
// sessions, the deadline tracker, every storage and the scheduler. It is
// idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pools := make([]*SessionPool, 0, len(e.pools))
	for p := range e.pools {
		pools = append(pools, p)
	}
	sessions := make([]*session.Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	storages := make([]*storageEntry, 0, len(e.storages))
	for _, ent := range e.storages {
		storages = append(storages, ent)
	}
	e.storages = make(map[string]*storageEntry)
	e.pools = make(map[*SessionPool]struct{})
	task := e.autoClose
	e.autoClose = nil
	e.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	e.registry.Close()
	for _, p := range pools {
		p.pool.Close()
	}
	for _, s := range sessions {
		s.Destroy()
	}
	e.tracker.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, ent := range storages {
		ent := ent
		g.Go(func() error {
			if err := ent.st.Close(gctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "close storage").WithDetail("database", ent.name)
			}
			return nil
		})
	}
	err := g.Wait()

	if serr := e.sched.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	e.logger.Info("engine closed", zap.Int("storages", len(storages)), zap.Int("pools", len(pools)))
	return err
}

func (e *Engine) shutdownScheduler() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.sched.Shutdown(ctx)
}
