// Package session is the per-client facade over one open database: record
// load, save and delete, nested transactions, record hooks and a small
// property bag.
//
// A session is used by one owner at a time. With owner protection on, the
// first owner to touch the session binds it and any other owner gets a
// thread-affinity error until the session is closed or handed over by its
// pool.
//
// # Basic Usage
//
//	ctx, err := s.Activate(ctx)
//	if err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//
//	order := s.NewRecord("Order").Set("total", 42.0)
//	err = s.ExecuteInTx(ctx, func(ctx context.Context, s *session.Session) error {
//		return s.Save(ctx, order)
//	})
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/cache"
	"github.com/ajitpratap0/nebuladb/pkg/deadline"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/hook"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// Status is the lifecycle state of a session
type Status int32

const (
	// StatusOpen sessions accept operations
	StatusOpen Status = iota
	// StatusClosed sessions reject every operation
	StatusClosed
)

func (s Status) String() string {
	if s == StatusOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Options configures a session. Storage is required.
type Options struct {
	Database string
	User     string
	Storage  storage.Storage

	// Owner binds the session at open when owner protection is on.
	Owner affinity.Owner

	// OwnerProtection rejects calls from owners other than the bound one.
	OwnerProtection bool

	// LocalCacheSize bounds the committed records kept by the session.
	// Zero disables the cache.
	LocalCacheSize int

	// Tracker enforces command deadlines. nil disables them.
	Tracker *deadline.Tracker

	Security SecurityChecker
	Schema   SchemaChecker

	// Release returns a pooled session to its pool on Close. An unpooled
	// session leaves it nil.
	Release func(*Session) error

	// OnDestroy runs once when the session closes for good.
	OnDestroy func(*Session)

	Logger *zap.Logger
}

// Session is a client session over one database. It is not safe for
// concurrent use; owner protection detects misuse rather than preventing
// it.
type Session struct {
	id        string
	database  string
	user      string
	storage   storage.Storage
	tracker   *deadline.Tracker
	security  SecurityChecker
	schema    SchemaChecker
	release   func(*Session) error
	destroyed func(*Session)

	coord    *tx.Coordinator
	hooks    *hook.Dispatcher
	local    *cache.LRU[models.RID, *models.Record]
	metadata *models.Metadata
	props    map[string]interface{}

	// listeners registered by the borrower; dropped on Close
	listeners []tx.Listener

	guard   affinity.Guard
	protect bool
	status  atomic.Int32
	leased  atomic.Bool
	once    sync.Once
	opened  time.Time
	logger  *zap.Logger
}

// Open creates a session over opts.Storage and loads the database metadata
// once.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Storage == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "session requires a storage")
	}
	if opts.Storage.IsClosed() {
		return nil, errors.New(errors.ErrorTypeIllegalState, "storage is closed").
			WithDetail("database", opts.Database)
	}
	if opts.Database == "" {
		opts.Database = opts.Storage.Name()
	}

	md, err := opts.Storage.LoadMetadata(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to load metadata").
			WithDetail("database", opts.Database)
	}

	s := &Session{
		id:        uuid.NewString(),
		database:  opts.Database,
		user:      opts.User,
		storage:   opts.Storage,
		tracker:   opts.Tracker,
		security:  opts.Security,
		schema:    opts.Schema,
		release:   opts.Release,
		destroyed: opts.OnDestroy,
		local:     cache.NewLRU[models.RID, *models.Record](opts.LocalCacheSize, nil),
		metadata:  md,
		props:     make(map[string]interface{}),
		protect:   opts.OwnerProtection,
		opened:    time.Now(),
	}
	if s.security == nil {
		s.security = AllowAll{}
	}
	if s.schema == nil {
		s.schema = DeclaredSchemas{}
	}
	s.logger = logger.OrNop(opts.Logger).With(
		zap.String("component", "session"),
		zap.String("session_id", s.id),
		zap.String("database", s.database))

	s.hooks = hook.NewDispatcher(s.logger)
	s.coord = tx.NewCoordinator(s.database, s.storage, s.hooks, s.logger)
	s.coord.AddListener(&cacheSync{local: s.local})

	if s.protect && opts.Owner != 0 {
		s.guard.Rebind(opts.Owner)
	}
	s.leased.Store(true)

	metrics.OpenSessions.WithLabelValues(s.database).Inc()
	s.logger.Debug("session opened", zap.String("user", s.user), zap.Bool("pooled", s.release != nil))
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Name returns the database name
func (s *Session) Name() string { return s.database }

// User returns the user the session was opened for
func (s *Session) User() string { return s.user }

// Status returns the lifecycle status
func (s *Session) Status() Status { return Status(s.status.Load()) }

// IsClosed reports whether the session was destroyed
func (s *Session) IsClosed() bool { return s.Status() == StatusClosed }

// IsPooled reports whether Close returns the session to a pool
func (s *Session) IsPooled() bool { return s.release != nil }

// Owner returns the owner the session is bound to, or zero
func (s *Session) Owner() affinity.Owner { return s.guard.Holder() }

// Storage returns the storage the session works on
func (s *Session) Storage() storage.Storage { return s.storage }

// OpenedAt returns when the session was created
func (s *Session) OpenedAt() time.Time { return s.opened }

// Activate binds the session to the owner carried by ctx, minting one when
// ctx has none, and returns a context carrying the owner and the session
// identity for logging.
func (s *Session) Activate(ctx context.Context) (context.Context, error) {
	if err := s.checkOpen("activate"); err != nil {
		return ctx, err
	}
	ctx, owner := affinity.Ensure(ctx)
	if s.protect {
		if err := s.guard.Claim(owner); err != nil {
			return ctx, err
		}
	}
	ctx = context.WithValue(ctx, logger.SessionIDKey, s.id)
	ctx = context.WithValue(ctx, logger.DatabaseKey, s.database)
	return ctx, nil
}

// Lease hands a pooled session to owner. Pools call it when reusing an
// idle session; it fails when the session or its storage is closed.
func (s *Session) Lease(owner affinity.Owner) error {
	if s.IsClosed() {
		return errors.New(errors.ErrorTypeIllegalState, "session is closed").WithDetail("session_id", s.id)
	}
	if s.storage.IsClosed() {
		return errors.New(errors.ErrorTypeIllegalState, "storage is closed").WithDetail("database", s.database)
	}
	if s.protect {
		s.guard.Rebind(owner)
	}
	s.leased.Store(true)
	return nil
}

func (s *Session) checkOpen(op string) error {
	if s.IsClosed() {
		return errors.New(errors.ErrorTypeIllegalState, "session is closed").
			WithDetail("session_id", s.id).
			WithDetail("operation", op)
	}
	if s.release != nil && !s.leased.Load() {
		return errors.New(errors.ErrorTypeIllegalState, "session was returned to its pool").
			WithDetail("session_id", s.id).
			WithDetail("operation", op)
	}
	return nil
}

// check verifies status and owner. An owner-less context is admitted only
// while nobody holds the session; a context with an owner binds a free
// session.
func (s *Session) check(ctx context.Context, op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if !s.protect {
		return nil
	}
	owner := affinity.OwnerFrom(ctx)
	if owner == 0 {
		return s.guard.Check(0)
	}
	return s.guard.Claim(owner)
}

// enter checks the caller and starts a command under the deadline tracker.
// The returned function ends the command.
func (s *Session) enter(ctx context.Context, op string) (context.Context, func(), error) {
	if err := s.check(ctx, op); err != nil {
		return ctx, func() {}, err
	}
	cctx, end := s.tracker.StartCommand(ctx, 0)
	return context.WithValue(cctx, logger.SessionIDKey, s.id), end, nil
}

// SetProperty stores a session-scoped value. A nil value removes the key.
func (s *Session) SetProperty(key string, value interface{}) {
	if value == nil {
		delete(s.props, key)
		return
	}
	s.props[key] = value
}

// Property returns a session-scoped value
func (s *Session) Property(key string) (interface{}, bool) {
	v, ok := s.props[key]
	return v, ok
}

// Properties returns a copy of the property bag
func (s *Session) Properties() map[string]interface{} {
	out := make(map[string]interface{}, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

// Metadata returns the metadata loaded when the session opened
func (s *Session) Metadata() *models.Metadata { return s.metadata }

// Schema returns the schema of class, if one is defined
func (s *Session) Schema(class string) (*models.Schema, bool) {
	return s.metadata.Schema(class)
}

// DefineSchema stores schema in the database and makes it visible to this
// session immediately. Other sessions see it when they next open.
func (s *Session) DefineSchema(ctx context.Context, schema *models.Schema) error {
	ctx, end, err := s.enter(ctx, "define_schema")
	if err != nil {
		return err
	}
	defer end()

	if schema == nil || schema.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "schema requires a class name")
	}
	if err := s.storage.SaveSchema(ctx, schema); err != nil {
		return err
	}
	if s.metadata.Schemas == nil {
		s.metadata.Schemas = make(map[string]*models.Schema)
	}
	s.metadata.Schemas[schema.Name] = schema
	return nil
}

// CacheStats reports the local record cache
func (s *Session) CacheStats() cache.Stats { return s.local.Stats() }

// Close ends the session for its current owner: an open transaction is
// rolled back, the local cache is cleared and the owner released. A
// pooled session goes back to its pool; an unpooled one is destroyed.
// Closing a closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}
	if s.release != nil && !s.leased.Load() {
		return nil
	}
	if err := s.check(ctx, "close"); err != nil {
		return err
	}

	s.reset(ctx)
	if s.release == nil {
		s.Destroy()
		return nil
	}

	s.leased.Store(false)
	s.guard.Release()
	if err := s.release(s); err != nil {
		s.logger.Warn("failed to return session to its pool", zap.Error(err))
		s.Destroy()
	}
	return nil
}

// reset drops everything a borrower left behind
func (s *Session) reset(ctx context.Context) {
	if s.coord.IsActive() {
		if err := s.coord.Rollback(ctx, true); err != nil {
			s.logger.Warn("rollback on close failed", zap.Error(err))
		}
	}
	for _, l := range s.listeners {
		s.coord.RemoveListener(l)
	}
	s.listeners = nil
	s.hooks.Clear()
	s.local.Clear()
	for k := range s.props {
		delete(s.props, k)
	}
}

// Destroy closes the session for good. Pools call it when they evict or
// close; it is idempotent.
func (s *Session) Destroy() {
	s.once.Do(func() {
		if s.coord.IsActive() {
			if err := s.coord.Rollback(context.Background(), true); err != nil {
				s.logger.Warn("rollback on destroy failed", zap.Error(err))
			}
		}
		s.status.Store(int32(StatusClosed))
		s.leased.Store(false)
		s.hooks.Clear()
		s.local.Clear()
		s.guard.Release()
		metrics.OpenSessions.WithLabelValues(s.database).Dec()
		s.logger.Debug("session closed")
		if s.destroyed != nil {
			s.destroyed(s)
		}
	})
}
