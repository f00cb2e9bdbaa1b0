package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/pool"
	"github.com/ajitpratap0/nebuladb/pkg/session"
)

// SessionPool lends sessions of one database and user. Closing a borrowed
// session returns it to the pool.
type SessionPool struct {
	engine   *Engine
	database string
	user     string
	password string
	cached   bool
	timeout  time.Duration
	pool     *pool.ResourcePool[*session.Session]
	evictor  *pool.IdleEvictor[*session.Session]
}

// sessionListener creates pooled sessions and validates them on reuse
type sessionListener struct {
	engine   *Engine
	database string
	user     string
	pool     *pool.ResourcePool[*session.Session]
}

func ownerArg(args []interface{}) affinity.Owner {
	if len(args) > 0 {
		if o, ok := args[0].(affinity.Owner); ok {
			return o
		}
	}
	return 0
}

func (l *sessionListener) Create(ctx context.Context, _ string, args ...interface{}) (*session.Session, error) {
	return l.engine.newSession(ctx, l.database, l.user, ownerArg(args), l.release)
}

func (l *sessionListener) Reuse(_ context.Context, _ string, s *session.Session, args ...interface{}) bool {
	if err := s.Lease(ownerArg(args)); err != nil {
		l.engine.logger.Debug("discarding pooled session", zap.String("session_id", s.ID()), zap.Error(err))
		return false
	}
	return true
}

func (l *sessionListener) Destroy(s *session.Session) { s.Destroy() }

func (l *sessionListener) release(s *session.Session) error { return l.pool.Release(s) }

func (e *Engine) newSessionPool(database, user string, cfg config.PoolConfig) (*pool.ResourcePool[*session.Session], error) {
	l := &sessionListener{engine: e, database: database, user: user}
	p, err := pool.NewResourcePool[*session.Session](cfg.Min, cfg.Max, l,
		pool.WithName(database+"@"+user),
		pool.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	l.pool = p
	return p, nil
}

// cachedPoolFactory builds the pools the registry caches
func (e *Engine) cachedPoolFactory(database, user, _ string, cfg config.PoolConfig) (*pool.ResourcePool[*session.Session], error) {
	return e.newSessionPool(database, user, cfg)
}

func (e *Engine) checkPoolRequest(ctx context.Context, database, user, password string) error {
	if e.IsClosed() {
		return e.closedErr("pool")
	}
	if err := e.authenticate(ctx, database, user, password); err != nil {
		return err
	}
	if !e.Exists(database) {
		return errors.New(errors.ErrorTypeNotFound, "database does not exist").WithDetail("database", database)
	}
	return nil
}

// OpenPool creates a private session pool owned by the caller. It stays
// registered with the engine until closed.
func (e *Engine) OpenPool(ctx context.Context, database, user, password string, cfg config.PoolConfig) (*SessionPool, error) {
	if err := e.checkPoolRequest(ctx, database, user, password); err != nil {
		return nil, err
	}
	rp, err := e.newSessionPool(database, user, cfg)
	if err != nil {
		return nil, err
	}

	sp := &SessionPool{
		engine:   e,
		database: database,
		user:     user,
		password: password,
		timeout:  cfg.AcquireTimeout,
		pool:     rp,
		evictor:  pool.NewIdleEvictor(rp, cfg.IdleTimeout),
	}
	if err := sp.evictor.Start(e.sched, cfg.EvictionInterval); err != nil {
		rp.Close()
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sp.evictor.Stop()
		rp.Close()
		return nil, e.closedErr("open_pool")
	}
	e.pools[sp] = struct{}{}
	e.mu.Unlock()
	return sp, nil
}

// CachedPool returns the registry-shared pool for the credential triple,
// creating it on first use with the engine's pool configuration.
func (e *Engine) CachedPool(ctx context.Context, database, user, password string) (*SessionPool, error) {
	if err := e.checkPoolRequest(ctx, database, user, password); err != nil {
		return nil, err
	}
	rp, err := e.registry.Get(database, user, password, e.cfg.Pool)
	if err != nil {
		return nil, err
	}
	return &SessionPool{
		engine:   e,
		database: database,
		user:     user,
		password: password,
		cached:   true,
		timeout:  e.cfg.Pool.AcquireTimeout,
		pool:     rp,
	}, nil
}

// RemovePool forgets a private pool without closing it and reports whether
// the engine knew it.
func (e *Engine) RemovePool(p *SessionPool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pools[p]; !ok {
		return false
	}
	delete(e.pools, p)
	return true
}

// PrivatePools returns the number of open private pools
func (e *Engine) PrivatePools() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pools)
}

// Acquire borrows a session for the owner carried by ctx, waiting up to
// the pool's acquire timeout when every session is out.
func (p *SessionPool) Acquire(ctx context.Context) (*session.Session, error) {
	return p.pool.Acquire(ctx, p.database, p.timeout, affinity.OwnerFrom(ctx))
}

// Close closes the pool and every session it holds. A cached pool is also
// dropped from the registry.
func (p *SessionPool) Close() {
	if p.cached {
		if !p.engine.registry.Remove(p.database, p.user, p.password) {
			p.pool.Close()
		}
		return
	}
	p.engine.RemovePool(p)
	p.evictor.Stop()
	p.pool.Close()
}

// Stats returns a snapshot of the pool
func (p *SessionPool) Stats() pool.Stats { return p.pool.Stats() }

// Database returns the database the pool serves
func (p *SessionPool) Database() string { return p.database }

// User returns the user the pool's sessions are opened for
func (p *SessionPool) User() string { return p.user }

// IsCached reports whether the pool is shared through the registry
func (p *SessionPool) IsCached() bool { return p.cached }

// IsClosed reports whether the pool was closed
func (p *SessionPool) IsClosed() bool { return p.pool.IsClosed() }
