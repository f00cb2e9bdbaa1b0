// Package nebuladb is the session and transaction layer of an embedded
// document database. Callers open sessions on a database, borrow them from
// pools, run nested transactions through them and react to their lifecycle
// with hooks and listeners.
//
// # Architecture
//
// An Engine owns the open storages, the pool registry, a background
// scheduler and the command deadline tracker:
//
//	Engine ── PoolRegistry ── ResourcePool[*Session] ── Session
//	   │                                                  ├── Coordinator (nested transactions)
//	   ├── Storage (memory, bolt)                         ├── Dispatcher (record hooks)
//	   ├── Scheduler (idle eviction, auto-close)          └── Guard (owner affinity)
//	   └── Tracker (command deadlines)
//
// A session belongs to one owner at a time. Owners travel in the context
// (affinity.WithOwner) and a session refuses calls from any other owner.
// Pooled sessions are rebound to the borrower on every acquire.
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.Storage.Type = config.StorageBolt
//
//	e, err := engine.New(cfg, engine.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer e.Close(ctx)
//
//	ctx = affinity.WithOwner(ctx, affinity.NewOwner())
//	pool, err := e.CachedPool(ctx, "orders", "admin", "secret")
//	db, err := pool.Acquire(ctx)
//	defer db.Close(ctx) // returns the session to the pool
//
//	err = db.ExecuteInTx(ctx, func(ctx context.Context, db *session.Session) error {
//	    return db.Save(ctx, db.NewRecord("Order").Set("total", 42.5))
//	})
//
// # Key Packages
//
//	pkg/engine     - Databases, storages, sessions and pools
//	pkg/session    - Records, transactions, hooks and owner checks
//	pkg/pool       - Bounded generic resource pool and idle evictor
//	pkg/registry   - Fingerprinted LRU cache of pools
//	pkg/tx         - Nested transaction coordinator and listeners
//	pkg/hook       - Ordered record hooks
//	pkg/affinity   - Owner identities and guards
//	pkg/deadline   - Command timeouts
//	pkg/storage    - Storage contract and drivers
//	pkg/config     - YAML configuration with environment substitution
//	pkg/errors     - Typed errors
//	pkg/logger     - Structured logging
//	pkg/metrics    - Prometheus collectors
//
// # Configuration
//
// Configuration is YAML with ${VAR_NAME} and ${VAR_NAME:-default}
// substitution. The nebuladb command additionally reads NEBULADB_*
// environment variables and a .env file:
//
//	nebuladb config init --out nebuladb.yaml
//	NEBULADB_STORAGE_TYPE=bolt nebuladb bench --workers 16
//	nebuladb inspect --database orders --storage-path ./data
package nebuladb
