// Package tx implements the transaction state machine of a session:
// nested begin/commit/rollback, the record operation log, listeners around
// transaction boundaries and record hooks after the storage commit.
//
// Only the outermost Commit reaches storage. Nested Begin calls increase
// the depth, nested Commit calls decrease it, and a nested Rollback marks
// the transaction so the outer Commit fails.
package tx

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/hook"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/observability"
)

// Committer durably applies an operation log. Commit must be all or
// nothing.
type Committer interface {
	Commit(ctx context.Context, ops []Operation) error
}

// Dispatcher fires record hooks. *hook.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, t hook.Type, rec *models.Record) (hook.Result, error)
	Active() bool
}

// Coordinator drives the transactions of one session. It is not safe for
// concurrent use.
type Coordinator struct {
	database  string
	storage   Committer
	hooks     Dispatcher
	listeners []Listener
	current   *Transaction
	logger    *zap.Logger
	tracer    *observability.ComponentTracer
	now       func() time.Time
}

// NewCoordinator creates a coordinator committing to storage. hooks may be
// nil.
func NewCoordinator(database string, storage Committer, hooks Dispatcher, log *zap.Logger) *Coordinator {
	return &Coordinator{
		database: database,
		storage:  storage,
		hooks:    hooks,
		current:  noTx(),
		logger: logger.OrNop(log).With(
			zap.String("component", "tx_coordinator"),
			zap.String("database", database)),
		tracer: observability.NewComponentTracer("tx", database),
		now:    time.Now,
	}
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (c *Coordinator) AddListener(l Listener) {
	for _, x := range c.listeners {
		if x == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// RemoveListener unregisters l and reports whether it was registered
func (c *Coordinator) RemoveListener(l Listener) bool {
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Current returns the current transaction. It is never nil; a NotActive
// transaction stands in when none is running.
func (c *Coordinator) Current() *Transaction { return c.current }

// Depth returns the nesting depth of the current transaction
func (c *Coordinator) Depth() int { return c.current.depth }

// IsActive reports whether a transaction is running
func (c *Coordinator) IsActive() bool { return c.current.IsActive() }

// Begin starts a transaction, or nests into the running one. Nested begins
// have no side effects besides the depth. It returns the new depth.
func (c *Coordinator) Begin(ctx context.Context) (int, error) {
	if c.hooks != nil && c.hooks.Active() {
		return c.current.depth, errors.New(errors.ErrorTypeIllegalState, "cannot begin a transaction inside a hook")
	}

	cur := c.current
	switch cur.status {
	case Begun, RollingBack:
		cur.depth++
		return cur.depth, nil
	case Committing:
		return cur.depth, errors.New(errors.ErrorTypeIllegalState, "cannot begin while a commit is in progress").
			WithDetail("tx_id", cur.id)
	}

	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCancelled, "begin interrupted")
	}

	// a failing before-begin listener is reported and does not stop the begin
	for _, l := range c.listeners {
		if err := l.OnBeforeBegin(ctx, cur); err != nil {
			logger.Enrich(c.logger, ctx).Warn("before-begin listener failed",
				zap.String("database", c.database), zap.Error(err))
		}
	}

	t := newTransaction(c.now())
	c.current = t
	c.logger.Debug("transaction begun", zap.String("tx_id", t.id))

	for _, l := range c.listeners {
		if err := l.OnAfterBegin(ctx, t); err != nil {
			c.rollback(ctx, t)
			return 0, errors.Wrap(err, errors.ErrorTypeTransaction, "after-begin listener failed").
				WithDetail("database", c.database).
				WithDetail("tx_id", t.id)
		}
	}
	return t.depth, nil
}

// RecordCreated logs a new record in the current transaction
func (c *Coordinator) RecordCreated(rec *models.Record) error {
	return c.current.record(Created, rec)
}

// RecordUpdated logs a changed record in the current transaction
func (c *Coordinator) RecordUpdated(rec *models.Record) error {
	return c.current.record(Updated, rec)
}

// RecordDeleted logs a deleted record in the current transaction
func (c *Coordinator) RecordDeleted(rec *models.Record) error {
	return c.current.record(Deleted, rec)
}

// Lookup returns the pending operation for rid in the current transaction
func (c *Coordinator) Lookup(rid models.RID) (Operation, bool) {
	return c.current.Lookup(rid)
}

// Commit ends one level of the current transaction. The outermost commit
// runs the before-commit listeners, commits the log to storage and then
// fires the after hooks and after-commit listeners. A failure before or
// during the storage commit rolls the transaction back and is returned as
// a transaction error; an after-commit listener failure is returned as a
// blocked transaction since the data is already durable.
func (c *Coordinator) Commit(ctx context.Context) error {
	t := c.current
	switch t.status {
	case NotActive:
		return errors.New(errors.ErrorTypeIllegalState, "no active transaction to commit").
			WithDetail("database", c.database)
	case Committing:
		return errors.New(errors.ErrorTypeIllegalState, "commit already in progress").
			WithDetail("tx_id", t.id)
	case RollingBack:
		t.depth--
		if t.depth <= 0 {
			c.rollback(ctx, t)
		}
		return errors.New(errors.ErrorTypeTransaction, "transaction was rolled back and cannot be committed").
			WithDetail("database", c.database).
			WithDetail("tx_id", t.id)
	}

	if t.depth > 1 {
		t.depth--
		return nil
	}

	ctx, span := c.tracer.StartSpan(ctx, "commit")
	span.SetAttribute("tx.id", t.id)
	span.SetAttribute("tx.operations", t.Len())
	err := c.commit(ctx, t)
	span.End(err)
	return err
}

func (c *Coordinator) commit(ctx context.Context, t *Transaction) error {
	for _, l := range c.listeners {
		if err := l.OnBeforeCommit(ctx, t); err != nil {
			c.rollback(ctx, t)
			metrics.Transactions.WithLabelValues(c.database, metrics.TxFailed).Inc()
			return errors.Wrap(err, errors.ErrorTypeTransaction, "before-commit listener failed").
				WithDetail("database", c.database).
				WithDetail("tx_id", t.id)
		}
	}

	if err := ctx.Err(); err != nil {
		c.rollback(ctx, t)
		metrics.Transactions.WithLabelValues(c.database, metrics.TxFailed).Inc()
		return errors.Wrap(err, errors.ErrorTypeCancelled, "commit interrupted").
			WithDetail("database", c.database).
			WithDetail("tx_id", t.id)
	}

	t.status = Committing
	ops := t.Operations()

	timer := metrics.NewTimer()
	err := c.commitStorage(ctx, ops)
	metrics.CommitLatency.WithLabelValues(c.database).Observe(timer.Stop().Seconds())

	if err != nil {
		logger.Enrich(c.logger, ctx).Warn("storage commit failed, rolling back",
			zap.String("tx_id", t.id),
			zap.Int("operations", len(ops)),
			zap.Error(err))
		c.rollback(ctx, t)
		c.fireHooks(ctx, ops, failedHook)
		metrics.Transactions.WithLabelValues(c.database, metrics.TxFailed).Inc()

		kind := errors.ErrorTypeTransaction
		if errors.IsCancelled(err) {
			kind = errors.ErrorTypeCancelled
		}
		return errors.Wrap(err, kind, "storage commit failed").
			WithDetail("database", c.database).
			WithDetail("tx_id", t.id)
	}

	c.finish(t)
	c.logger.Debug("transaction committed",
		zap.String("tx_id", t.id),
		zap.Int("operations", len(ops)))
	c.fireHooks(ctx, ops, afterHook)

	var listenerErr error
	for _, l := range c.listeners {
		if err := l.OnAfterCommit(ctx, t); err != nil && listenerErr == nil {
			listenerErr = err
		}
	}
	t.release()
	if listenerErr != nil {
		metrics.Transactions.WithLabelValues(c.database, metrics.TxBlocked).Inc()
		return errors.Wrap(listenerErr, errors.ErrorTypeTransactionBlocked,
			"transaction committed but an after-commit listener failed").
			WithDetail("database", c.database).
			WithDetail("tx_id", t.id)
	}
	metrics.Transactions.WithLabelValues(c.database, metrics.TxCommitted).Inc()
	return nil
}

func (c *Coordinator) commitStorage(ctx context.Context, ops []Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeStorage, "storage commit panicked: %v", r)
		}
	}()
	return c.storage.Commit(ctx, ops)
}

// Rollback ends one level of the current transaction. A nested rollback
// only decreases the depth and marks the transaction rolled back, unless
// force is set; the outermost or forced rollback discards the log between
// the before and after rollback listeners. Rolling back with no active
// transaction is a no-op.
func (c *Coordinator) Rollback(ctx context.Context, force bool) error {
	t := c.current
	switch t.status {
	case NotActive:
		return nil
	case Committing:
		return errors.New(errors.ErrorTypeIllegalState, "cannot roll back while a commit is in progress").
			WithDetail("tx_id", t.id)
	}

	if t.depth > 1 && !force {
		t.depth--
		t.status = RollingBack
		return nil
	}

	ctx, span := c.tracer.StartSpan(ctx, "rollback")
	span.SetAttribute("tx.id", t.id)
	span.SetAttribute("tx.forced", force)
	c.rollback(ctx, t)
	span.End(nil)
	return nil
}

// rollback runs the physical rollback exactly once per transaction
func (c *Coordinator) rollback(ctx context.Context, t *Transaction) {
	t.status = RollingBack
	for _, l := range c.listeners {
		if err := l.OnBeforeRollback(ctx, t); err != nil {
			logger.Enrich(c.logger, ctx).Warn("before-rollback listener failed", zap.String("tx_id", t.id), zap.Error(err))
		}
	}

	c.finish(t)
	metrics.Transactions.WithLabelValues(c.database, metrics.TxRolledBack).Inc()
	c.logger.Debug("transaction rolled back", zap.String("tx_id", t.id))

	for _, l := range c.listeners {
		if err := l.OnAfterRollback(ctx, t); err != nil {
			logger.Enrich(c.logger, ctx).Warn("after-rollback listener failed", zap.String("tx_id", t.id), zap.Error(err))
		}
	}
	t.release()
}

// finish retires t and installs the no-transaction stand-in. The log stays
// readable until the after listeners have run.
func (c *Coordinator) finish(t *Transaction) {
	t.status = NotActive
	t.depth = 0
	if c.current == t {
		c.current = noTx()
	}
}

var (
	afterHook  = map[OpKind]hook.Type{Created: hook.AfterCreate, Updated: hook.AfterUpdate, Deleted: hook.AfterDelete}
	failedHook = map[OpKind]hook.Type{Created: hook.CreateFailed, Updated: hook.UpdateFailed, Deleted: hook.DeleteFailed}
)

// fireHooks notifies hooks after the storage outcome is known. The outcome
// cannot change anymore, so hook errors are logged.
func (c *Coordinator) fireHooks(ctx context.Context, ops []Operation, types map[OpKind]hook.Type) {
	if c.hooks == nil {
		return
	}
	for _, op := range ops {
		if op.Record == nil {
			continue
		}
		if _, err := c.hooks.Dispatch(ctx, types[op.Kind], op.Record); err != nil {
			logger.Enrich(c.logger, ctx).Warn("hook failed after commit",
				zap.String("hook", types[op.Kind].String()),
				zap.String("rid", op.RID.String()),
				zap.Error(err))
		}
	}
}
