package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/cache"
	"github.com/ajitpratap0/nebuladb/pkg/deadline"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/hook"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// NewRecord creates an unsaved record of class. Save assigns its RID.
func (s *Session) NewRecord(class string) *models.Record {
	return models.NewRecord(class)
}

// Load returns the record identified by rid. Changes pending in the
// current transaction win over committed data, which is served from the
// local cache before storage. The caller gets its own copy.
//
// Read hooks run on committed records only. A before-read hook returning
// Skip or SkipIO hides the record.
func (s *Session) Load(ctx context.Context, rid models.RID) (*models.Record, error) {
	ctx, end, err := s.enter(ctx, "load")
	if err != nil {
		return nil, err
	}
	defer end()

	if rid.IsNew() {
		return nil, errors.New(errors.ErrorTypeValidation, "cannot load a record that was never saved").
			WithDetail("rid", rid.String())
	}
	if op, ok := s.coord.Lookup(rid); ok {
		if op.Kind == tx.Deleted {
			return nil, storage.NotFound(s.database, rid)
		}
		return op.Record.Copy(), nil
	}

	rec, err := s.fetch(ctx, rid)
	if err != nil {
		return nil, err
	}

	res, err := s.hooks.Dispatch(ctx, hook.BeforeRead, rec)
	if err != nil {
		return nil, err
	}
	if res.ShortCircuits() {
		return nil, errors.New(errors.ErrorTypeNotFound, "record hidden by hook").
			WithDetail("database", s.database).
			WithDetail("rid", rid.String()).
			WithDetail("result", res.String())
	}
	if err := s.checkSecurity(ctx, ActionRead, rec); err != nil {
		return nil, err
	}
	if _, err := s.hooks.Dispatch(ctx, hook.AfterRead, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// fetch returns a copy of the committed record from the cache or storage
func (s *Session) fetch(ctx context.Context, rid models.RID) (*models.Record, error) {
	if rec, ok := s.local.Get(rid); ok {
		return rec.Copy(), nil
	}
	if err := deadline.Cause(ctx); err != nil {
		return nil, err
	}
	rec, err := s.storage.Read(ctx, rid)
	if err != nil {
		return nil, err
	}
	s.local.Put(rid, rec.Copy())
	return rec, nil
}

// Save creates rec when it has no RID yet and updates it otherwise. Outside
// an explicit transaction the write commits immediately.
//
// Before hooks run first and may change rec; Skip and SkipIO drop the
// write without error. Schema and security checks follow. A rejected
// write rolls back the whole active transaction and is reported as a
// transaction error wrapping the cause.
func (s *Session) Save(ctx context.Context, rec *models.Record) error {
	ctx, end, err := s.enter(ctx, "save")
	if err != nil {
		return err
	}
	defer end()

	if rec == nil || rec.Class == "" {
		return errors.New(errors.ErrorTypeValidation, "record requires a class")
	}
	return s.inTx(ctx, func() error { return s.save(ctx, rec) })
}

func (s *Session) save(ctx context.Context, rec *models.Record) error {
	creating := rec.ID.IsNew()
	before, action := hook.BeforeUpdate, ActionUpdate
	if creating {
		before, action = hook.BeforeCreate, ActionCreate
	}

	res, err := s.hooks.Dispatch(ctx, before, rec)
	if err != nil {
		return s.reject(ctx, err, rec)
	}
	if res.ShortCircuits() {
		s.logger.Debug("write skipped by hook", zap.Stringer("hook", before), zap.Stringer("result", res))
		return nil
	}
	if creating && !rec.ID.IsNew() {
		// a before-create hook saved the record itself
		creating, action = false, ActionUpdate
	}
	if err := s.checkSchema(ctx, rec); err != nil {
		return s.reject(ctx, err, rec)
	}
	if err := s.checkSecurity(ctx, action, rec); err != nil {
		return s.reject(ctx, err, rec)
	}

	if !creating {
		return s.coord.RecordUpdated(rec)
	}
	rid, err := s.storage.NextRID(ctx, rec.Class)
	if err != nil {
		return err
	}
	rec.ID = rid
	if err := s.coord.RecordCreated(rec); err != nil {
		rec.ID = models.RID{}
		return err
	}
	return nil
}

// Delete removes the record identified by rid. Outside an explicit
// transaction the delete commits immediately.
func (s *Session) Delete(ctx context.Context, rid models.RID) error {
	ctx, end, err := s.enter(ctx, "delete")
	if err != nil {
		return err
	}
	defer end()

	if rid.IsNew() {
		return errors.New(errors.ErrorTypeValidation, "cannot delete a record that was never saved").
			WithDetail("rid", rid.String())
	}
	return s.inTx(ctx, func() error { return s.delete(ctx, rid) })
}

func (s *Session) delete(ctx context.Context, rid models.RID) error {
	var rec *models.Record
	if op, ok := s.coord.Lookup(rid); ok {
		if op.Kind == tx.Deleted {
			return storage.NotFound(s.database, rid)
		}
		rec = op.Record
	} else {
		var err error
		if rec, err = s.fetch(ctx, rid); err != nil {
			return err
		}
	}

	res, err := s.hooks.Dispatch(ctx, hook.BeforeDelete, rec)
	if err != nil {
		return s.reject(ctx, err, rec)
	}
	if res.ShortCircuits() {
		return nil
	}
	if err := s.checkSecurity(ctx, ActionDelete, rec); err != nil {
		return s.reject(ctx, err, rec)
	}
	return s.coord.RecordDeleted(rec)
}

// inTx runs fn inside the active transaction, or inside one begun and
// committed just for it.
func (s *Session) inTx(ctx context.Context, fn func() error) error {
	if s.coord.IsActive() {
		return fn()
	}
	if _, err := s.coord.Begin(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if s.coord.IsActive() {
			if rbErr := s.coord.Rollback(ctx, true); rbErr != nil {
				s.logger.Warn("implicit rollback failed", zap.Error(rbErr))
			}
		}
		return err
	}
	return s.coord.Commit(ctx)
}

// reject rolls back the active transaction because a write was refused
func (s *Session) reject(ctx context.Context, cause error, rec *models.Record) error {
	if rbErr := s.coord.Rollback(ctx, true); rbErr != nil {
		s.logger.Warn("rollback after rejected write failed", zap.Error(rbErr))
	}
	return errors.Wrap(cause, errors.ErrorTypeTransaction, "write rejected, transaction rolled back").
		WithDetail("database", s.database).
		WithDetail("class", rec.Class).
		WithDetail("rid", rec.ID.String())
}

// cacheSync keeps the local cache in line with what storage holds: written
// records are cached after a commit and dropped after a rollback.
type cacheSync struct {
	tx.BaseListener
	local *cache.LRU[models.RID, *models.Record]
}

func (c *cacheSync) OnAfterCommit(_ context.Context, t *tx.Transaction) error {
	for _, op := range t.Operations() {
		if op.Kind == tx.Deleted {
			c.local.Remove(op.RID)
			continue
		}
		c.local.Put(op.RID, op.Record.Copy())
	}
	return nil
}

func (c *cacheSync) OnAfterRollback(_ context.Context, t *tx.Transaction) error {
	for _, op := range t.Operations() {
		c.local.Remove(op.RID)
	}
	return nil
}
