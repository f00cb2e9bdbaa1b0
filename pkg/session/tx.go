package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/hook"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// Begin starts a transaction or nests into the running one
func (s *Session) Begin(ctx context.Context) error {
	ctx, end, err := s.enter(ctx, "begin")
	if err != nil {
		return err
	}
	defer end()

	_, err = s.coord.Begin(ctx)
	return err
}

// Commit commits the current transaction level. Only the outermost level
// reaches storage.
func (s *Session) Commit(ctx context.Context) error {
	ctx, end, err := s.enter(ctx, "commit")
	if err != nil {
		return err
	}
	defer end()

	return s.coord.Commit(ctx)
}

// Rollback rolls back the current transaction level. A nested rollback
// dooms the outer transaction.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.check(ctx, "rollback"); err != nil {
		return err
	}
	return s.coord.Rollback(ctx, false)
}

// RollbackAll rolls back every nesting level at once
func (s *Session) RollbackAll(ctx context.Context) error {
	if err := s.check(ctx, "rollback"); err != nil {
		return err
	}
	return s.coord.Rollback(ctx, true)
}

// ActiveTxCount returns the nesting depth of the running transaction, zero
// when none runs.
func (s *Session) ActiveTxCount() int { return s.coord.Depth() }

// Transaction returns the current transaction. It is never nil.
func (s *Session) Transaction() *tx.Transaction { return s.coord.Current() }

// RegisterListener adds a transaction listener. Listeners are dropped when
// the session is closed.
func (s *Session) RegisterListener(l tx.Listener) error {
	if err := s.checkOpen("register_listener"); err != nil {
		return err
	}
	if l == nil {
		return errors.New(errors.ErrorTypeValidation, "listener is nil")
	}
	for _, x := range s.listeners {
		if x == l {
			return nil
		}
	}
	s.listeners = append(s.listeners, l)
	s.coord.AddListener(l)
	return nil
}

// UnregisterListener removes a transaction listener and reports whether it
// was registered
func (s *Session) UnregisterListener(l tx.Listener) bool {
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return s.coord.RemoveListener(l)
		}
	}
	return false
}

// RegisterHook adds a record hook at pos. Registering a hook again moves
// it.
func (s *Session) RegisterHook(h hook.Hook, pos hook.Position) error {
	if err := s.checkOpen("register_hook"); err != nil {
		return err
	}
	return s.hooks.Register(h, pos)
}

// UnregisterHook removes a record hook and reports whether it was
// registered
func (s *Session) UnregisterHook(h hook.Hook) bool {
	return s.hooks.Unregister(h)
}

// Hooks returns the registered hooks in dispatch order
func (s *Session) Hooks() []hook.Registration { return s.hooks.Hooks() }

// ExecuteInTx runs fn inside a transaction level. The level commits when fn
// returns nil and rolls back when fn fails or panics.
func (s *Session) ExecuteInTx(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}
	depth := s.coord.Depth()

	done := false
	defer func() {
		if !done {
			s.abandon(ctx, depth)
		}
	}()

	if err := fn(ctx, s); err != nil {
		return err
	}
	done = true
	return s.Commit(ctx)
}

// abandon rolls back the level opened at depth unless fn already ended it
func (s *Session) abandon(ctx context.Context, depth int) {
	if !s.coord.IsActive() || s.coord.Depth() < depth {
		return
	}
	if err := s.coord.Rollback(ctx, false); err != nil {
		s.logger.Warn("rollback of abandoned transaction failed", zap.Error(err))
	}
}

// ComputeInTx runs fn inside a transaction level and returns its value once
// the level commits.
func ComputeInTx[T any](ctx context.Context, s *Session, fn func(ctx context.Context, s *Session) (T, error)) (T, error) {
	var out T
	err := s.ExecuteInTx(ctx, func(ctx context.Context, s *Session) error {
		v, err := fn(ctx, s)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// ForEachInTx calls fn for every item inside one transaction level. The
// first failure rolls the level back.
func ForEachInTx[T any](ctx context.Context, s *Session, items []T, fn func(ctx context.Context, s *Session, item T) error) error {
	return s.ExecuteInTx(ctx, func(ctx context.Context, s *Session) error {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeCancelled, "iteration interrupted")
			}
			if err := fn(ctx, s, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteInTxBatches calls fn for every item, committing a transaction
// level every batchSize items. Batches committed before a failure stay
// committed. Inside an outer transaction the batches only nest.
func ExecuteInTxBatches[T any](ctx context.Context, s *Session, items []T, batchSize int, fn func(ctx context.Context, s *Session, item T) error) error {
	if batchSize < 1 {
		return errors.Newf(errors.ErrorTypeValidation, "batch size must be positive, got %d", batchSize)
	}
	for start := 0; start < len(items); start += batchSize {
		batch := items[start:min(start+batchSize, len(items))]
		if err := ForEachInTx(ctx, s, batch, fn); err != nil {
			return err
		}
	}
	return nil
}
