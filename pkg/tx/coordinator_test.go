package tx

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/hook"
	"github.com/ajitpratap0/nebuladb/pkg/models"
)

type fakeStorage struct {
	commits [][]Operation
	err     error
}

func (s *fakeStorage) Commit(_ context.Context, ops []Operation) error {
	if s.err != nil {
		return s.err
	}
	s.commits = append(s.commits, ops)
	return nil
}

type countingListener struct {
	BaseListener
	beforeBegin, afterBegin       int
	beforeCommit, afterCommit     int
	beforeRollback, afterRollback int

	failBeforeBegin  error
	failBeforeCommit error
	failAfterCommit  error
	statusOnRollback []Status
}

func (l *countingListener) OnBeforeBegin(context.Context, *Transaction) error {
	l.beforeBegin++
	return l.failBeforeBegin
}

func (l *countingListener) OnAfterBegin(context.Context, *Transaction) error {
	l.afterBegin++
	return nil
}

func (l *countingListener) OnBeforeCommit(context.Context, *Transaction) error {
	l.beforeCommit++
	return l.failBeforeCommit
}

func (l *countingListener) OnAfterCommit(context.Context, *Transaction) error {
	l.afterCommit++
	return l.failAfterCommit
}

func (l *countingListener) OnBeforeRollback(_ context.Context, t *Transaction) error {
	l.beforeRollback++
	l.statusOnRollback = append(l.statusOnRollback, t.Status())
	return nil
}

func (l *countingListener) OnAfterRollback(context.Context, *Transaction) error {
	l.afterRollback++
	return nil
}

func rec(pos int64) *models.Record {
	r := models.NewRecord("Item")
	r.ID = models.RID{Cluster: 1, Position: pos}
	return r
}

func newCoordinator(t *testing.T, storage Committer, hooks Dispatcher) *Coordinator {
	return NewCoordinator("testdb", storage, hooks, zaptest.NewLogger(t))
}

func TestNestedCommitsReachStorageOnce(t *testing.T) {
	for _, k := range []int{1, 2, 5, 50} {
		storage := &fakeStorage{}
		c := newCoordinator(t, storage, nil)
		l := &countingListener{}
		c.AddListener(l)
		ctx := context.Background()

		for i := 1; i <= k; i++ {
			depth, err := c.Begin(ctx)
			require.NoError(t, err)
			assert.Equal(t, i, depth)
			require.NoError(t, c.RecordCreated(rec(int64(i))))
		}
		for i := k; i >= 1; i-- {
			require.NoError(t, c.Commit(ctx))
			if i > 1 {
				assert.Empty(t, storage.commits, "nested commit must not reach storage")
			}
		}

		require.Len(t, storage.commits, 1)
		assert.Len(t, storage.commits[0], k)
		assert.Equal(t, 1, l.beforeBegin)
		assert.Equal(t, 1, l.beforeCommit)
		assert.Equal(t, 1, l.afterCommit)
		assert.False(t, c.IsActive())
		assert.Equal(t, NotActive, c.Current().Status())
	}
}

func TestBeforeBeginFailureDoesNotStopBegin(t *testing.T) {
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, nil)
	failing := &countingListener{failBeforeBegin: stderrors.New("audit log unavailable")}
	other := &countingListener{}
	c.AddListener(failing)
	c.AddListener(other)
	ctx := context.Background()

	depth, err := c.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	assert.True(t, c.IsActive())
	assert.Equal(t, 1, failing.beforeBegin)
	assert.Equal(t, 1, other.beforeBegin)
	assert.Equal(t, 1, other.afterBegin)

	require.NoError(t, c.RecordCreated(rec(1)))
	require.NoError(t, c.Commit(ctx))
	assert.Len(t, storage.commits, 1)
}

func TestStorageFailureRollsBack(t *testing.T) {
	boom := stderrors.New("disk full")
	storage := &fakeStorage{err: boom}
	c := newCoordinator(t, storage, nil)
	l := &countingListener{}
	c.AddListener(l)
	ctx := context.Background()

	_, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, c.RecordCreated(rec(1)))
	txn := c.Current()

	err = c.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransaction))
	assert.True(t, errors.Is(err, boom))

	assert.Equal(t, NotActive, txn.Status())
	assert.Equal(t, NotActive, c.Current().Status())
	assert.Equal(t, 1, l.beforeRollback)
	assert.Equal(t, 1, l.afterRollback)
	assert.Equal(t, 0, l.afterCommit)
	assert.Equal(t, []Status{RollingBack}, l.statusOnRollback)

	// the session stays usable
	storage.err = nil
	_, err = c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, c.RecordCreated(rec(2)))
	require.NoError(t, c.Commit(ctx))
	require.Len(t, storage.commits, 1)
}

func TestBeforeCommitFailureRollsBack(t *testing.T) {
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, nil)
	veto := stderrors.New("veto")
	l := &countingListener{failBeforeCommit: veto}
	c.AddListener(l)
	ctx := context.Background()

	_, err := c.Begin(ctx)
	require.NoError(t, err)
	err = c.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransaction))
	assert.True(t, errors.Is(err, veto))
	assert.Empty(t, storage.commits)
	assert.Equal(t, 1, l.afterRollback)
	assert.False(t, c.IsActive())
}

func TestAfterCommitFailureIsBlocked(t *testing.T) {
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, nil)
	c.AddListener(&countingListener{failAfterCommit: stderrors.New("notify failed")})
	ctx := context.Background()

	_, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, c.RecordCreated(rec(1)))
	err = c.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransactionBlocked))
	require.Len(t, storage.commits, 1, "data stays committed")
	assert.False(t, c.IsActive())
}

func TestNestedRollbackDoomsOuterCommit(t *testing.T) {
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, nil)
	l := &countingListener{}
	c.AddListener(l)
	ctx := context.Background()

	_, _ = c.Begin(ctx)
	_, _ = c.Begin(ctx)
	require.NoError(t, c.Rollback(ctx, false))
	assert.Equal(t, RollingBack, c.Current().Status())
	assert.Equal(t, 1, c.Depth())
	assert.Equal(t, 0, l.beforeRollback, "nested rollback is logical only")

	err := c.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransaction))
	assert.Empty(t, storage.commits)
	assert.Equal(t, 1, l.beforeRollback)
	assert.Equal(t, 1, l.afterRollback)
	assert.False(t, c.IsActive())
}

func TestForcedRollbackEndsAllLevels(t *testing.T) {
	c := newCoordinator(t, &fakeStorage{}, nil)
	l := &countingListener{}
	c.AddListener(l)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = c.Begin(ctx)
	}
	require.NoError(t, c.RecordUpdated(rec(4)))
	require.NoError(t, c.Rollback(ctx, true))
	assert.False(t, c.IsActive())
	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, 1, l.afterRollback)

	_, ok := c.Lookup(models.RID{Cluster: 1, Position: 4})
	assert.False(t, ok)
}

func TestCommitWithoutBegin(t *testing.T) {
	c := newCoordinator(t, &fakeStorage{}, nil)
	err := c.Commit(context.Background())
	assert.True(t, errors.IsIllegalState(err))
	assert.NoError(t, c.Rollback(context.Background(), false))
	assert.True(t, errors.IsIllegalState(c.RecordCreated(rec(1))))
}

func TestCancelledCommitRollsBack(t *testing.T) {
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Begin(ctx)
	require.NoError(t, err)
	cancel()
	err = c.Commit(ctx)
	assert.True(t, errors.IsCancelled(err))
	assert.Empty(t, storage.commits)
	assert.False(t, c.IsActive())
}

func TestOperationMerging(t *testing.T) {
	c := newCoordinator(t, &fakeStorage{}, nil)
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	created, updated, deleted := rec(1), rec(2), rec(3)
	require.NoError(t, c.RecordCreated(created))
	require.NoError(t, c.RecordUpdated(created))
	op, ok := c.Lookup(created.ID)
	require.True(t, ok)
	assert.Equal(t, Created, op.Kind)

	require.NoError(t, c.RecordUpdated(updated))
	require.NoError(t, c.RecordDeleted(updated))
	op, _ = c.Lookup(updated.ID)
	assert.Equal(t, Deleted, op.Kind)
	assert.True(t, errors.IsIllegalState(c.RecordUpdated(updated)))
	assert.True(t, errors.IsIllegalState(c.RecordCreated(updated)))

	require.NoError(t, c.RecordCreated(deleted))
	require.NoError(t, c.RecordDeleted(deleted))
	_, ok = c.Lookup(deleted.ID)
	assert.False(t, ok, "create then delete cancels out")

	ops := c.Current().Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, created.ID, ops[0].RID)
	assert.Equal(t, updated.ID, ops[1].RID)
	assert.Equal(t, 2, c.Current().Len())

	assert.Error(t, c.RecordCreated(models.NewRecord("Item")), "unsaved record has no identity")
}

type scriptedHooks struct {
	active bool
	fired  []hook.Type
}

func (h *scriptedHooks) Dispatch(_ context.Context, t hook.Type, _ *models.Record) (hook.Result, error) {
	h.fired = append(h.fired, t)
	return hook.RecordNotChanged, nil
}

func (h *scriptedHooks) Active() bool { return h.active }

func TestHooksFireAfterStorageOutcome(t *testing.T) {
	hooks := &scriptedHooks{}
	storage := &fakeStorage{}
	c := newCoordinator(t, storage, hooks)
	ctx := context.Background()

	_, _ = c.Begin(ctx)
	require.NoError(t, c.RecordCreated(rec(1)))
	require.NoError(t, c.RecordUpdated(rec(2)))
	require.NoError(t, c.RecordDeleted(rec(3)))
	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, []hook.Type{hook.AfterCreate, hook.AfterUpdate, hook.AfterDelete}, hooks.fired)

	hooks.fired = nil
	storage.err = stderrors.New("io")
	_, _ = c.Begin(ctx)
	require.NoError(t, c.RecordCreated(rec(4)))
	require.Error(t, c.Commit(ctx))
	assert.Equal(t, []hook.Type{hook.CreateFailed}, hooks.fired)
}

func TestBeginInsideHookIsRejected(t *testing.T) {
	hooks := &scriptedHooks{active: true}
	c := newCoordinator(t, &fakeStorage{}, hooks)
	_, err := c.Begin(context.Background())
	assert.True(t, errors.IsIllegalState(err))
	assert.False(t, c.IsActive())
}

func TestListenerRegistration(t *testing.T) {
	c := newCoordinator(t, &fakeStorage{}, nil)
	l := &countingListener{}
	c.AddListener(l)
	c.AddListener(l)
	_, _ = c.Begin(context.Background())
	assert.Equal(t, 1, l.beforeBegin)

	assert.True(t, c.RemoveListener(l))
	assert.False(t, c.RemoveListener(l))
	require.NoError(t, c.Commit(context.Background()))
	assert.Equal(t, 0, l.afterCommit)
}

func TestStoragePanicIsContained(t *testing.T) {
	c := newCoordinator(t, committerFunc(func(context.Context, []Operation) error { panic("corrupt page") }), nil)
	_, _ = c.Begin(context.Background())
	err := c.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeStorage))
	assert.False(t, c.IsActive())
}

type committerFunc func(context.Context, []Operation) error

func (f committerFunc) Commit(ctx context.Context, ops []Operation) error { return f(ctx, ops) }
