package session

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/storage/memory"
	"github.com/ajitpratap0/nebuladb/pkg/testutil"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// countingStorage counts commits that reach storage
type countingStorage struct {
	storage.Storage
	commits atomic.Int32
}

func (c *countingStorage) Commit(ctx context.Context, ops []tx.Operation) error {
	c.commits.Add(1)
	return c.Storage.Commit(ctx, ops)
}

// blockingStorage parks reads until their context is cancelled
type blockingStorage struct {
	storage.Storage
	reading chan struct{}
}

func (b *blockingStorage) Read(ctx context.Context, rid models.RID) (*models.Record, error) {
	close(b.reading)
	<-ctx.Done()
	return nil, storage.Interrupted(ctx, b.Name(), "read")
}

func openStorage(t *testing.T) *countingStorage {
	t.Helper()
	st, err := memory.NewDriver().Open(testutil.TestContext(t), "orders", config.StorageConfig{}, testutil.TestLogger(t))
	require.NoError(t, err)
	return &countingStorage{Storage: st}
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Storage == nil {
		opts.Storage = openStorage(t)
	}
	if opts.Logger == nil {
		opts.Logger = testutil.TestLogger(t)
	}
	s, err := Open(testutil.TestContext(t), opts)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func order(total float64) *models.Record {
	return models.NewRecord("Order").Set("total", total)
}

type recordingListener struct {
	tx.BaseListener
	commits   int
	rollbacks int
}

func (l *recordingListener) OnAfterCommit(context.Context, *tx.Transaction) error {
	l.commits++
	return nil
}

func (l *recordingListener) OnAfterRollback(context.Context, *tx.Transaction) error {
	l.rollbacks++
	return nil
}
