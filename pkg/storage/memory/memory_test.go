package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/storage/storagetest"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		st, err := NewDriver().Open(context.Background(), "test", config.StorageConfig{}, zaptest.NewLogger(t))
		require.NoError(t, err)
		return st
	})
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()
	st, err := d.Open(ctx, "orders", config.StorageConfig{}, nil)
	require.NoError(t, err)

	rid, err := st.NextRID(ctx, "Order")
	require.NoError(t, err)
	rec := newOrder(rid)
	require.NoError(t, st.Commit(ctx, []tx.Operation{{RID: rid, Kind: tx.Created, Record: rec}}))
	require.NoError(t, st.Close(ctx))

	again, err := d.Open(ctx, "orders", config.StorageConfig{}, nil)
	require.NoError(t, err)
	got, err := again.Read(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, rid, got.ID)
}

func TestDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()
	assert.False(t, d.Exists("a", config.StorageConfig{}))

	st, err := d.Open(ctx, "a", config.StorageConfig{}, nil)
	require.NoError(t, err)
	_, err = d.Open(ctx, "b", config.StorageConfig{}, nil)
	require.NoError(t, err)

	names, err := d.List(config.StorageConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, d.Drop(ctx, "a", config.StorageConfig{}))
	assert.False(t, d.Exists("a", config.StorageConfig{}))
	assert.True(t, errors.IsType(d.Drop(ctx, "a", config.StorageConfig{}), errors.ErrorTypeNotFound))

	_, err = st.NextRID(ctx, "X")
	assert.True(t, errors.IsIllegalState(err), "handles on a dropped database fail")
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, storage.Drivers(), DriverName)
	d, err := storage.NewDriver(DriverName)
	require.NoError(t, err)
	assert.IsType(t, &Driver{}, d)
}
