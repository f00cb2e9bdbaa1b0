// Package storagetest checks a storage driver against the behaviour the
// session layer relies on.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// Opener opens a fresh, empty storage for one subtest
type Opener func(t *testing.T) storage.Storage

// Run runs the conformance suite
func Run(t *testing.T, open Opener) {
	t.Run("CommitAndRead", func(t *testing.T) { testCommitAndRead(t, open(t)) })
	t.Run("AtomicCommit", func(t *testing.T) { testAtomicCommit(t, open(t)) })
	t.Run("VersionCheck", func(t *testing.T) { testVersionCheck(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, open(t)) })
	t.Run("Cancellation", func(t *testing.T) { testCancellation(t, open(t)) })
	t.Run("Close", func(t *testing.T) { testClose(t, open(t)) })
}

func newRecord(t *testing.T, st storage.Storage, class string) *models.Record {
	rid, err := st.NextRID(context.Background(), class)
	require.NoError(t, err)
	rec := models.NewRecord(class)
	rec.ID = rid
	return rec
}

func testCommitAndRead(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	a := newRecord(t, st, "Person").Set("name", "Ada").Set("age", 36)
	b := newRecord(t, st, "Person").Set("name", "Grace")
	assert.Equal(t, a.ID.Cluster, b.ID.Cluster)
	assert.Less(t, a.ID.Position, b.ID.Position)

	other := newRecord(t, st, "City")
	assert.NotEqual(t, a.ID.Cluster, other.ID.Cluster)

	require.NoError(t, st.Commit(ctx, []tx.Operation{
		{RID: a.ID, Kind: tx.Created, Record: a},
		{RID: b.ID, Kind: tx.Created, Record: b},
	}))
	assert.Equal(t, int64(1), a.Version)

	got, err := st.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, int64(1), got.Version)
	name, _ := got.Get("name")
	assert.Equal(t, "Ada", name)

	got.Set("name", "changed")
	again, err := st.Read(ctx, a.ID)
	require.NoError(t, err)
	name, _ = again.Get("name")
	assert.Equal(t, "Ada", name, "reads return copies")

	n, err := st.Count(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), st.Stats().Records)
	assert.Equal(t, int64(1), st.Stats().Commits)

	_, err = st.Read(ctx, models.RID{Cluster: a.ID.Cluster, Position: 999})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func testAtomicCommit(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	ok := newRecord(t, st, "Item")
	missing := newRecord(t, st, "Item")

	err := st.Commit(ctx, []tx.Operation{
		{RID: ok.ID, Kind: tx.Created, Record: ok},
		{RID: missing.ID, Kind: tx.Updated, Record: missing},
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), ok.Version)

	_, err = st.Read(ctx, ok.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "failed commit leaves nothing behind")
}

func testVersionCheck(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	rec := newRecord(t, st, "Item").Set("n", 1)
	require.NoError(t, st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Created, Record: rec}}))

	first, err := st.Read(ctx, rec.ID)
	require.NoError(t, err)
	second, err := st.Read(ctx, rec.ID)
	require.NoError(t, err)

	first.Set("n", 2)
	require.NoError(t, st.Commit(ctx, []tx.Operation{{RID: first.ID, Kind: tx.Updated, Record: first}}))
	assert.Equal(t, int64(2), first.Version)

	second.Set("n", 3)
	err = st.Commit(ctx, []tx.Operation{{RID: second.ID, Kind: tx.Updated, Record: second}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage), "stale version is rejected")

	err = st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Created, Record: rec.Copy()}})
	assert.Error(t, err, "creating an existing record fails")
}

func testDelete(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	rec := newRecord(t, st, "Item")
	require.NoError(t, st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Created, Record: rec}}))
	require.NoError(t, st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Deleted, Record: rec}}))

	_, err := st.Read(ctx, rec.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Deleted, Record: rec}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func testMetadata(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	schema := &models.Schema{
		Name:   "Person",
		Fields: []models.Field{{Name: "name", Type: models.TypeString, Required: true}},
	}
	require.NoError(t, st.SaveSchema(ctx, schema))
	assert.Error(t, st.SaveSchema(ctx, &models.Schema{}))

	md, err := st.LoadMetadata(ctx)
	require.NoError(t, err)
	got, ok := md.Schema("Person")
	require.True(t, ok)
	assert.Equal(t, "name", got.Fields[0].Name)
	assert.Contains(t, md.Clusters, "Person")

	rec := newRecord(t, st, "Person")
	assert.Equal(t, md.Clusters["Person"], rec.ID.Cluster)
}

func testCancellation(t *testing.T, st storage.Storage) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecord(t, st, "Item")
	cancel()

	err := st.Commit(ctx, []tx.Operation{{RID: rec.ID, Kind: tx.Created, Record: rec}})
	assert.True(t, errors.IsCancelled(err))
	_, err = st.Read(ctx, rec.ID)
	assert.True(t, errors.IsCancelled(err))
	_, err = st.NextRID(ctx, "Item")
	assert.True(t, errors.IsCancelled(err))
}

func testClose(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	assert.False(t, st.IsClosed())
	require.NoError(t, st.Close(ctx))
	require.NoError(t, st.Close(ctx))
	assert.True(t, st.IsClosed())

	_, err := st.NextRID(ctx, "Item")
	assert.True(t, errors.IsIllegalState(err))
}
