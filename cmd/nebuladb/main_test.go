package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/engine"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NEBULADB_LOG_LEVEL", "error")
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nebuladb.yaml")
	_, err := execute(t, "config", "init", "--out", path)
	require.NoError(t, err)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Pool, cfg.Pool)
	assert.Equal(t, config.Default().Storage.Type, cfg.Storage.Type)
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nebuladb.yaml")
	require.NoError(t, config.Save(path, config.Default()))
	t.Setenv("NEBULADB_STORAGE_TYPE", config.StorageBolt)

	root := newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--config", path, "--storage-path", "/tmp/x"}))
	cfg, err := loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, config.StorageBolt, cfg.Storage.Type)
	assert.Equal(t, "/tmp/x", cfg.Storage.Path)
}

func TestInspectReportsCounts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Type = config.StorageBolt
	cfg.Storage.Path = dir
	cfg.Engine.AutoClose = false

	e, err := engine.New(cfg, engine.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx := affinity.WithOwner(context.Background(), affinity.NewOwner())
	require.NoError(t, e.Create(ctx, "orders"))
	s, err := e.Open(ctx, "orders", "admin", "admin")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, models.NewRecord("Order").Set("n", i)))
	}
	require.NoError(t, s.Close(ctx))
	require.NoError(t, e.Close(ctx))

	t.Setenv("NEBULADB_STORAGE_PATH", dir)
	out, err := execute(t, "inspect", "--database", "orders")
	require.NoError(t, err)

	var res inspection
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"Order"}, res.Classes)
	assert.Equal(t, 3, res.Counts["Order"])
	assert.Equal(t, "orders", res.Stats.Name)
}

func TestInspectMissingDatabase(t *testing.T) {
	t.Setenv("NEBULADB_STORAGE_PATH", t.TempDir())
	_, err := execute(t, "inspect", "--database", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestBenchCommitsEveryTransaction(t *testing.T) {
	out, err := execute(t, "bench", "--workers", "3", "--ops", "4", "--batch", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "transactions:    12")
	assert.Contains(t, out, "records:         24")
}

func TestBenchRejectsBadOptions(t *testing.T) {
	_, err := execute(t, "bench", "--workers", "0")
	require.Error(t, err)
}
