package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max", func(c *Config) { c.Pool.Max = 0 }},
		{"min above max", func(c *Config) { c.Pool.Min = 5; c.Pool.Max = 4 }},
		{"negative acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = -time.Second }},
		{"zero capacity", func(c *Config) { c.Registry.Capacity = 0 }},
		{"negative command timeout", func(c *Config) { c.Engine.CommandTimeout = -1 }},
		{"auto close without delay", func(c *Config) { c.Engine.AutoCloseDelay = 0 }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "tape" }},
		{"bolt without path", func(c *Config) { c.Storage.Type = StorageBolt; c.Storage.Path = "" }},
		{"unknown compression", func(c *Config) { c.Storage.Compression.Algorithm = "rar" }},
		{"sampling out of range", func(c *Config) { c.Observability.SamplingRate = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestLoadFileWithEnv(t *testing.T) {
	t.Setenv("NEBULADB_TEST_PATH", "/var/lib/nebuladb")
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
pool:
  max: 8
  acquire_timeout: 250ms
storage:
  type: bolt
  path: ${NEBULADB_TEST_PATH}
  compression:
    algorithm: ${NEBULADB_TEST_CODEC:-zstd}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pool.Max)
	assert.Equal(t, 1, cfg.Pool.Min)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "/var/lib/nebuladb", cfg.Storage.Path)
	assert.Equal(t, "zstd", cfg.Storage.Compression.Algorithm)
	assert.Equal(t, 100, cfg.Registry.Capacity)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Registry.Capacity = 7
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Registry.Capacity)
	assert.Equal(t, cfg.Pool.IdleTimeout, loaded.Pool.IdleTimeout)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("A_SET", "x")
	assert.Equal(t, "x-y-", substituteEnvVars("${A_SET}-${B_UNSET:-y}-${C_UNSET}"))
	assert.Equal(t, "no vars", substituteEnvVars("no vars"))
}
