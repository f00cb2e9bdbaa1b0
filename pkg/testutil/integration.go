package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebuladb/pkg/config"
)

// IntegrationTestSuite provides a context, a scratch data directory and a
// bolt-backed configuration to suites that exercise real storage.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	dataDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
}

// SetupTest gives every test its own data directory
func (s *IntegrationTestSuite) SetupTest() {
	s.dataDir = s.T().TempDir()
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()
	s.T().Logf("integration suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context { return s.ctx }

// DataDir returns the data directory of the running test
func (s *IntegrationTestSuite) DataDir() string { return s.dataDir }

// Logger returns a logger writing to the running test's output
func (s *IntegrationTestSuite) Logger() *zap.Logger { return zaptest.NewLogger(s.T()) }

// BoltConfig returns the default configuration pointed at the test's data
// directory, with background auto-close disabled.
func (s *IntegrationTestSuite) BoltConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = config.StorageBolt
	cfg.Storage.Path = s.dataDir
	cfg.Engine.AutoClose = false
	return cfg
}

// IntegrationTest skips t in short mode
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}
