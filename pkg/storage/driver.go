package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/metrics"
)

// Driver opens and manages the databases of one storage type. A driver
// instance owns whatever state its databases share; the engine creates one
// instance and keeps it for its lifetime.
type Driver interface {
	// Open opens name, creating it when it does not exist
	Open(ctx context.Context, name string, cfg config.StorageConfig, log *zap.Logger) (Storage, error)
	// Exists reports whether name was created
	Exists(name string, cfg config.StorageConfig) bool
	// Drop deletes name and its data
	Drop(ctx context.Context, name string, cfg config.StorageConfig) error
	// List returns the existing database names
	List(cfg config.StorageConfig) ([]string, error)
}

// DriverFactory creates a driver instance
type DriverFactory func() Driver

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register makes a driver available under name. It is meant to be called
// from init and panics on duplicates.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("storage: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

// Drivers returns the registered driver names
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDriver creates an instance of the named driver
func NewDriver(name string) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "unknown storage driver").
			WithDetail("driver", name).
			WithDetail("registered", Drivers())
	}
	return factory(), nil
}

// Open opens a database with a fresh instance of the driver named by
// cfg.Type. Callers that open the same memory database twice must share a
// Driver instead.
func Open(ctx context.Context, name string, cfg config.StorageConfig, log *zap.Logger) (Storage, error) {
	d, err := NewDriver(cfg.Type)
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, d, name, cfg, log)
}

// OpenWith opens a database through d and records the outcome
func OpenWith(ctx context.Context, d Driver, name string, cfg config.StorageConfig, log *zap.Logger) (Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "storage open interrupted").
			WithDetail("database", name)
	}
	if name == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "database name is empty")
	}

	st, err := d.Open(ctx, name, cfg, logger.OrNop(log))
	if err != nil {
		metrics.StorageOpens.WithLabelValues(cfg.Type, metrics.OutcomeFailed).Inc()
		var typed *errors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open storage").
			WithDetail("database", name).
			WithDetail("driver", cfg.Type)
	}
	metrics.StorageOpens.WithLabelValues(cfg.Type, metrics.OutcomeCreated).Inc()
	return st, nil
}

// Drop deletes a database through a fresh driver instance
func Drop(ctx context.Context, name string, cfg config.StorageConfig) error {
	d, err := NewDriver(cfg.Type)
	if err != nil {
		return err
	}
	return d.Drop(ctx, name, cfg)
}
