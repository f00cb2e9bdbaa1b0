// Package memory is the in-process storage driver. Databases live as long
// as the driver instance that created them; closing a storage keeps its
// data so the database can be reopened.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// DriverName is the name the driver registers under
const DriverName = config.StorageMemory

func init() {
	storage.Register(DriverName, func() storage.Driver { return NewDriver() })
}

// Driver holds the databases of one engine
type Driver struct {
	mu        sync.Mutex
	databases map[string]*database
}

// NewDriver creates an empty driver
func NewDriver() *Driver {
	return &Driver{databases: make(map[string]*database)}
}

type database struct {
	mu          sync.RWMutex
	clusters    map[string]int32
	nextCluster int32
	records     map[int32]map[int64]*models.Record
	sequences   map[int32]int64
	schemas     map[string]*models.Schema
	dropped     bool
}

func newDatabase() *database {
	return &database{
		clusters:    make(map[string]int32),
		nextCluster: 1,
		records:     make(map[int32]map[int64]*models.Record),
		sequences:   make(map[int32]int64),
		schemas:     make(map[string]*models.Schema),
	}
}

// Open opens name, creating it on first use
func (d *Driver) Open(ctx context.Context, name string, _ config.StorageConfig, log *zap.Logger) (storage.Storage, error) {
	if err := storage.Interrupted(ctx, name, "open"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	db, ok := d.databases[name]
	if !ok {
		db = newDatabase()
		d.databases[name] = db
	}
	d.mu.Unlock()

	return &Storage{
		name:     name,
		db:       db,
		openedAt: time.Now(),
		logger:   logger.OrNop(log).With(zap.String("component", "memory_storage"), zap.String("database", name)),
	}, nil
}

// Exists reports whether name was opened and not dropped
func (d *Driver) Exists(name string, _ config.StorageConfig) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.databases[name]
	return ok
}

// Drop forgets name. Storages still open on it fail from then on.
func (d *Driver) Drop(_ context.Context, name string, _ config.StorageConfig) error {
	d.mu.Lock()
	db, ok := d.databases[name]
	delete(d.databases, name)
	d.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, "database does not exist").WithDetail("database", name)
	}
	db.mu.Lock()
	db.dropped = true
	db.mu.Unlock()
	return nil
}

// List returns the database names
func (d *Driver) List(config.StorageConfig) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.databases))
	for name := range d.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Storage is an open handle on a memory database
type Storage struct {
	name     string
	db       *database
	closed   atomic.Bool
	commits  atomic.Int64
	reads    atomic.Int64
	openedAt time.Time
	logger   *zap.Logger
}

// Name returns the database name
func (s *Storage) Name() string { return s.name }

// Type returns DriverName
func (s *Storage) Type() string { return DriverName }

func (s *Storage) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return errors.New(errors.ErrorTypeIllegalState, "storage is closed").
			WithDetail("database", s.name).
			WithDetail("operation", op)
	}
	return storage.Interrupted(ctx, s.name, op)
}

// Commit applies ops atomically: every operation is checked before any is
// applied.
func (s *Storage) Commit(ctx context.Context, ops []tx.Operation) error {
	if err := s.check(ctx, "commit"); err != nil {
		return err
	}

	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dropped {
		return s.droppedErr()
	}

	for _, op := range ops {
		if err := storage.CheckWrite(s.name, op, db.get(op.RID)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, op := range ops {
		switch op.Kind {
		case tx.Created, tx.Updated:
			op.Record.Version++
			op.Record.UpdatedAt = now
			db.put(op.Record.Copy())
		case tx.Deleted:
			delete(db.records[op.RID.Cluster], op.RID.Position)
		}
	}
	s.commits.Add(1)
	return nil
}

// Read returns a copy of the stored record
func (s *Storage) Read(ctx context.Context, rid models.RID) (*models.Record, error) {
	if err := s.check(ctx, "read"); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	db := s.db
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.dropped {
		return nil, s.droppedErr()
	}
	rec := db.get(rid)
	if rec == nil {
		return nil, storage.NotFound(s.name, rid)
	}
	return rec.Copy(), nil
}

// NextRID allocates a position in the cluster of class
func (s *Storage) NextRID(ctx context.Context, class string) (models.RID, error) {
	if err := s.check(ctx, "next_rid"); err != nil {
		return models.RID{}, err
	}
	if class == "" {
		return models.RID{}, errors.New(errors.ErrorTypeValidation, "record class is empty")
	}

	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dropped {
		return models.RID{}, s.droppedErr()
	}
	cluster := db.cluster(class)
	db.sequences[cluster]++
	return models.RID{Cluster: cluster, Position: db.sequences[cluster]}, nil
}

// Count returns the number of records of class
func (s *Storage) Count(ctx context.Context, class string) (int, error) {
	if err := s.check(ctx, "count"); err != nil {
		return 0, err
	}
	db := s.db
	db.mu.RLock()
	defer db.mu.RUnlock()
	cluster, ok := db.clusters[class]
	if !ok {
		return 0, nil
	}
	return len(db.records[cluster]), nil
}

// LoadMetadata returns copies of the schemas and cluster ids
func (s *Storage) LoadMetadata(ctx context.Context) (*models.Metadata, error) {
	if err := s.check(ctx, "load_metadata"); err != nil {
		return nil, err
	}
	db := s.db
	db.mu.RLock()
	defer db.mu.RUnlock()

	md := &models.Metadata{
		Schemas:  make(map[string]*models.Schema, len(db.schemas)),
		Clusters: make(map[string]int32, len(db.clusters)),
		LoadedAt: time.Now(),
	}
	for class, schema := range db.schemas {
		c := *schema
		c.Fields = append([]models.Field(nil), schema.Fields...)
		md.Schemas[class] = &c
	}
	for class, id := range db.clusters {
		md.Clusters[class] = id
	}
	return md, nil
}

// SaveSchema stores schema and allocates the class cluster
func (s *Storage) SaveSchema(ctx context.Context, schema *models.Schema) error {
	if err := s.check(ctx, "save_schema"); err != nil {
		return err
	}
	if schema == nil || schema.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "schema has no class name")
	}
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dropped {
		return s.droppedErr()
	}
	c := *schema
	c.Fields = append([]models.Field(nil), schema.Fields...)
	db.schemas[schema.Name] = &c
	db.cluster(schema.Name)
	return nil
}

// Stats returns counters of this handle
func (s *Storage) Stats() storage.Stats {
	s.db.mu.RLock()
	var n int64
	for _, c := range s.db.records {
		n += int64(len(c))
	}
	s.db.mu.RUnlock()
	return storage.Stats{
		Name:     s.name,
		Type:     DriverName,
		Records:  n,
		Commits:  s.commits.Load(),
		Reads:    s.reads.Load(),
		OpenedAt: s.openedAt,
	}
}

// Close marks the handle closed; the data stays with the driver
func (s *Storage) Close(context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.logger.Debug("storage closed")
	}
	return nil
}

// IsClosed reports whether Close was called
func (s *Storage) IsClosed() bool { return s.closed.Load() }

func (s *Storage) droppedErr() error {
	return errors.New(errors.ErrorTypeIllegalState, "database was dropped").WithDetail("database", s.name)
}

func (db *database) get(rid models.RID) *models.Record {
	return db.records[rid.Cluster][rid.Position]
}

func (db *database) put(rec *models.Record) {
	c, ok := db.records[rec.ID.Cluster]
	if !ok {
		c = make(map[int64]*models.Record)
		db.records[rec.ID.Cluster] = c
	}
	c[rec.ID.Position] = rec
}

func (db *database) cluster(class string) int32 {
	id, ok := db.clusters[class]
	if !ok {
		id = db.nextCluster
		db.nextCluster++
		db.clusters[class] = id
	}
	return id
}
