// Package bolt is the durable storage driver, one bbolt file per database.
//
// File layout:
//
//	_meta                 bucket
//	  cluster:<class>     int32 cluster id, big endian
//	  schema:<class>      JSON schema
//	  next_cluster        int32
//	c:<cluster id>        bucket per class, keyed by big endian position;
//	                      the bucket sequence allocates positions
//
// Record values go through the storage codec, so they are compressed with
// the configured algorithm.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/compression"
	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// DriverName is the name the driver registers under
const DriverName = config.StorageBolt

const fileExt = ".db"

var (
	metaBucket     = []byte("_meta")
	nextClusterKey = []byte("next_cluster")
	clusterPrefix  = []byte("cluster:")
	schemaPrefix   = []byte("schema:")
)

func init() {
	storage.Register(DriverName, func() storage.Driver { return &Driver{} })
}

// Driver opens database files under StorageConfig.Path
type Driver struct{}

// Path returns the file of database name
func Path(cfg config.StorageConfig, name string) string {
	return filepath.Join(cfg.Path, name+fileExt)
}

// Open opens or creates the database file
func (d *Driver) Open(ctx context.Context, name string, cfg config.StorageConfig, log *zap.Logger) (storage.Storage, error) {
	if err := storage.Interrupted(ctx, name, "open"); err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, errors.New(errors.ErrorTypeValidation, "invalid database name").WithDetail("database", name)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "create storage directory").
			WithDetail("path", cfg.Path)
	}

	codec, err := storage.NewCodec(compression.FromConfig(cfg.Compression))
	if err != nil {
		return nil, err
	}

	path := Path(cfg, name)
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open database file").
			WithDetail("database", name).
			WithDetail("path", path)
	}

	if err := db.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "initialize database file").WithDetail("path", path)
	}

	s := &Storage{
		name:     name,
		path:     path,
		db:       db,
		codec:    codec,
		openedAt: time.Now(),
		logger: logger.OrNop(log).With(
			zap.String("component", "bolt_storage"),
			zap.String("database", name)),
	}
	s.logger.Debug("storage opened",
		zap.String("path", path),
		zap.String("compression", string(codec.Algorithm())))
	return s, nil
}

// Exists reports whether the database file exists
func (d *Driver) Exists(name string, cfg config.StorageConfig) bool {
	_, err := os.Stat(Path(cfg, name))
	return err == nil
}

// Drop removes the database file. The storage must be closed first.
func (d *Driver) Drop(_ context.Context, name string, cfg config.StorageConfig) error {
	err := os.Remove(Path(cfg, name))
	if os.IsNotExist(err) {
		return errors.New(errors.ErrorTypeNotFound, "database does not exist").WithDetail("database", name)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "remove database file").WithDetail("database", name)
	}
	return nil
}

// List returns the databases found under cfg.Path
func (d *Driver) List(cfg config.StorageConfig) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.Path, "*"+fileExt))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "list databases")
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Storage is an open database file
type Storage struct {
	name     string
	path     string
	db       *bbolt.DB
	codec    *storage.Codec
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

// Path returns the database file
func (s *Storage) Path() string { return s.path }

func (s *Storage) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return errors.New(errors.ErrorTypeIllegalState, "storage is closed").
			WithDetail("database", s.name).
			WithDetail("operation", op)
	}
	return storage.Interrupted(ctx, s.name, op)
}

// Commit applies ops in a single bolt transaction. Cancellation is checked
// between operations and aborts the whole transaction.
func (s *Storage) Commit(ctx context.Context, ops []tx.Operation) error {
	if err := s.check(ctx, "commit"); err != nil {
		return err
	}

	now := time.Now().UTC()
	written := make([]*models.Record, 0, len(ops))
	err := s.db.Update(func(btx *bbolt.Tx) error {
		for _, op := range ops {
			if err := storage.Interrupted(ctx, s.name, "commit"); err != nil {
				return err
			}

			b, err := btx.CreateBucketIfNotExists(clusterBucket(op.RID.Cluster))
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "open cluster bucket")
			}
			key := positionKey(op.RID.Position)

			var stored *models.Record
			if raw := b.Get(key); raw != nil {
				if stored, err = s.codec.DecodeRecord(raw); err != nil {
					return err
				}
			}
			if err := storage.CheckWrite(s.name, op, stored); err != nil {
				return err
			}

			if op.Kind == tx.Deleted {
				if err := b.Delete(key); err != nil {
					return errors.Wrap(err, errors.ErrorTypeStorage, "delete record")
				}
				continue
			}

			next := op.Record.Copy()
			next.Version++
			next.UpdatedAt = now
			raw, err := s.codec.EncodeRecord(next)
			if err != nil {
				return err
			}
			if err := b.Put(key, raw); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "write record")
			}
			written = append(written, next)
		}
		return nil
	})
	if err != nil {
		var typed *errors.Error
		if errors.As(err, &typed) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeStorage, "commit").WithDetail("database", s.name)
	}

	// publish the new versions only once the file is committed
	i := 0
	for _, op := range ops {
		if op.Kind == tx.Deleted {
			continue
		}
		op.Record.Version = written[i].Version
		op.Record.UpdatedAt = written[i].UpdatedAt
		i++
	}
	s.commits.Add(1)
	return nil
}

// Read loads and decodes a record
func (s *Storage) Read(ctx context.Context, rid models.RID) (*models.Record, error) {
	if err := s.check(ctx, "read"); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	var rec *models.Record
	err := s.db.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(clusterBucket(rid.Cluster))
		if b == nil {
			return nil
		}
		raw := b.Get(positionKey(rid.Position))
		if raw == nil {
			return nil
		}
		var err error
		rec, err = s.codec.DecodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.NotFound(s.name, rid)
	}
	return rec, nil
}

// NextRID allocates the next position from the class bucket sequence
func (s *Storage) NextRID(ctx context.Context, class string) (models.RID, error) {
	if err := s.check(ctx, "next_rid"); err != nil {
		return models.RID{}, err
	}
	if class == "" {
		return models.RID{}, errors.New(errors.ErrorTypeValidation, "record class is empty")
	}

	var rid models.RID
	err := s.db.Update(func(btx *bbolt.Tx) error {
		cluster, err := ensureCluster(btx, class)
		if err != nil {
			return err
		}
		b, err := btx.CreateBucketIfNotExists(clusterBucket(cluster))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rid = models.RID{Cluster: cluster, Position: int64(seq)}
		return nil
	})
	if err != nil {
		return models.RID{}, errors.Wrap(err, errors.ErrorTypeStorage, "allocate record id").
			WithDetail("database", s.name).
			WithDetail("class", class)
	}
	return rid, nil
}

// Count returns the number of records in the class bucket
func (s *Storage) Count(ctx context.Context, class string) (int, error) {
	if err := s.check(ctx, "count"); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(btx *bbolt.Tx) error {
		raw := btx.Bucket(metaBucket).Get(append(append([]byte(nil), clusterPrefix...), class...))
		if raw == nil {
			return nil
		}
		b := btx.Bucket(clusterBucket(int32(binary.BigEndian.Uint32(raw))))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "count records").WithDetail("class", class)
	}
	return n, nil
}

// LoadMetadata reads every schema and cluster id
func (s *Storage) LoadMetadata(ctx context.Context) (*models.Metadata, error) {
	if err := s.check(ctx, "load_metadata"); err != nil {
		return nil, err
	}
	md := &models.Metadata{
		Schemas:  make(map[string]*models.Schema),
		Clusters: make(map[string]int32),
		LoadedAt: time.Now(),
	}
	err := s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			switch {
			case bytes.HasPrefix(k, clusterPrefix):
				md.Clusters[string(k[len(clusterPrefix):])] = int32(binary.BigEndian.Uint32(v))
			case bytes.HasPrefix(k, schemaPrefix):
				schema, err := s.codec.DecodeSchema(v)
				if err != nil {
					return err
				}
				md.Schemas[string(k[len(schemaPrefix):])] = schema
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "load metadata").WithDetail("database", s.name)
	}
	return md, nil
}

// SaveSchema stores the schema and allocates the class cluster
func (s *Storage) SaveSchema(ctx context.Context, schema *models.Schema) error {
	if err := s.check(ctx, "save_schema"); err != nil {
		return err
	}
	if schema == nil || schema.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "schema has no class name")
	}
	raw, err := s.codec.EncodeSchema(schema)
	if err != nil {
		return err
	}
	err = s.db.Update(func(btx *bbolt.Tx) error {
		if _, err := ensureCluster(btx, schema.Name); err != nil {
			return err
		}
		return btx.Bucket(metaBucket).Put(append(append([]byte(nil), schemaPrefix...), schema.Name...), raw)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "save schema").WithDetail("class", schema.Name)
	}
	return nil
}

// Stats counts records across every cluster bucket
func (s *Storage) Stats() storage.Stats {
	st := storage.Stats{
		Name:     s.name,
		Type:     DriverName,
		Commits:  s.commits.Load(),
		Reads:    s.reads.Load(),
		OpenedAt: s.openedAt,
	}
	if s.closed.Load() {
		return st
	}
	_ = s.db.View(func(btx *bbolt.Tx) error {
		return btx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			if bytes.HasPrefix(name, []byte("c:")) {
				st.Records += int64(b.Stats().KeyN)
			}
			return nil
		})
	})
	return st
}

// Close closes the database file. It is idempotent.
func (s *Storage) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "close database file").WithDetail("database", s.name)
	}
	s.logger.Debug("storage closed")
	return nil
}

// IsClosed reports whether Close was called
func (s *Storage) IsClosed() bool { return s.closed.Load() }

func ensureCluster(btx *bbolt.Tx, class string) (int32, error) {
	meta := btx.Bucket(metaBucket)
	key := append(append([]byte(nil), clusterPrefix...), class...)
	if raw := meta.Get(key); raw != nil {
		return int32(binary.BigEndian.Uint32(raw)), nil
	}

	next := int32(1)
	if raw := meta.Get(nextClusterKey); raw != nil {
		next = int32(binary.BigEndian.Uint32(raw))
	}
	if err := meta.Put(key, encodeInt32(next)); err != nil {
		return 0, err
	}
	if err := meta.Put(nextClusterKey, encodeInt32(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func clusterBucket(id int32) []byte {
	return []byte("c:" + strconv.FormatInt(int64(id), 10))
}

func positionKey(pos int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(pos))
	return k[:]
}

func encodeInt32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}
