// Package storage defines the contract between sessions and the physical
// storage of a database, and a registry of storage drivers. Drivers live in
// sub-packages and register themselves from init, the way database/sql
// drivers do:
//
//	import (
//	    "github.com/ajitpratap0/nebuladb/pkg/storage"
//	    _ "github.com/ajitpratap0/nebuladb/pkg/storage/bolt"
//	)
//
//	st, err := storage.Open(ctx, "orders", cfg.Storage, log)
package storage

import (
	"context"
	"time"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/tx"
)

// Storage is an open database. Every method observes ctx cancellation
// before doing work. Implementations are safe for concurrent use.
type Storage interface {
	// Name returns the database name
	Name() string
	// Type returns the driver name
	Type() string
	// Commit applies the operation log atomically. Created and updated
	// records get their new version written back on success.
	Commit(ctx context.Context, ops []tx.Operation) error
	// Read returns a copy of the stored record, or a not_found error
	Read(ctx context.Context, rid models.RID) (*models.Record, error)
	// NextRID allocates the identity of a new record of class
	NextRID(ctx context.Context, class string) (models.RID, error)
	// Count returns the number of records of class
	Count(ctx context.Context, class string) (int, error)
	// LoadMetadata returns the schemas and cluster ids
	LoadMetadata(ctx context.Context) (*models.Metadata, error)
	// SaveSchema creates or replaces the schema of a class
	SaveSchema(ctx context.Context, schema *models.Schema) error
	// Stats returns counters for monitoring
	Stats() Stats
	// Close releases the storage. It is idempotent.
	Close(ctx context.Context) error
	// IsClosed reports whether Close was called
	IsClosed() bool
}

// Stats describes an open storage
type Stats struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Records  int64     `json:"records"`
	Commits  int64     `json:"commits"`
	Reads    int64     `json:"reads"`
	OpenedAt time.Time `json:"opened_at"`
}

// NotFound returns the error of a missing record
func NotFound(database string, rid models.RID) error {
	return errors.New(errors.ErrorTypeNotFound, "record not found").
		WithDetail("database", database).
		WithDetail("rid", rid.String())
}

// CheckWrite validates one operation against the stored version of its
// record; stored is nil when the record does not exist. Updates and
// deletes must carry the stored version.
func CheckWrite(database string, op tx.Operation, stored *models.Record) error {
	switch op.Kind {
	case tx.Created:
		if stored != nil {
			return errors.New(errors.ErrorTypeStorage, "record already exists").
				WithDetail("database", database).
				WithDetail("rid", op.RID.String())
		}
		return nil
	default:
		if stored == nil {
			return NotFound(database, op.RID)
		}
		if op.Record != nil && op.Record.Version != stored.Version {
			return errors.New(errors.ErrorTypeStorage, "concurrent modification").
				WithDetail("database", database).
				WithDetail("rid", op.RID.String()).
				WithDetail("stored_version", stored.Version).
				WithDetail("record_version", op.Record.Version)
		}
		return nil
	}
}

// Interrupted converts a cancelled ctx into a cancelled error
func Interrupted(ctx context.Context, database, operation string) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.IsCancelled(cause) {
		return cause
	}
	return errors.Wrap(cause, errors.ErrorTypeCancelled, "storage operation interrupted").
		WithDetail("database", database).
		WithDetail("operation", operation)
}
