package session

import (
	"context"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
)

// Action is the kind of access a security check is asked about
type Action string

// Record actions
const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SecurityChecker authorizes record access for a user. Returning an error
// rejects the access; untyped errors are reported as security errors.
type SecurityChecker interface {
	CheckRecord(ctx context.Context, user string, action Action, rec *models.Record) error
}

// SecurityFunc adapts a function to SecurityChecker
type SecurityFunc func(ctx context.Context, user string, action Action, rec *models.Record) error

// CheckRecord calls f
func (f SecurityFunc) CheckRecord(ctx context.Context, user string, action Action, rec *models.Record) error {
	return f(ctx, user, action, rec)
}

// AllowAll grants every access
type AllowAll struct{}

// CheckRecord always succeeds
func (AllowAll) CheckRecord(context.Context, string, Action, *models.Record) error { return nil }

// SchemaChecker validates a record before it is written. Untyped errors
// are reported as validation errors.
type SchemaChecker interface {
	CheckSchema(ctx context.Context, md *models.Metadata, rec *models.Record) error
}

// SchemaFunc adapts a function to SchemaChecker
type SchemaFunc func(ctx context.Context, md *models.Metadata, rec *models.Record) error

// CheckSchema calls f
func (f SchemaFunc) CheckSchema(ctx context.Context, md *models.Metadata, rec *models.Record) error {
	return f(ctx, md, rec)
}

// DeclaredSchemas validates records of classes that have a schema and
// accepts every other class.
type DeclaredSchemas struct{}

// CheckSchema validates rec against its class schema, if any
func (DeclaredSchemas) CheckSchema(_ context.Context, md *models.Metadata, rec *models.Record) error {
	schema, ok := md.Schema(rec.Class)
	if !ok {
		return nil
	}
	return schema.Validate(rec)
}

func (s *Session) checkSecurity(ctx context.Context, action Action, rec *models.Record) error {
	err := s.security.CheckRecord(ctx, s.user, action, rec)
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if !errors.As(err, &typed) {
		err = errors.Wrap(err, errors.ErrorTypeSecurity, "access denied").
			WithDetail("user", s.user).
			WithDetail("action", string(action))
	}
	return err
}

func (s *Session) checkSchema(ctx context.Context, rec *models.Record) error {
	err := s.schema.CheckSchema(ctx, s.metadata, rec)
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if !errors.As(err, &typed) {
		err = errors.Wrap(err, errors.ErrorTypeValidation, "schema check failed").
			WithDetail("class", rec.Class)
	}
	return err
}
