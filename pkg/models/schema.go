package models

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

// Field types understood by schema validation
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// Schema defines the structure of a record class.
type Schema struct {
	// Name is the class the schema applies to
	Name string `json:"name" yaml:"name"`

	// Version tracks schema changes
	Version string `json:"version" yaml:"version"`

	// Fields defines the structure of the data
	Fields []Field `json:"fields" yaml:"fields"`

	// Strict rejects fields that are not declared
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Field represents a single field in the schema.
type Field struct {
	// Name is the field identifier
	Name string `json:"name" yaml:"name"`

	// Type specifies the data type (string, integer, float, boolean, object, array, any)
	Type string `json:"type" yaml:"type"`

	// Description provides human-readable field information
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Required indicates if the field must be present
	Required bool `json:"required" yaml:"required"`
}

// Validate checks rec against the schema and returns a validation error
// naming every offending field.
func (s *Schema) Validate(rec *Record) error {
	var problems []string
	declared := make(map[string]bool, len(s.Fields))

	for _, f := range s.Fields {
		declared[f.Name] = true
		v, ok := rec.Fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, f.Name+": required")
			}
			continue
		}
		if !matchesType(f.Type, v) {
			problems = append(problems, f.Name+": expected "+f.Type)
		}
	}

	if s.Strict {
		for name := range rec.Fields {
			if !declared[name] {
				problems = append(problems, name+": not declared")
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.Newf(errors.ErrorTypeValidation, "record does not match schema %s", s.Name).
		WithDetail("class", s.Name).
		WithDetail("rid", rec.ID.String()).
		WithDetail("problems", strings.Join(problems, "; "))
}

func matchesType(typ string, v interface{}) bool {
	switch typ {
	case "", TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return false
	}
}
