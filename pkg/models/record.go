// Package models defines the record model shared by sessions, transactions,
// hooks and storages: record identities, records and class schemas.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

// RID is a stable record identity: the cluster a class is stored in and
// the position inside it. The zero RID marks a record not yet stored.
type RID struct {
	Cluster  int32 `json:"cluster"`
	Position int64 `json:"position"`
}

// IsNew reports whether the RID has not been assigned by storage yet
func (r RID) IsNew() bool { return r.Position <= 0 }

// String renders the RID as #cluster:position
func (r RID) String() string {
	return "#" + strconv.FormatInt(int64(r.Cluster), 10) + ":" + strconv.FormatInt(r.Position, 10)
}

// ParseRID parses the #cluster:position form produced by String.
func ParseRID(s string) (RID, error) {
	body := strings.TrimPrefix(s, "#")
	c, p, ok := strings.Cut(body, ":")
	if !ok || body == s {
		return RID{}, errors.Newf(errors.ErrorTypeValidation, "malformed record id %q", s)
	}
	cluster, err := strconv.ParseInt(c, 10, 32)
	if err != nil {
		return RID{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed cluster id").WithDetail("rid", s)
	}
	position, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return RID{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed position").WithDetail("rid", s)
	}
	return RID{Cluster: int32(cluster), Position: position}, nil
}

// Record is one stored document.
type Record struct {
	ID        RID                    `json:"rid"`
	Class     string                 `json:"class"`
	Version   int64                  `json:"version"`
	Fields    map[string]interface{} `json:"fields"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewRecord creates an unsaved record of class
func NewRecord(class string) *Record {
	return &Record{Class: class, Fields: make(map[string]interface{})}
}

// Set assigns a field and returns the record for chaining
func (r *Record) Set(name string, value interface{}) *Record {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[name] = value
	return r
}

// Get returns a field value
func (r *Record) Get(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Copy returns a copy whose field map can be changed independently.
// Nested values are shared.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// String renders the record for logs
func (r *Record) String() string {
	return fmt.Sprintf("%s{%s v%d}", r.Class, r.ID, r.Version)
}

// Metadata is what a session loads once when it opens.
type Metadata struct {
	Schemas  map[string]*Schema `json:"schemas"`
	Clusters map[string]int32   `json:"clusters"`
	LoadedAt time.Time          `json:"loaded_at"`
}

// Schema returns the schema of class, if one is defined
func (m *Metadata) Schema(class string) (*Schema, bool) {
	if m == nil {
		return nil, false
	}
	s, ok := m.Schemas[class]
	return s, ok
}
