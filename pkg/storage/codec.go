package storage

import (
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebuladb/pkg/compression"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
)

// Codec turns records and schemas into stored bytes: JSON, then the
// configured compression.
type Codec struct {
	compressor compression.Compressor
}

// NewCodec creates a codec. A nil config stores uncompressed JSON.
func NewCodec(cfg *compression.Config) (*Codec, error) {
	if cfg == nil {
		cfg = &compression.Config{Algorithm: compression.None}
	}
	c, err := compression.NewCompressor(cfg)
	if err != nil {
		return nil, err
	}
	return &Codec{compressor: c}, nil
}

// EncodeRecord serializes rec
func (c *Codec) EncodeRecord(rec *models.Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "encode record").
			WithDetail("rid", rec.ID.String())
	}
	return c.compressor.Compress(raw)
}

// DecodeRecord deserializes a record written by EncodeRecord
func (c *Codec) DecodeRecord(data []byte) (*models.Record, error) {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "decode record")
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]interface{})
	}
	return &rec, nil
}

// EncodeSchema serializes a class schema. Schemas are small and stay
// uncompressed so they can be inspected with bolt tooling.
func (c *Codec) EncodeSchema(s *models.Schema) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "encode schema").WithDetail("class", s.Name)
	}
	return raw, nil
}

// DecodeSchema deserializes a schema written by EncodeSchema
func (c *Codec) DecodeSchema(data []byte) (*models.Schema, error) {
	var s models.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "decode schema")
	}
	return &s, nil
}

// Algorithm returns the compression algorithm of new values
func (c *Codec) Algorithm() compression.Algorithm { return c.compressor.Algorithm() }
