// Package compression is the value codec of durable storages. Every encoded
// value starts with a one-byte algorithm tag, so values written under one
// algorithm stay readable after the configuration switches to another.
//
// # Algorithm Selection
//
//   - snappy, s2: fast with moderate ratio (default: snappy)
//   - lz4: fastest, lower ratio
//   - zstd: best ratio
//   - gzip: widest compatibility
//   - none: values are stored as is behind the tag
//
// # Basic Usage
//
//	codec, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Better,
//	})
//	stored, err := codec.Compress(value)
//	value, err = codec.Decompress(stored)
package compression

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

// Algorithm names a compression algorithm
type Algorithm string

const (
	// None stores values uncompressed
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression
	S2 Algorithm = "s2"
)

// tags are part of the stored format and must never be renumbered
var tags = map[Algorithm]byte{None: 0, Gzip: 1, Snappy: 2, LZ4: 3, Zstd: 4, S2: 5}

// Level trades speed for ratio
type Level int

const (
	// Fastest prioritizes speed
	Fastest Level = 1
	// Default balances speed and ratio
	Default Level = 5
	// Better favors ratio
	Better Level = 7
	// Best maximizes ratio
	Best Level = 9
)

func (l Level) String() string {
	switch {
	case l <= Fastest:
		return "fastest"
	case l < Better:
		return "default"
	case l < Best:
		return "better"
	default:
		return "best"
	}
}

// DefaultMaxDecodedSize bounds a single decoded value
const DefaultMaxDecodedSize = 64 << 20

// Compressor encodes and decodes stored values. Implementations are safe
// for concurrent use.
type Compressor interface {
	// Compress returns the tagged encoding of data
	Compress(data []byte) ([]byte, error)
	// Decompress decodes a value written by any algorithm of this package
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the algorithm new values are written with
	Algorithm() Algorithm
	// Level returns the configured level
	Level() Level
}

// Config selects the algorithm for new values.
type Config struct {
	Algorithm Algorithm
	Level     Level
	// MaxDecodedSize bounds decoded values; zero means DefaultMaxDecodedSize
	MaxDecodedSize int
}

// DefaultConfig returns snappy at the default level
func DefaultConfig() *Config {
	return &Config{Algorithm: Snappy, Level: Default}
}

// FromConfig converts the storage compression section
func FromConfig(cfg config.CompressionConfig) *Config {
	c := &Config{Algorithm: Algorithm(cfg.Algorithm), Level: Level(cfg.Level)}
	if c.Algorithm == "" {
		c.Algorithm = Snappy
	}
	if c.Level == 0 {
		c.Level = Default
	}
	return c
}

// NewCompressor creates a codec writing with config.Algorithm and reading
// every algorithm. A nil config uses DefaultConfig.
func NewCompressor(cfg *Config) (Compressor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if _, ok := tags[cfg.Algorithm]; !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "unsupported compression algorithm").
			WithDetail("algorithm", string(cfg.Algorithm))
	}
	max := cfg.MaxDecodedSize
	if max <= 0 {
		max = DefaultMaxDecodedSize
	}

	c := &codec{algorithm: cfg.Algorithm, level: cfg.Level, maxDecoded: max}

	gzLevel := mapGzipLevel(cfg.Level)
	c.gzWriters.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gzLevel)
		return w
	}

	zLevel := mapZstdLevel(cfg.Level)
	c.zEncoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zLevel), zstd.WithEncoderConcurrency(1))
		return enc
	}
	c.zDecoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(max)))
		return dec
	}
	c.lz4Level = mapLZ4Level(cfg.Level)
	return c, nil
}

type codec struct {
	algorithm  Algorithm
	level      Level
	maxDecoded int
	lz4Level   lz4.CompressionLevel

	gzWriters sync.Pool
	zEncoders sync.Pool
	zDecoders sync.Pool
}

func (c *codec) Algorithm() Algorithm { return c.algorithm }

func (c *codec) Level() Level { return c.level }

func (c *codec) Compress(data []byte) ([]byte, error) {
	tag := tags[c.algorithm]
	switch c.algorithm {
	case None:
		return append([]byte{tag}, data...), nil
	case Snappy:
		dst := make([]byte, 1+snappy.MaxEncodedLen(len(data)))
		dst[0] = tag
		n := len(snappy.Encode(dst[1:], data))
		return dst[:1+n], nil
	case S2:
		dst := make([]byte, 1+s2.MaxEncodedLen(len(data)))
		dst[0] = tag
		n := len(s2.Encode(dst[1:], data))
		return dst[:1+n], nil
	case Zstd:
		enc := c.zEncoders.Get().(*zstd.Encoder)
		defer c.zEncoders.Put(enc)
		return enc.EncodeAll(data, []byte{tag}), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 16)
	buf.WriteByte(tag)

	switch c.algorithm {
	case Gzip:
		w := c.gzWriters.Get().(*gzip.Writer)
		defer c.gzWriters.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, compressErr(err, c.algorithm)
		}
		if err := w.Close(); err != nil {
			return nil, compressErr(err, c.algorithm)
		}
	case LZ4:
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(c.lz4Level)); err != nil {
			return nil, compressErr(err, c.algorithm)
		}
		if _, err := w.Write(data); err != nil {
			return nil, compressErr(err, c.algorithm)
		}
		if err := w.Close(); err != nil {
			return nil, compressErr(err, c.algorithm)
		}
	}
	return buf.Bytes(), nil
}

func (c *codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrorTypeStorage, "empty compressed value")
	}
	tag, body := data[0], data[1:]

	switch tag {
	case tags[None]:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case tags[Snappy]:
		if n, err := snappy.DecodedLen(body); err == nil && n > c.maxDecoded {
			return nil, c.tooLarge(Snappy)
		}
		out, err := snappy.Decode(nil, body)
		return out, decompressErr(err, Snappy)
	case tags[S2]:
		if n, err := s2.DecodedLen(body); err == nil && n > c.maxDecoded {
			return nil, c.tooLarge(S2)
		}
		out, err := s2.Decode(nil, body)
		return out, decompressErr(err, S2)
	case tags[Zstd]:
		dec := c.zDecoders.Get().(*zstd.Decoder)
		defer c.zDecoders.Put(dec)
		out, err := dec.DecodeAll(body, nil)
		return out, decompressErr(err, Zstd)
	case tags[Gzip]:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, decompressErr(err, Gzip)
		}
		defer r.Close()
		return c.readLimited(r, Gzip)
	case tags[LZ4]:
		return c.readLimited(lz4.NewReader(bytes.NewReader(body)), LZ4)
	default:
		return nil, errors.New(errors.ErrorTypeStorage, "unknown compression tag").WithDetail("tag", int(tag))
	}
}

func (c *codec) readLimited(r io.Reader, alg Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(c.maxDecoded)+1))
	if err != nil {
		return nil, decompressErr(err, alg)
	}
	if n > int64(c.maxDecoded) {
		return nil, c.tooLarge(alg)
	}
	return buf.Bytes(), nil
}

func (c *codec) tooLarge(alg Algorithm) error {
	return errors.New(errors.ErrorTypeStorage, "decoded value exceeds limit").
		WithDetail("algorithm", string(alg)).
		WithDetail("limit", c.maxDecoded)
}

func compressErr(err error, alg Algorithm) error {
	return errors.Wrap(err, errors.ErrorTypeStorage, "compress failed").WithDetail("algorithm", string(alg))
}

func decompressErr(err error, alg Algorithm) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeStorage, "decompress failed").WithDetail("algorithm", string(alg))
}

func mapGzipLevel(level Level) int {
	switch {
	case level <= Fastest:
		return gzip.BestSpeed
	case level >= Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch {
	case level <= Fastest:
		return lz4.Fast
	case level >= Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch {
	case level <= Fastest:
		return zstd.SpeedFastest
	case level >= Best:
		return zstd.SpeedBestCompression
	case level >= Better:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}
