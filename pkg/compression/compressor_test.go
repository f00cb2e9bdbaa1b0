package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

var allAlgorithms = []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}

func sample() []byte {
	return bytes.Repeat([]byte(`{"class":"Person","fields":{"name":"Ada","city":"London"}}`), 40)
}

func TestCompressorRoundTrip(t *testing.T) {
	for _, alg := range allAlgorithms {
		for _, level := range []Level{Fastest, Default, Better, Best} {
			t.Run(string(alg)+"/"+level.String(), func(t *testing.T) {
				c, err := NewCompressor(&Config{Algorithm: alg, Level: level})
				require.NoError(t, err)

				encoded, err := c.Compress(sample())
				require.NoError(t, err)
				assert.Equal(t, tags[alg], encoded[0])
				if alg != None {
					assert.Less(t, len(encoded), len(sample()))
				}

				decoded, err := c.Decompress(encoded)
				require.NoError(t, err)
				assert.Equal(t, sample(), decoded)
			})
		}
	}
}

func TestDecompressReadsEveryAlgorithm(t *testing.T) {
	reader, err := NewCompressor(&Config{Algorithm: None})
	require.NoError(t, err)

	for _, alg := range allAlgorithms {
		writer, err := NewCompressor(&Config{Algorithm: alg, Level: Default})
		require.NoError(t, err)
		encoded, err := writer.Compress(sample())
		require.NoError(t, err)

		decoded, err := reader.Decompress(encoded)
		require.NoError(t, err, string(alg))
		assert.Equal(t, sample(), decoded)
	}
}

func TestEmptyValue(t *testing.T) {
	for _, alg := range allAlgorithms {
		c, err := NewCompressor(&Config{Algorithm: alg})
		require.NoError(t, err)
		encoded, err := c.Compress(nil)
		require.NoError(t, err)
		decoded, err := c.Decompress(encoded)
		require.NoError(t, err)
		assert.Empty(t, decoded, string(alg))
	}
}

func TestDecodedSizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	for _, alg := range []Algorithm{Gzip, Snappy, LZ4, S2} {
		c, err := NewCompressor(&Config{Algorithm: alg, MaxDecodedSize: 1024})
		require.NoError(t, err)
		encoded, err := c.Compress(big)
		require.NoError(t, err)

		_, err = c.Decompress(encoded)
		assert.True(t, errors.IsType(err, errors.ErrorTypeStorage), string(alg))
	}
}

func TestCorruptInput(t *testing.T) {
	c, err := NewCompressor(nil)
	require.NoError(t, err)

	_, err = c.Decompress(nil)
	assert.Error(t, err)
	_, err = c.Decompress([]byte{42, 1, 2})
	assert.Error(t, err)
	_, err = c.Decompress([]byte{tags[Snappy], 0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.CompressionConfig{})
	assert.Equal(t, Snappy, c.Algorithm)
	assert.Equal(t, Default, c.Level)

	c = FromConfig(config.CompressionConfig{Algorithm: "zstd", Level: 9})
	assert.Equal(t, Zstd, c.Algorithm)
	assert.Equal(t, Best, c.Level)
}

func BenchmarkCompress(b *testing.B) {
	data := sample()
	for _, alg := range allAlgorithms {
		c, err := NewCompressor(&Config{Algorithm: alg, Level: Default})
		if err != nil {
			b.Fatal(err)
		}
		b.Run(string(alg), func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := c.Compress(data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
