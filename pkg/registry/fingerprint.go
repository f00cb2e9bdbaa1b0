package registry

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint derives the cache key of a credential triple. It must be
// deterministic. Two distinct triples with the same fingerprint share a
// pool; with the default 256-bit digest this is treated as an accepted
// risk rather than detected.
type Fingerprint func(database, user, password string) string

// Blake3Fingerprint hashes the length-prefixed database, user and password
// with BLAKE3. Length prefixes keep ("ab","c") and ("a","bc") apart.
func Blake3Fingerprint(database, user, password string) string {
	h := blake3.New()
	var size [4]byte
	for _, part := range [...]string{database, user, password} {
		binary.BigEndian.PutUint32(size[:], uint32(len(part)))
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(part))
	}

	var sum [32]byte
	_, _ = h.Digest().Read(sum[:])
	return hex.EncodeToString(sum[:])
}
