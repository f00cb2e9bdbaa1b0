package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlake3FingerprintDeterministic(t *testing.T) {
	a := Blake3Fingerprint("orders", "admin", "secret")
	assert.Equal(t, a, Blake3Fingerprint("orders", "admin", "secret"))
	assert.Len(t, a, 64)
}

func TestBlake3FingerprintSeparatesFields(t *testing.T) {
	assert.NotEqual(t, Blake3Fingerprint("ab", "c", ""), Blake3Fingerprint("a", "bc", ""))
	assert.NotEqual(t, Blake3Fingerprint("orders", "admin", "secret"), Blake3Fingerprint("orders", "admin", "Secret"))
	assert.NotContains(t, Blake3Fingerprint("orders", "admin", "secret"), "secret")
}
