package natskv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncoding_RoundTrip(t *testing.T) {
	keys := []string{
		"GET https://api.example.com/orders?page=1",
		"plain-key",
		"tag/orders/0000000001",
		"",
	}

	for _, key := range keys {
		encoded := encodeKey(key)
		decoded, err := decodeKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	}
}

func TestKeyEncoding_SubjectSafe(t *testing.T) {
	// NATS KV keys may not contain spaces, wildcards, or path separators
	encoded := encodeKey("GET https://example.com/a b?x=*&y=>")
	assert.NotContains(t, encoded, " ")
	assert.NotContains(t, encoded, "*")
	assert.NotContains(t, encoded, ">")
	assert.NotContains(t, encoded, "/")
}

func TestDecodeKey_Corrupt(t *testing.T) {
	_, err := decodeKey("!!not-base64!!")
	assert.Error(t, err)
}
