package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-secret-key")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "tok-sandbox-abc123", "a much longer broker token with spaces"} {
		token, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, token)

		got, err := v.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("test-secret-key")
	require.NoError(t, err)

	a, err := v.Encrypt("same input")
	require.NoError(t, err)
	b, err := v.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestRotatedKeyFailsDecryption(t *testing.T) {
	v1, err := New("original-key")
	require.NoError(t, err)
	v2, err := New("rotated-key")
	require.NoError(t, err)

	token, err := v1.Encrypt("tok-live-xyz")
	require.NoError(t, err)

	_, err = v2.Decrypt(token)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestGarbageTokenFailsDecryption(t *testing.T) {
	v, err := New("key")
	require.NoError(t, err)

	_, err = v.Decrypt("not-base64!!!")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = v.Decrypt("c2hvcnQ=") // valid base64, too short for a nonce
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestMissingKeyIsFatal(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoKey)
}
