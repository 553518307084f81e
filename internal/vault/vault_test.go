package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	token, err := v.Encrypt("super-secret-api-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "v1."), "token must be self-describing")
	assert.NotContains(t, token, "super-secret", "plaintext must not leak into the token")

	plain, err := v.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plain)
}

func TestVault_NonceUniqueness(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	a, err := v.Encrypt("same value")
	require.NoError(t, err)
	b, err := v.Encrypt("same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two encryptions of the same value must differ")
}

func TestVault_TamperedTokenRejected(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	token, err := v.Encrypt("payload")
	require.NoError(t, err)

	// Flip a character in the ciphertext segment
	tampered := token[:len(token)-2] + "AA"
	_, err = v.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestVault_MalformedTokens(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	for _, token := range []string{
		"",
		"v1",
		"v1.only-two",
		"v2.AAAA.BBBB",
		"v1.!!!.BBBB",
		"v1.AAAA.!!!",
	} {
		_, err := v.Decrypt(token)
		assert.ErrorIs(t, err, ErrBadCiphertext, "token %q", token)
	}
}

func TestVault_WrongKeyRejected(t *testing.T) {
	a, err := New("key-one")
	require.NoError(t, err)
	b, err := New("key-two")
	require.NoError(t, err)

	token, err := a.Encrypt("payload")
	require.NoError(t, err)

	_, err = b.Decrypt(token)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestNew_EmptyMasterKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
