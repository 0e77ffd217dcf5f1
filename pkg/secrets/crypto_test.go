package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plaintext := range []string{"", "v", "li_at=AQED...", "multi\nline\nsecret", "ünïcödé ✓"} {
		token, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, token)

		got, err := c.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipherNonceUniqueness(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Encrypt("same value")
	require.NoError(t, err)
	b, err := c.Encrypt("same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "same plaintext must produce distinct tokens")
}

func TestCipherTamperDetection(t *testing.T) {
	c := newTestCipher(t)

	token, err := c.Encrypt("sensitive")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip one bit in every byte position; each corruption must be caught.
	for i := range raw {
		corrupted := make([]byte, len(raw))
		copy(corrupted, raw)
		corrupted[i] ^= 0x01

		_, err := c.Decrypt(base64.RawURLEncoding.EncodeToString(corrupted))
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "byte %d", i)
	}
}

func TestCipherWrongKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	token, err := a.Encrypt("sensitive")
	require.NoError(t, err)

	_, err = b.Decrypt(token)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipherMalformedTokens(t *testing.T) {
	c := newTestCipher(t)

	for _, token := range []string{"", "!!!not-base64!!!", "c2hvcnQ"} {
		_, err := c.Decrypt(token)
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	}
}

func TestNewCipherRejectsBadKeySize(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	require.Error(t, err)
	_, err = NewCipher(nil)
	require.Error(t, err)
}
