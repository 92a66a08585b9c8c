package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys() map[int][]byte {
	return map[int][]byte{
		1: make([]byte, keySize),
		2: append(make([]byte, keySize-1), 0x01),
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKeys())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("sk-live-secret"), []byte("cred-123"), 1)
	require.NoError(t, err)

	handle, err := v.Decrypt(ciphertext, []byte("cred-123"), 1)
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, "sk-live-secret", string(handle.Plaintext()))
}

func TestDecryptWrongVersionFails(t *testing.T) {
	v, err := New(testKeys())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("secret"), []byte("cred-1"), 1)
	require.NoError(t, err)

	_, err = v.Decrypt(ciphertext, []byte("cred-1"), 99)
	assert.ErrorIs(t, err, ErrKeyVersionMismatch)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v, err := New(testKeys())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("secret"), []byte("cred-1"), 2)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = v.Decrypt(ciphertext, []byte("cred-1"), 2)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptWrongAADFails(t *testing.T) {
	v, err := New(testKeys())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("secret"), []byte("cred-1"), 1)
	require.NoError(t, err)

	_, err = v.Decrypt(ciphertext, []byte("cred-2"), 1)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestCloseWipesPlaintext(t *testing.T) {
	v, err := New(testKeys())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("secret"), []byte("cred-1"), 1)
	require.NoError(t, err)

	handle, err := v.Decrypt(ciphertext, []byte("cred-1"), 1)
	require.NoError(t, err)

	raw := handle.Plaintext()
	require.NotEmpty(t, raw)
	handle.Close()
	for _, b := range raw {
		assert.Equal(t, byte(0), b)
	}
	assert.Nil(t, handle.Plaintext())
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New(map[int][]byte{1: []byte("too-short")})
	assert.Error(t, err)
}
