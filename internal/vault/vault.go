// Package vault implements authenticated decryption of credential
// ciphertexts. Plaintext is only reachable through a guarded accessor:
// callers borrow a SecretHandle and must Close it, at which point the
// backing buffer is wiped.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyVersionMismatch is returned when a ciphertext's key version does not
// match any root key the vault was configured with.
var ErrKeyVersionMismatch = errors.New("vault: key version mismatch")

// ErrAuthenticationFailed is returned when AEAD tag verification fails.
var ErrAuthenticationFailed = errors.New("vault: authentication failed")

const keySize = chacha20poly1305.KeySize // 32 bytes, 256-bit root key
const nonceSize = chacha20poly1305.NonceSizeX

// Vault holds a process-wide set of versioned root keys and performs AEAD
// encrypt/decrypt of credential material. The zero value is not usable; use
// New.
type Vault struct {
	mu   sync.RWMutex
	keys map[int]*[keySize]byte
}

// New constructs a Vault from a map of key version to 32-byte root key. At
// least one key must be supplied.
func New(keys map[int][]byte) (*Vault, error) {
	if len(keys) == 0 {
		return nil, errors.New("vault: at least one root key is required")
	}
	v := &Vault{keys: make(map[int]*[keySize]byte, len(keys))}
	for version, raw := range keys {
		if len(raw) != keySize {
			return nil, fmt.Errorf("vault: key version %d must be %d bytes, got %d", version, keySize, len(raw))
		}
		var buf [keySize]byte
		copy(buf[:], raw)
		v.keys[version] = &buf
	}
	return v, nil
}

// SecretHandle exposes decrypted plaintext through a borrow scope. The
// plaintext buffer is wiped on Close; callers must not retain slices
// returned by Plaintext() past Close.
type SecretHandle struct {
	plaintext []byte
	closed    bool
}

// Plaintext returns the decrypted secret. Callers must copy any bytes they
// need to retain beyond the handle's lifetime.
func (h *SecretHandle) Plaintext() []byte {
	if h == nil || h.closed {
		return nil
	}
	return h.plaintext
}

// Close zeroizes the plaintext buffer. It is idempotent.
func (h *SecretHandle) Close() {
	if h == nil || h.closed {
		return
	}
	for i := range h.plaintext {
		h.plaintext[i] = 0
	}
	h.closed = true
}

// Decrypt authenticates and decrypts ciphertext produced by Encrypt (or by
// the admin-plane's encryption path, which is out of scope for the hot
// path). aad is bound into the AEAD tag and must match what was used at
// encryption time (callers typically pass the credential id). Decryption
// failure — including a ciphertext encrypted under a version this vault
// does not hold — is fatal for the request: it never leaks secret material
// and the caller surfaces an opaque internal error.
func (v *Vault) Decrypt(ciphertext []byte, aad []byte, keyVersion int) (*SecretHandle, error) {
	key, err := v.key(keyVersion)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: construct aead: %w", err)
	}
	if len(ciphertext) < nonceSize {
		return nil, ErrAuthenticationFailed
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return &SecretHandle{plaintext: plaintext}, nil
}

// Encrypt seals plaintext under the given key version, prefixing the nonce
// to the ciphertext so Decrypt can recover it. It exists for the admin
// plane's credential-rotation path; request serving never calls it.
func (v *Vault) Encrypt(plaintext []byte, aad []byte, keyVersion int) ([]byte, error) {
	key, err := v.key(keyVersion)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: construct aead: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, sealed...), nil
}

func (v *Vault) key(version int) (*[keySize]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[version]
	if !ok {
		return nil, ErrKeyVersionMismatch
	}
	return key, nil
}
