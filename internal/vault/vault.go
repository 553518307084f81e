// Package vault provides authenticated encryption for per-user secret values.
//
// Plaintext never leaves Encrypt/Decrypt: the relational store only ever sees
// the opaque token this package produces, and the workload manager receives
// plaintext exactly once, at apply time.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrBadCiphertext is returned for any malformed or tampered token. Callers
// must treat it as a backend error, never surface partial plaintext.
var ErrBadCiphertext = errors.New("vault: bad ciphertext")

const tokenVersion = "v1"

// hkdfSalt is fixed so the same master key always derives the same data key.
var hkdfSalt = []byte("vigil-secret-vault-salt")

// Vault performs AES-256-GCM with a process-wide key derived from the
// configured master key via HKDF-SHA256. The key is immutable after New.
type Vault struct {
	aead cipher.AEAD
}

// New derives the data key from masterKey and builds the AEAD. An empty
// master key is a configuration error the caller should treat as fatal.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("vault: master key is required")
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), hkdfSalt, []byte("vigil-secret-vault"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into a self-describing, URL/JSON-safe token of the
// form "v1.<nonce>.<ciphertext>" with base64url segments. The GCM tag is
// embedded in the ciphertext segment.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), []byte(tokenVersion))

	enc := base64.RawURLEncoding
	return tokenVersion + "." + enc.EncodeToString(nonce) + "." + enc.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Every failure mode — wrong
// version, malformed encoding, truncated nonce, failed authentication —
// collapses into ErrBadCiphertext so callers cannot distinguish tampering
// from corruption.
func (v *Vault) Decrypt(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return "", ErrBadCiphertext
	}

	enc := base64.RawURLEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrBadCiphertext
	}
	sealed, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", ErrBadCiphertext
	}

	plaintext, err := v.aead.Open(nil, nonce, sealed, []byte(tokenVersion))
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plaintext), nil
}
