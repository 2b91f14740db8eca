// Package vault encrypts broker credentials at rest with AES-256-GCM.
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
	"os"
)

// EnvKey names the environment variable carrying the encryption secret.
const EnvKey = "ENCRYPTION_KEY"

// ErrDecryption indicates the ciphertext cannot be opened with the current
// key, typically after a key rotation. The user must re-enter their secrets.
var ErrDecryption = errors.New("vault: decryption failed, re-enter credentials")

// ErrNoKey indicates the encryption key is not configured.
var ErrNoKey = errors.New("vault: " + EnvKey + " is not set")

// Vault holds the derived symmetric key. Construct once at startup and pass
// by the composition root.
type Vault struct {
	key [32]byte
}

// New derives a 256-bit key from the given secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// NewFromEnv loads the secret from the environment. Absence is fatal for any
// code path that needs to encrypt or decrypt.
func NewFromEnv() (*Vault, error) {
	return New(os.Getenv(EnvKey))
}

// Encrypt seals plaintext and returns a base64 token (nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("vault: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: gcm init: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. A token sealed under a
// different key surfaces ErrDecryption.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("vault: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: gcm init: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrDecryption
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}
