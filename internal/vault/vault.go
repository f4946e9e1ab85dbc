// Package vault encrypts source credentials for storage and decrypts them on
// demand. Key material is derived once at startup and never mutated.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var (
	ErrMissingEncryptionSecret = errors.New("vault: encryption secret is required")
	ErrMalformedCiphertext     = errors.New("vault: malformed ciphertext")
	ErrSecretTooLong           = errors.New("vault: secret too long")
)

const (
	// MaxSecretLen bounds plaintext size; service-account keys are a few KiB.
	MaxSecretLen = 64 << 10

	keyLen  = 32
	version = "v1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var encoding = base64.RawURLEncoding

// Key is derived key material. Construct it once with NewKey and share it.
type Key struct {
	b []byte
}

// NewKey derives an AES-256 key from the process secret with scrypt.
func NewKey(secret, salt string) (*Key, error) {
	if secret == "" {
		return nil, ErrMissingEncryptionSecret
	}
	b, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Key{b: b}, nil
}

type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

func New(key *Key) (*Vault, error) {
	if key == nil || len(key.b) != keyLen {
		return nil, ErrMissingEncryptionSecret
	}
	block, err := aes.NewCipher(key.b)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals secret under a fresh random nonce. The result has the form
// v1.<nonce>.<sealed>, both parts base64url without padding.
func (v *Vault) Encrypt(secret string) (string, error) {
	if len(secret) > MaxSecretLen {
		return "", ErrSecretTooLong
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("vault: read nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(secret), nil)
	return version + "." + encoding.EncodeToString(nonce) + "." + encoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any input not produced by Encrypt under the same
// key yields ErrMalformedCiphertext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ".")
	if len(parts) != 3 || parts[0] != version {
		return "", ErrMalformedCiphertext
	}
	nonce, err := encoding.DecodeString(parts[1])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrMalformedCiphertext
	}
	sealed, err := encoding.DecodeString(parts[2])
	if err != nil || len(sealed) < v.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}
