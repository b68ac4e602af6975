// Package securestore encrypts applicant contact fields at rest. Emails and
// display names are stored as AES-GCM ciphertext; a keyed digest column sits
// next to the email so uniqueness checks and lookups never touch plaintext.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

var ErrInvalidKey = errors.New("invalid master key")

// Vault seals and opens applicant fields with the deployment master key.
type Vault struct {
	key []byte
}

func NewVault(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return &Vault{key: key}, nil
}

// Seal encrypts a field value for storage. Empty input stays empty so
// optional columns round-trip as NULL-ish without a ciphertext.
func (v *Vault) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value sealed by Seal.
func (v *Vault) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce := raw[:gcm.NonceSize()]
	sealed := raw[gcm.NonceSize():]

	pt, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(pt), nil
}

// EmailDigest produces the deterministic lookup digest for a normalized
// email. Callers must normalize before digesting or uniqueness breaks.
func (v *Vault) EmailDigest(normalizedEmail string) string {
	if normalizedEmail == "" {
		return ""
	}
	mac := hmac.New(sha256.New, v.key)
	_, _ = mac.Write([]byte(normalizedEmail))
	return hex.EncodeToString(mac.Sum(nil))
}
