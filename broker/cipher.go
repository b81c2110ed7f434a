package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const cipherKeyInfo = "authd cookie cipher v1"

// SessionCipher seals and opens the short-lived payloads carried in cookies
// using AES-256-GCM with a per-message random nonce prepended to the
// ciphertext. The key is derived once at startup and never logged.
type SessionCipher struct {
	aead      cipher.AEAD
	plaintext bool
}

// NewSessionCipher derives a 256-bit key from secret via HKDF-SHA256 and
// prepares the AEAD. The plaintext fallback (JSON pass-through for local
// debugging) is only honoured in dev mode: requesting it in a production
// configuration is a hard error, never a silent downgrade.
func NewSessionCipher(secret string, devMode, allowPlaintext bool) (*SessionCipher, error) {
	if allowPlaintext {
		if !devMode {
			return nil, errors.New("plaintext session cookies requested outside dev mode")
		}
		return &SessionCipher{plaintext: true}, nil
	}

	if secret == "" {
		return nil, errors.New("cookie secret required")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(cipherKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &SessionCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64url payload of nonce||ciphertext.
func (c *SessionCipher) Encrypt(plaintext []byte) (string, error) {
	if c.plaintext {
		return base64.RawURLEncoding.EncodeToString(plaintext), nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens a payload produced by Encrypt. Any tag mismatch, truncation,
// or encoding problem fails closed with ErrDecryptionFailed; no partial
// plaintext is ever returned.
func (c *SessionCipher) Decrypt(encoded string) ([]byte, error) {
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if c.plaintext {
		return payload, nil
	}

	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize+1 {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
