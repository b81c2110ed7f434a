package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	verifierEntropyBytes = 32
	stateEntropyBytes    = 16
	nonceEntropyBytes    = 16
)

// LoginSession is the ephemeral, single-use record created at login
// initiation and consumed exactly once at callback. It leaves the process
// only in encrypted form inside the login-session cookie.
type LoginSession struct {
	Verifier    string    `json:"verifier"`
	Challenge   string    `json:"challenge"`
	State       string    `json:"state"`
	Nonce       string    `json:"nonce"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewLoginSession generates a verifier/challenge/state tuple per RFC 7636
// using the S256 method, plus an independent OIDC nonce.
func NewLoginSession(redirectURI string) (*LoginSession, error) {
	verifier, err := randomURLString(verifierEntropyBytes)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	state, err := randomURLString(stateEntropyBytes)
	if err != nil {
		return nil, err
	}
	nonce, err := randomURLString(nonceEntropyBytes)
	if err != nil {
		return nil, err
	}

	return &LoginSession{
		Verifier:    verifier,
		Challenge:   challenge,
		State:       state,
		Nonce:       nonce,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
	}, nil
}

// Expired reports whether the session has outlived the hard TTL.
func (s *LoginSession) Expired(ttl time.Duration) bool {
	return time.Since(s.CreatedAt) > ttl
}

// NewSessionID generates an opaque correlation identifier. It carries no
// authorization power and is used only to tie a login attempt to a browser
// across the IdP redirect, and for logging.
func NewSessionID() (string, error) {
	return randomURLString(stateEntropyBytes)
}

func randomURLString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
