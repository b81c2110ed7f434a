package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for the broker flows. Handlers map these onto redirect
// error codes or JSON bodies; nothing else should leak to the client.
var (
	// ErrEntropyUnavailable means the platform's secure random source failed.
	// Fatal: never downgraded to a weak generator.
	ErrEntropyUnavailable = errors.New("secure entropy source unavailable")

	// ErrInvalidPKCESession indicates a missing or undecryptable login-session
	// cookie at callback time. The client must restart login.
	ErrInvalidPKCESession = errors.New("invalid pkce session")

	// ErrInvalidState indicates the callback state did not match the stored
	// login session. Treated as a CSRF/replay attempt, never retried.
	ErrInvalidState = errors.New("state mismatch")

	// ErrNoRefreshToken indicates no refresh-token cookie was presented.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrDecryptionFailed covers any AEAD open failure: tampered ciphertext,
	// wrong key, malformed input. Callers treat it as "no valid session".
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrRateLimited indicates the per-identity attempt budget was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Redirect error vocabulary appended to the login URL on callback failure.
const (
	ErrorCodeAccessDenied       = "access_denied"
	ErrorCodeInvalidState       = "invalid_state"
	ErrorCodeInvalidPKCESession = "invalid_pkce_session"
	ErrorCodeCallbackFailed     = "callback_failed"
)

// ExchangeKind discriminates the two token-endpoint operations.
type ExchangeKind string

const (
	ExchangeAuthorizationCode ExchangeKind = "authorization_code"
	ExchangeRefreshToken      ExchangeKind = "refresh_token"
)

// ExchangeError reports a failed token-endpoint call, capturing the IdP's
// error and error_description when it returned a structured OAuth error.
type ExchangeError struct {
	Kind        ExchangeKind
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s exchange failed: %s: %s", e.Kind, e.Code, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s exchange failed: status %d", e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("%s exchange failed: %v", e.Kind, e.Err)
	}
}

func (e *ExchangeError) Unwrap() error { return e.Err }
