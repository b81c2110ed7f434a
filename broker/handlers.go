package broker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Broker composes the PKCE generator, session cipher, cookie jar, rate
// limiter, and OAuth client into the login, callback, refresh, and logout
// flows. All cross-request state round-trips through client-held encrypted
// cookies; between requests the broker holds nothing but rate counters.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	cipher   *SessionCipher
	limiter  *RateLimiter
	provider IdentityProvider
}

// New wires a broker from configuration and an already-built provider.
func New(cfg Config, logger *slog.Logger, provider IdentityProvider) (*Broker, error) {
	secret := cfg.Cookies.Secret
	if secret == "" && cfg.Server.DevMode && !cfg.Cookies.AllowPlaintext {
		// Dev convenience only; production refuses to start without a secret.
		ephemeral, err := randomURLString(32)
		if err != nil {
			return nil, err
		}
		secret = ephemeral
		logger.Warn("no cookie secret configured, using an ephemeral dev key; sessions will not survive restarts")
	}

	cipher, err := NewSessionCipher(secret, cfg.Server.DevMode, cfg.Cookies.AllowPlaintext)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}

	return &Broker{
		cfg:      cfg,
		logger:   logger,
		cipher:   cipher,
		limiter:  NewRateLimiter(cfg.RateLimit.Threshold, cfg.RateLimit.RateWindow()),
		provider: provider,
	}, nil
}

// BuildProvider prepares the upstream IdP client: discovery when an issuer
// is configured, explicit endpoints otherwise.
func BuildProvider(ctx context.Context, cfg Config, logger *slog.Logger) (IdentityProvider, error) {
	if cfg.Provider.Issuer != "" {
		return NewOIDCProvider(ctx, cfg.Provider, logger)
	}
	return NewStaticProvider(cfg.Provider, logger)
}

// Close releases background resources.
func (b *Broker) Close() {
	b.limiter.Close()
}

// handleLogin initiates the authorization-code flow: it mints a login
// session, persists it encrypted in cookies, and redirects to the IdP.
func (b *Broker) handleLogin(w http.ResponseWriter, r *http.Request) {
	if dec := b.limiter.Check(OpLogin, clientIP(r, b.cfg.Server.TrustProxyHeaders)); !dec.Allowed {
		writeRateLimited(w, dec)
		return
	}

	returnTo := b.returnPath(r.URL.Query().Get("returnTo"))

	sess, err := NewLoginSession(b.cfg.Provider.RedirectURI)
	if err != nil {
		b.logger.Error("login session generation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sid, err := NewSessionID()
	if err != nil {
		b.logger.Error("session id generation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		b.logger.Error("login session marshal failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sealed, err := b.cipher.Encrypt(raw)
	if err != nil {
		b.logger.Error("login session seal failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	state, err := EncodeRelayState(b.cipher, RelayState{
		State:     sess.State,
		ReturnTo:  returnTo,
		SessionID: sid,
	})
	if err != nil {
		b.logger.Error("relay state encode failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	jar := b.Jar(w, r)
	jar.SetLoginSession(sealed, b.cfg.Cookies.LoginTTLSeconds)
	jar.SetSessionID(sid, b.cfg.Cookies.LoginTTLSeconds)

	b.logger.Info("login initiated", "sid", sid, "return_to", returnTo)
	http.Redirect(w, r, b.provider.AuthCodeURL(state, sess.Nonce, sess.Challenge), http.StatusFound)
}

// handleCallback completes the flow: it validates state against the stored
// login session, exchanges the code, and persists the refresh token. The
// login-session cookie is discarded on every outcome so it can never be
// replayed.
func (b *Broker) handleCallback(w http.ResponseWriter, r *http.Request) {
	jar := b.Jar(w, r)
	q := r.URL.Query()

	if q.Get("error") != "" {
		jar.ClearLoginSession()
		b.logger.Warn("idp returned error", "error", q.Get("error"), "description", q.Get("error_description"))
		b.redirectLoginError(w, r, ErrorCodeAccessDenied)
		return
	}

	sess, err := b.readLoginSession(jar)
	if err != nil {
		jar.ClearLoginSession()
		b.logger.Warn("callback without usable login session", "error", err)
		b.redirectLoginError(w, r, ErrorCodeInvalidPKCESession)
		return
	}
	jar.ClearLoginSession()

	rs, err := DecodeRelayState(b.cipher, q.Get("state"))
	if err != nil {
		b.logger.Warn("callback state undecodable", "error", err)
		b.redirectLoginError(w, r, ErrorCodeInvalidState)
		return
	}
	if subtle.ConstantTimeCompare([]byte(rs.State), []byte(sess.State)) != 1 {
		b.logger.Warn("callback state mismatch, possible csrf or replay", "sid", rs.SessionID)
		b.redirectLoginError(w, r, ErrorCodeInvalidState)
		return
	}

	code := q.Get("code")
	if code == "" {
		b.redirectLoginError(w, r, ErrorCodeCallbackFailed)
		return
	}

	tokens, err := b.provider.Exchange(r.Context(), code, sess.Verifier, sess.Nonce)
	if err != nil {
		b.logger.Error("code exchange failed", "sid", rs.SessionID, "error", err)
		b.redirectLoginError(w, r, ErrorCodeCallbackFailed)
		return
	}

	if tokens.RefreshToken != "" {
		sealed, err := b.cipher.Encrypt([]byte(tokens.RefreshToken))
		if err != nil {
			b.logger.Error("refresh token seal failed", "sid", rs.SessionID, "error", err)
			b.redirectLoginError(w, r, ErrorCodeCallbackFailed)
			return
		}
		jar.SetRefreshToken(sealed, b.cfg.Cookies.RefreshTTLSeconds)
		jar.SetLoggedIn(b.cfg.Cookies.RefreshTTLSeconds)
	} else if tokens.ExpiresIn > 0 {
		jar.SetLoggedIn(int(tokens.ExpiresIn))
	}

	returnTo := b.returnPath(rs.ReturnTo)
	b.logger.Info("login completed", "sid", rs.SessionID, "return_to", returnTo)
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// handleRefresh exchanges the stored refresh token for fresh access/ID
// tokens. Tokens are returned in the body only; on any exchange failure every
// auth cookie is cleared and the caller is told to re-authenticate.
func (b *Broker) handleRefresh(w http.ResponseWriter, r *http.Request) {
	jar := b.Jar(w, r)

	identity := jar.SessionID()
	if identity == "" {
		identity = clientIP(r, b.cfg.Server.TrustProxyHeaders)
	}
	if dec := b.limiter.Check(OpRefresh, identity); !dec.Allowed {
		writeRateLimited(w, dec)
		return
	}

	sealed := jar.RefreshToken()
	if sealed == "" {
		writeRequiresLogin(w, "no_refresh_token")
		return
	}

	token, err := b.cipher.Decrypt(sealed)
	if err != nil {
		b.logger.Warn("refresh token undecryptable", "error", err)
		jar.ClearAll()
		writeRequiresLogin(w, "invalid_session")
		return
	}

	tokens, err := b.provider.Refresh(r.Context(), string(token))
	if err != nil {
		// The stored token is no longer trustworthy (revoked, expired, or
		// consumed by a concurrent rotation). Fail closed, never retry.
		b.logger.Warn("refresh exchange failed", "error", err)
		jar.ClearAll()
		writeRequiresLogin(w, "refresh_failed")
		return
	}

	if tokens.RefreshToken != "" {
		rotated, err := b.cipher.Encrypt([]byte(tokens.RefreshToken))
		if err != nil {
			b.logger.Error("rotated refresh token seal failed", "error", err)
			jar.ClearAll()
			writeRequiresLogin(w, "refresh_failed")
			return
		}
		jar.SetRefreshToken(rotated, b.cfg.Cookies.RefreshTTLSeconds)
	}
	jar.SetLoggedIn(b.cfg.Cookies.RefreshTTLSeconds)

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": tokens.AccessToken,
		"idToken":     tokens.IDToken,
		"expiresIn":   tokens.ExpiresIn,
		"refreshed":   true,
	})
}

// handleLogout clears every auth cookie unconditionally, then redirects to
// the IdP logout endpoint. Cookie clearing happens before anything that can
// fail: logout is fail-safe toward de-authentication.
func (b *Broker) handleLogout(w http.ResponseWriter, r *http.Request) {
	jar := b.Jar(w, r)
	jar.ClearAll()

	returnTo := b.returnPath(r.URL.Query().Get("returnTo"))
	logoutURI := strings.TrimSuffix(b.cfg.Server.PublicURL, "/") + returnTo

	target, err := b.provider.LogoutURL(logoutURI)
	if err != nil {
		b.logger.Warn("idp logout url unavailable, redirecting locally", "error", err)
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Broker) readLoginSession(jar *CookieJar) (*LoginSession, error) {
	sealed := jar.LoginSession()
	if sealed == "" {
		return nil, ErrInvalidPKCESession
	}
	raw, err := b.cipher.Decrypt(sealed)
	if err != nil {
		return nil, ErrInvalidPKCESession
	}
	var sess LoginSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, ErrInvalidPKCESession
	}
	if sess.Verifier == "" || sess.State == "" {
		return nil, ErrInvalidPKCESession
	}
	if sess.Expired(b.cfg.LoginTTL()) {
		return nil, ErrInvalidPKCESession
	}
	return &sess, nil
}

// returnPath validates a requested post-login path against the allow-list,
// substituting the default for anything absent, malformed, or unlisted.
// Absolute URLs never survive this, which closes the open-redirect hole.
func (b *Broker) returnPath(requested string) string {
	if requested == "" {
		return b.cfg.Login.DefaultReturnPath
	}
	if err := validReturnPath(requested); err != nil {
		return b.cfg.Login.DefaultReturnPath
	}
	for _, entry := range b.cfg.Login.AllowedReturnPaths {
		if prefix, ok := strings.CutSuffix(entry, "/*"); ok {
			if requested == prefix || strings.HasPrefix(requested, prefix+"/") {
				return requested
			}
			continue
		}
		if requested == entry {
			return requested
		}
	}
	return b.cfg.Login.DefaultReturnPath
}

func (b *Broker) redirectLoginError(w http.ResponseWriter, r *http.Request, code string) {
	u := url.URL{Path: b.cfg.Login.ErrorPath}
	q := u.Query()
	q.Set("error", code)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRequiresLogin(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error":         code,
		"requiresLogin": true,
	})
}

func writeRateLimited(w http.ResponseWriter, dec Decision) {
	secs := int64(dec.RetryAfter.Seconds())
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "rate_limit_exceeded",
		"retryAfter": secs,
	})
}
