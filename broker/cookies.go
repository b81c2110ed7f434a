package broker

import (
	"net/http"
)

// Auth cookie names. ClearAll must cover every one of them; leaving any
// single cookie valid after logout or a trust failure is a defect.
const (
	loginSessionCookieName = "authd_pkce"
	sessionIDCookieName    = "authd_sid"
	refreshTokenCookieName = "authd_refresh"
	loggedInCookieName     = "authd_logged_in"
)

var authCookieNames = []string{
	loginSessionCookieName,
	sessionIDCookieName,
	refreshTokenCookieName,
	loggedInCookieName,
}

// CookieJar issues, reads, and revokes the broker's auth cookies for one
// request/response pair, so handler logic stays independent of the hosting
// framework's ambient cookie machinery.
type CookieJar struct {
	w      http.ResponseWriter
	r      *http.Request
	secure bool
	domain string
}

// Jar binds a CookieJar to a request/response pair.
func (b *Broker) Jar(w http.ResponseWriter, r *http.Request) *CookieJar {
	return &CookieJar{
		w:      w,
		r:      r,
		secure: !b.cfg.Server.DevMode,
		domain: b.cfg.Server.CookieDomain,
	}
}

// SetLoginSession stores the sealed login-session payload for the duration of
// the login window.
func (j *CookieJar) SetLoginSession(sealed string, ttlSeconds int) {
	j.set(loginSessionCookieName, sealed, "/auth", ttlSeconds, true)
}

// LoginSession returns the sealed login-session payload, or "" if absent.
func (j *CookieJar) LoginSession() string {
	return j.get(loginSessionCookieName)
}

// SetSessionID stores the opaque correlation identifier.
func (j *CookieJar) SetSessionID(id string, ttlSeconds int) {
	j.set(sessionIDCookieName, id, "/", ttlSeconds, true)
}

// SessionID returns the correlation identifier, or "" if absent.
func (j *CookieJar) SessionID() string {
	return j.get(sessionIDCookieName)
}

// SetRefreshToken stores the sealed refresh token. The cookie lives no longer
// than the token's own validity window.
func (j *CookieJar) SetRefreshToken(sealed string, ttlSeconds int) {
	j.set(refreshTokenCookieName, sealed, "/auth", ttlSeconds, true)
}

// RefreshToken returns the sealed refresh token, or "" if absent.
func (j *CookieJar) RefreshToken() string {
	return j.get(refreshTokenCookieName)
}

// SetLoggedIn sets the script-visible logged-in indicator. It is not a
// credential; it only lets the frontend avoid a refresh round-trip.
func (j *CookieJar) SetLoggedIn(ttlSeconds int) {
	j.set(loggedInCookieName, "1", "/", ttlSeconds, false)
}

// ClearLoginSession discards the login-session cookie. Single-use is enforced
// by deletion on every callback outcome, not by timestamp checks alone.
func (j *CookieJar) ClearLoginSession() {
	j.expire(loginSessionCookieName, "/auth", true)
}

// ClearAll overwrites every auth cookie with an immediately expired value.
func (j *CookieJar) ClearAll() {
	j.expire(loginSessionCookieName, "/auth", true)
	j.expire(sessionIDCookieName, "/", true)
	j.expire(refreshTokenCookieName, "/auth", true)
	j.expire(loggedInCookieName, "/", false)
}

func (j *CookieJar) get(name string) string {
	cookie, err := j.r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (j *CookieJar) set(name, value, path string, ttlSeconds int, httpOnly bool) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   j.domain,
		HttpOnly: httpOnly,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   ttlSeconds,
	})
}

func (j *CookieJar) expire(name, path string, httpOnly bool) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   j.domain,
		HttpOnly: httpOnly,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
