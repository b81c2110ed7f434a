// Package client verifies the IdP-issued JWT access tokens that the authd
// broker relays to browser clients, for use by downstream resource services.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the token verifier.
type VerifierConfig struct {
	// Issuer is the IdP issuer URL the tokens must carry.
	Issuer string
	// JWKSURL overrides the default <issuer>/.well-known/jwks.json.
	JWKSURL string
	// ExpectedAudiences, when set, requires an aud intersection.
	ExpectedAudiences []string
	// CacheTTL bounds how long a fetched JWKS is reused. Default 5m.
	CacheTTL time.Duration
	// HTTPClient overrides the client used for JWKS fetches.
	HTTPClient *http.Client
}

// Verifier checks signature, issuer, audience, and expiry of access tokens.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	expires time.Time
}

// Claims is a simplified view of a validated access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Verifier{cfg: cfg, client: httpClient}
}

// Verify parses and validates a raw access token.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	mc := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.signingKey(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(mc)
}

// RequireAuth is chi-compatible middleware that validates bearer tokens and
// injects the claims into the request context.
func RequireAuth(v *Verifier, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := claims.RequireScopes(requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireScopes ensures the claims include every required scope.
func (c *Claims) RequireScopes(required ...string) error {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, sc := range c.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Verifier) signingKey(ctx context.Context, kid string) (any, error) {
	set, err := v.jwks(ctx, false)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}

	// Unknown kid usually means the IdP rotated keys; refetch once.
	set, err = v.jwks(ctx, true)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func (v *Verifier) jwks(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	keys, expires := v.keys, v.expires
	v.mu.RUnlock()

	if !force && keys.Keys != nil && time.Now().Before(expires) {
		return keys, nil
	}

	if v.cfg.JWKSURL == "" {
		return jose.JSONWebKeySet{}, errors.New("jwks url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.keys = set
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()

	return set, nil
}

func (v *Verifier) mapClaims(mc jwt.MapClaims) (*Claims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, errors.New("issuer mismatch")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}

	audiences := normalizeAudience(mc["aud"])
	if len(v.cfg.ExpectedAudiences) > 0 && !audienceAllowed(audiences, v.cfg.ExpectedAudiences) {
		return nil, errors.New("audience rejected")
	}

	scopeStr, _ := mc["scope"].(string)
	clientID, _ := mc["client_id"].(string)

	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		Scopes:    strings.Fields(scopeStr),
		ClientID:  clientID,
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Raw:       raw,
	}, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, want := range expected {
			if a == want {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
