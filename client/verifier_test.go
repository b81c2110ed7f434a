package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type testIssuer struct {
	key    *rsa.PrivateKey
	jwks   *httptest.Server
	issuer string
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "test-key",
		Algorithm: "RS256",
		Use:       "sig",
	}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &testIssuer{key: key, jwks: srv, issuer: "https://idp.test"}
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = ti.issuer
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ti *testIssuer) verifier(audiences ...string) *Verifier {
	return NewVerifier(VerifierConfig{
		Issuer:            ti.issuer,
		JWKSURL:           ti.jwks.URL,
		ExpectedAudiences: audiences,
	})
}

func TestVerifyValidToken(t *testing.T) {
	ti := newTestIssuer(t)
	v := ti.verifier()

	raw := ti.sign(t, jwt.MapClaims{
		"sub":       "user-1",
		"aud":       "my-api",
		"scope":     "openid profile",
		"client_id": "web-client",
	})

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.Issuer != ti.issuer {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "openid" {
		t.Errorf("scopes = %v", claims.Scopes)
	}
	if claims.ClientID != "web-client" {
		t.Errorf("client_id = %q", claims.ClientID)
	}
}

func TestVerifyRejections(t *testing.T) {
	ti := newTestIssuer(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": ti.issuer,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	forged.Header["kid"] = "test-key"
	forgedRaw, err := forged.SignedString(otherKey)
	if err != nil {
		t.Fatalf("sign forged: %v", err)
	}

	tests := []struct {
		name string
		v    *Verifier
		raw  string
	}{
		{"empty", ti.verifier(), ""},
		{"garbage", ti.verifier(), "not.a.jwt"},
		{"wrong signature", ti.verifier(), forgedRaw},
		{"expired", ti.verifier(), ti.sign(t, jwt.MapClaims{
			"sub": "user-1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})},
		{"wrong issuer", ti.verifier(), ti.sign(t, jwt.MapClaims{
			"iss": "https://other.test",
			"sub": "user-1",
		})},
		{"missing sub", ti.verifier(), ti.sign(t, jwt.MapClaims{})},
		{"wrong audience", ti.verifier("my-api"), ti.sign(t, jwt.MapClaims{
			"sub": "user-1",
			"aud": "other-api",
		})},
	}
	for _, tt := range tests {
		if _, err := tt.v.Verify(context.Background(), tt.raw); err == nil {
			t.Errorf("%s: Verify accepted invalid token", tt.name)
		}
	}
}

func TestVerifyAudienceList(t *testing.T) {
	ti := newTestIssuer(t)
	v := ti.verifier("my-api")

	raw := ti.sign(t, jwt.MapClaims{
		"sub": "user-1",
		"aud": []string{"other-api", "my-api"},
	})
	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRequireScopes(t *testing.T) {
	c := &Claims{Scopes: []string{"openid", "read:items"}}
	if err := c.RequireScopes("openid"); err != nil {
		t.Errorf("RequireScopes(openid): %v", err)
	}
	if err := c.RequireScopes("write:items"); err == nil {
		t.Errorf("missing scope accepted")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	ti := newTestIssuer(t)
	v := ti.verifier()

	handler := RequireAuth(v, "read:items")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Errorf("claims missing from context")
		}
		w.Write([]byte(claims.Subject))
	}))

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rec.Code)
	}

	// Valid token, missing scope.
	raw := ti.sign(t, jwt.MapClaims{"sub": "user-1", "scope": "openid"})
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing scope: status = %d, want 403", rec.Code)
	}

	// Valid token with scope.
	raw = ti.sign(t, jwt.MapClaims{"sub": "user-1", "scope": "openid read:items"})
	req = httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "user-1" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
