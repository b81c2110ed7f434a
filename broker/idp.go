package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider is the minimal behaviour the broker needs from the
// upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	LogoutURL(logoutURI string) (string, error)
}

// TokenResponse carries the IdP token endpoint's reply. Access and ID tokens
// are relayed in-memory only; the broker never persists them.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

// OIDCProvider talks to a single upstream IdP as a public client: PKCE
// replaces the client secret, so no secret is ever configured or transmitted.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logoutURL   string
	clientID    string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOIDCProvider initialises the provider via OIDC discovery and prepares an
// ID-token verifier keyed to our client ID.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("provider issuer required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("provider client_id required")
	}

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p := &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Endpoint:    endpoint,
			Scopes:      cfg.Scopes,
		},
		verifier:  op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logoutURL: cfg.LogoutURL,
		clientID:  cfg.ClientID,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
	return p, nil
}

// NewStaticProvider builds a provider from explicit endpoint URLs, for IdPs
// without discovery and for tests. ID tokens are relayed unverified in this
// mode; prefer discovery where the issuer supports it.
func NewStaticProvider(cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("provider authorize_url and token_url required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("provider client_id required")
	}

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		logoutURL: cfg.LogoutURL,
		clientID:  cfg.ClientID,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

// AuthCodeURL constructs the authorization request with the S256 challenge.
func (p *OIDCProvider) AuthCodeURL(state, nonce, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange redeems the authorization code with the stored verifier. The ID
// token, when a verifier is configured, is checked for signature, audience,
// and nonce before being relayed.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (*TokenResponse, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, exchangeError(ExchangeAuthorizationCode, err)
	}

	resp := responseFromToken(tok)

	if p.verifier != nil && resp.IDToken != "" {
		idToken, err := p.verifier.Verify(ctx, resp.IDToken)
		if err != nil {
			return nil, &ExchangeError{Kind: ExchangeAuthorizationCode, Err: fmt.Errorf("verify id_token: %w", err)}
		}
		if expectedNonce != "" && idToken.Nonce != expectedNonce {
			return nil, &ExchangeError{Kind: ExchangeAuthorizationCode, Err: errors.New("nonce mismatch")}
		}
	}

	return resp, nil
}

// Refresh exchanges the refresh token for a new token set. A rotated refresh
// token, when the IdP returns one, appears in the response and must replace
// the stored value.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, exchangeError(ExchangeRefreshToken, err)
	}

	resp := responseFromToken(tok)
	if resp.RefreshToken == refreshToken {
		// Not rotated; don't ask the caller to rewrite the cookie.
		resp.RefreshToken = ""
	}
	return resp, nil
}

// LogoutURL builds the IdP logout redirect carrying client_id and logout_uri.
func (p *OIDCProvider) LogoutURL(logoutURI string) (string, error) {
	if p.logoutURL == "" {
		return "", errors.New("provider logout_url not configured")
	}
	u, err := url.Parse(p.logoutURL)
	if err != nil {
		return "", fmt.Errorf("parse logout url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", p.clientID)
	q.Set("logout_uri", logoutURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *OIDCProvider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func responseFromToken(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Seconds()); secs > 0 {
			resp.ExpiresIn = secs
		}
	}
	return resp
}

func exchangeError(kind ExchangeKind, err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &ExchangeError{
			Kind:        kind,
			StatusCode:  re.Response.StatusCode,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Err:         err,
		}
	}
	return &ExchangeError{Kind: kind, Err: err}
}
