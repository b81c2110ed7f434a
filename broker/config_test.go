package broker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.Provider.Issuer = "https://idp.example.com"
	cfg.Provider.ClientID = "test-client"
	return cfg
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  public_url: http://127.0.0.1:9999
  dev_mode: true
provider:
  issuer: https://idp.example.com
  client_id: my-client
cookies:
  secret: file-secret
  refresh_ttl_seconds: 86400
login:
  allowed_return_paths: ["/home", "/app/*"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.ClientID != "my-client" {
		t.Errorf("client_id = %q", cfg.Provider.ClientID)
	}
	if cfg.Cookies.RefreshTTLSeconds != 86400 {
		t.Errorf("refresh ttl = %d", cfg.Cookies.RefreshTTLSeconds)
	}
	if got := cfg.Provider.RedirectURI; got != "http://127.0.0.1:9999/auth/callback" {
		t.Errorf("derived redirect uri = %q", got)
	}
	if cfg.Provider.Timeout != 15*time.Second {
		t.Errorf("provider timeout = %v", cfg.Provider.Timeout)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  public_url: http://127.0.0.1:9999
  dev_mode: true
  no_such_field: true
provider:
  issuer: https://idp.example.com
  client_id: my-client
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  public_url: http://127.0.0.1:9999
  dev_mode: true
provider:
  issuer: https://idp.example.com
  client_id: file-client
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AUTHD_PROVIDER_CLIENT_ID", "env-client")
	t.Setenv("AUTHD_COOKIE_SECRET", "env-secret")
	t.Setenv("AUTHD_PROVIDER_SCOPES", "openid, email")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.ClientID != "env-client" {
		t.Errorf("client_id = %q, want env override", cfg.Provider.ClientID)
	}
	if cfg.Cookies.Secret != "env-secret" {
		t.Errorf("cookie secret not overridden")
	}
	if len(cfg.Provider.Scopes) != 2 || cfg.Provider.Scopes[1] != "email" {
		t.Errorf("scopes = %v", cfg.Provider.Scopes)
	}
}

func TestValidateProductionGuards(t *testing.T) {
	base := func() Config {
		cfg := validTestConfig()
		cfg.Server.DevMode = false
		cfg.Server.TLS.Domains = []string{"auth.example.com"}
		cfg.Cookies.Secret = "prod-secret"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid production config rejected: %v", err)
	}

	cfg := base()
	cfg.Cookies.Secret = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("missing production secret: err = %v", err)
	}

	cfg = base()
	cfg.Cookies.AllowPlaintext = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "plaintext") {
		t.Errorf("plaintext in production: err = %v", err)
	}

	cfg = base()
	cfg.Server.TLS.Domains = nil
	if err := cfg.Validate(); err == nil {
		t.Errorf("missing TLS domains accepted in production")
	}
}

func TestValidateProvider(t *testing.T) {
	cfg := validTestConfig()
	cfg.Provider.ClientID = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("missing client_id accepted")
	}

	cfg = validTestConfig()
	cfg.Provider.Issuer = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("provider without issuer or endpoints accepted")
	}

	cfg = validTestConfig()
	cfg.Provider.Issuer = ""
	cfg.Provider.AuthorizeURL = "https://idp.example.com/authorize"
	cfg.Provider.TokenURL = "https://idp.example.com/token"
	if err := cfg.Validate(); err != nil {
		t.Errorf("explicit endpoints rejected: %v", err)
	}
}

func TestValidReturnPath(t *testing.T) {
	valid := []string{"/", "/dashboard", "/app/items", "/a?b=c"}
	for _, p := range valid {
		if err := validReturnPath(p); err != nil {
			t.Errorf("validReturnPath(%q) = %v, want nil", p, err)
		}
	}

	invalid := []string{"", "dashboard", "//evil.com", "https://evil.com", "/a\\b"}
	for _, p := range invalid {
		if err := validReturnPath(p); err == nil {
			t.Errorf("validReturnPath(%q) accepted", p)
		}
	}
}

func TestValidateReturnPathConfig(t *testing.T) {
	cfg := validTestConfig()
	cfg.Login.AllowedReturnPaths = []string{"/app/*", "https://evil.com"}
	if err := cfg.Validate(); err == nil {
		t.Errorf("absolute URL in allow-list accepted")
	}

	cfg = validTestConfig()
	cfg.Login.DefaultReturnPath = "//evil.com"
	if err := cfg.Validate(); err == nil {
		t.Errorf("scheme-relative default return path accepted")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := validTestConfig()
	cfg.Cookies.LoginTTLSeconds = 0
	cfg.Cookies.RefreshTTLSeconds = 0
	cfg.Login.AllowedReturnPaths = nil
	cfg.Login.DefaultReturnPath = ""
	cfg.Login.ErrorPath = ""
	cfg.normalize()

	if cfg.Cookies.LoginTTLSeconds != DefaultLoginTTLSeconds {
		t.Errorf("login ttl = %d", cfg.Cookies.LoginTTLSeconds)
	}
	if cfg.Cookies.RefreshTTLSeconds != DefaultRefreshTTLSeconds {
		t.Errorf("refresh ttl = %d", cfg.Cookies.RefreshTTLSeconds)
	}
	if cfg.Login.DefaultReturnPath != DefaultReturnPath {
		t.Errorf("default return path = %q", cfg.Login.DefaultReturnPath)
	}
	if cfg.Login.ErrorPath != DefaultErrorPath {
		t.Errorf("error path = %q", cfg.Login.ErrorPath)
	}
	if len(cfg.Login.AllowedReturnPaths) != 1 || cfg.Login.AllowedReturnPaths[0] != DefaultReturnPath {
		t.Errorf("allowed return paths = %v", cfg.Login.AllowedReturnPaths)
	}
}

func TestRateWindow(t *testing.T) {
	c := RateLimitConfig{WindowSeconds: 90}
	if got := c.RateWindow(); got != 90*time.Second {
		t.Errorf("RateWindow() = %v", got)
	}
}
