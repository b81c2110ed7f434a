package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded flow defaults.
const (
	DefaultLoginTTLSeconds   = 600
	DefaultRefreshTTLSeconds = 30 * 24 * 60 * 60
	DefaultRateThreshold     = 10
	DefaultRateWindowSeconds = 60
	DefaultProviderTimeout   = 15
	DefaultReturnPath        = "/dashboard"
	DefaultErrorPath         = "/login"
)

// Config captures the full broker configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Cookies   CookieConfig    `yaml:"cookies"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Login     LoginConfig     `yaml:"login"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// ProviderConfig encapsulates the upstream IdP. Either issuer (discovery) or
// explicit authorize/token URLs must be set. There is deliberately no
// client_secret field: the broker is a public client and PKCE replaces it.
type ProviderConfig struct {
	Issuer         string   `yaml:"issuer"`
	AuthorizeURL   string   `yaml:"authorize_url"`
	TokenURL       string   `yaml:"token_url"`
	LogoutURL      string   `yaml:"logout_url"`
	ClientID       string   `yaml:"client_id"`
	RedirectURI    string   `yaml:"redirect_uri"`
	Scopes         []string `yaml:"scopes"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`

	// Derived, not serialized.
	Timeout time.Duration `yaml:"-"`
}

// CookieConfig controls the session cipher and cookie lifetimes.
type CookieConfig struct {
	Secret            string `yaml:"secret"`
	LoginTTLSeconds   int    `yaml:"login_ttl_seconds"`
	RefreshTTLSeconds int    `yaml:"refresh_ttl_seconds"`
	AllowPlaintext    bool   `yaml:"allow_plaintext"`
}

// RateLimitConfig bounds login/refresh attempt frequency per client.
type RateLimitConfig struct {
	Threshold     int `yaml:"threshold"`
	WindowSeconds int `yaml:"window_seconds"`
}

// LoginConfig governs post-login redirects and the failure landing page.
type LoginConfig struct {
	AllowedReturnPaths []string `yaml:"allowed_return_paths"`
	DefaultReturnPath  string   `yaml:"default_return_path"`
	ErrorPath          string   `yaml:"error_path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration validation failed", "error", err)
		return Config{}, err
	}

	cfg.normalize()
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir: ".secrets/tls",
			},
		},
		Provider: ProviderConfig{
			Scopes:         []string{"openid", "profile", "email"},
			TimeoutSeconds: DefaultProviderTimeout,
		},
		Cookies: CookieConfig{
			LoginTTLSeconds:   DefaultLoginTTLSeconds,
			RefreshTTLSeconds: DefaultRefreshTTLSeconds,
		},
		RateLimit: RateLimitConfig{
			Threshold:     DefaultRateThreshold,
			WindowSeconds: DefaultRateWindowSeconds,
		},
		Login: LoginConfig{
			AllowedReturnPaths: []string{DefaultReturnPath},
			DefaultReturnPath:  DefaultReturnPath,
			ErrorPath:          DefaultErrorPath,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHD_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"AUTHD_COOKIE_SECRET":          func(v string) { cfg.Cookies.Secret = v },
		"AUTHD_PROVIDER_ISSUER":        func(v string) { cfg.Provider.Issuer = v },
		"AUTHD_PROVIDER_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"AUTHD_PROVIDER_REDIRECT_URI":  func(v string) { cfg.Provider.RedirectURI = v },
		"AUTHD_PROVIDER_LOGOUT_URL":    func(v string) { cfg.Provider.LogoutURL = v },
		"AUTHD_PROVIDER_SCOPES":        func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. The cookie secret check is
// the fatal-startup guard: a production configuration without a secret (or
// with the plaintext fallback) must never come up.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if !c.Server.DevMode {
		if c.Cookies.Secret == "" {
			return errors.New("cookies.secret is required in production")
		}
		if c.Cookies.AllowPlaintext {
			return errors.New("cookies.allow_plaintext must not be set in production")
		}
	}

	if c.Provider.Issuer == "" && (c.Provider.AuthorizeURL == "" || c.Provider.TokenURL == "") {
		return errors.New("provider.issuer or provider.authorize_url+token_url is required")
	}
	if c.Provider.ClientID == "" {
		return errors.New("provider.client_id is required")
	}
	if uri := c.Provider.RedirectURI; uri != "" {
		if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
			return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %s", uri)
		}
	}

	if c.Login.DefaultReturnPath != "" {
		if err := validReturnPath(c.Login.DefaultReturnPath); err != nil {
			return fmt.Errorf("login.default_return_path: %w", err)
		}
	}
	if c.Login.ErrorPath != "" {
		if err := validReturnPath(c.Login.ErrorPath); err != nil {
			return fmt.Errorf("login.error_path: %w", err)
		}
	}
	for i, p := range c.Login.AllowedReturnPaths {
		entry := strings.TrimSuffix(p, "/*")
		if err := validReturnPath(entry); err != nil {
			return fmt.Errorf("login.allowed_return_paths[%d]: %w", i, err)
		}
	}

	if c.RateLimit.Threshold < 1 {
		return errors.New("rate_limit.threshold must be at least 1")
	}
	if c.RateLimit.WindowSeconds < 1 {
		return errors.New("rate_limit.window_seconds must be at least 1")
	}

	return nil
}

func validReturnPath(p string) error {
	switch {
	case p == "":
		return errors.New("path is empty")
	case !strings.HasPrefix(p, "/"):
		return fmt.Errorf("path %q must start with /", p)
	case strings.HasPrefix(p, "//"):
		return fmt.Errorf("path %q must not start with //", p)
	case strings.Contains(p, "://"), strings.Contains(p, "\\"):
		return fmt.Errorf("path %q must be a relative path", p)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Provider.RedirectURI == "" {
		c.Provider.RedirectURI = strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback"
	}
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = DefaultProviderTimeout
	}
	c.Provider.Timeout = time.Duration(c.Provider.TimeoutSeconds) * time.Second
	if c.Cookies.LoginTTLSeconds <= 0 {
		c.Cookies.LoginTTLSeconds = DefaultLoginTTLSeconds
	}
	if c.Cookies.RefreshTTLSeconds <= 0 {
		c.Cookies.RefreshTTLSeconds = DefaultRefreshTTLSeconds
	}
	if c.Login.DefaultReturnPath == "" {
		c.Login.DefaultReturnPath = DefaultReturnPath
	}
	if c.Login.ErrorPath == "" {
		c.Login.ErrorPath = DefaultErrorPath
	}
	if len(c.Login.AllowedReturnPaths) == 0 {
		c.Login.AllowedReturnPaths = []string{c.Login.DefaultReturnPath}
	}
	if len(c.Provider.Scopes) == 0 {
		c.Provider.Scopes = []string{"openid", "profile", "email"}
	}
}

// RateWindow returns the configured window as a duration.
func (c RateLimitConfig) RateWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// LoginTTL returns the login-session hard TTL as a duration.
func (c Config) LoginTTL() time.Duration {
	return time.Duration(c.Cookies.LoginTTLSeconds) * time.Second
}
