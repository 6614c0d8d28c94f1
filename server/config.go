package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authgate/auth"
)

// Hardcoded lifetime defaults, overridable per config.
const (
	DefaultSessionMaxAge   = 15 * 24 * time.Hour
	DefaultProviderTimeout = 5 * time.Second
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Auth      AuthConfig     `yaml:"auth"`
	Providers []ProviderSpec `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// AuthConfig holds the protocol engine settings.
type AuthConfig struct {
	AppName         string         `yaml:"app_name"`
	BasePath        string         `yaml:"base_path"`
	Secret          string         `yaml:"secret"`
	SessionMaxAge   string         `yaml:"session_max_age"`
	ProviderTimeout string         `yaml:"provider_timeout"`
	TrustedOrigins  []string       `yaml:"trusted_origins"`
	Cookies         CookieSettings `yaml:"cookies"`
}

// CookieSettings configures the cookie security strategy.
type CookieSettings struct {
	Strategy string `yaml:"strategy"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	SameSite string `yaml:"same_site"`
}

// ProviderSpec declares one provider. Exactly one of name (built-in),
// issuer (OIDC discovery) or the explicit endpoint triple applies.
type ProviderSpec struct {
	Name         string `yaml:"name"`
	ID           string `yaml:"id"`
	Issuer       string `yaml:"issuer"`
	AuthorizeURL string `yaml:"authorize_url"`
	TokenURL     string `yaml:"token_url"`
	UserInfoURL  string `yaml:"userinfo_url"`
	Scope        string `yaml:"scope"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

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
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Auth: AuthConfig{
			AppName:  "authgate",
			BasePath: "/auth",
			Cookies: CookieSettings{
				Strategy: "standard",
				Path:     "/",
				SameSite: "lax",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHGATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHGATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHGATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHGATE_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHGATE_AUTH_SECRET":              func(v string) { cfg.Auth.Secret = v },
		"AUTHGATE_AUTH_APP_NAME":            func(v string) { cfg.Auth.AppName = v },
		"AUTHGATE_AUTH_TRUSTED_ORIGINS":     func(v string) { cfg.Auth.TrustedOrigins = splitAndTrim(v) },
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

var validCookieStrategies = map[string]auth.CookieStrategy{
	"standard": auth.StrategyStandard,
	"secure":   auth.StrategySecure,
	"host":     auth.StrategyHost,
}

var validSameSiteModes = map[string]http.SameSite{
	"lax":    http.SameSiteLaxMode,
	"strict": http.SameSiteStrictMode,
	"none":   http.SameSiteNoneMode,
}

// Validate performs sanity checks on the config. Secret strength is checked
// here so weak keys never reach the request path.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		if c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if err := auth.ValidateSecret(c.Auth.Secret); err != nil {
		slog.Error("Rejected auth secret", "field", "auth.secret", "error", err)
		return fmt.Errorf("auth.secret: %w", err)
	}
	if c.Auth.AppName == "" {
		return errors.New("auth.app_name is required")
	}
	if !strings.HasPrefix(c.Auth.BasePath, "/") {
		return fmt.Errorf("auth.base_path must start with /, got: %s", c.Auth.BasePath)
	}

	if _, ok := validCookieStrategies[c.Auth.Cookies.Strategy]; !ok {
		slog.Error("Invalid cookie strategy", "field", "auth.cookies.strategy", "value", c.Auth.Cookies.Strategy)
		return fmt.Errorf("auth.cookies.strategy must be standard, secure or host, got: %s", c.Auth.Cookies.Strategy)
	}
	if c.Auth.Cookies.SameSite != "" {
		if _, ok := validSameSiteModes[c.Auth.Cookies.SameSite]; !ok {
			return fmt.Errorf("auth.cookies.same_site must be lax, strict or none, got: %s", c.Auth.Cookies.SameSite)
		}
	}
	if c.Auth.Cookies.Strategy == "host" && c.Auth.Cookies.Domain != "" {
		slog.Error("Cookie strategy conflict", "strategy", "host", "domain", c.Auth.Cookies.Domain)
		return errors.New("auth.cookies.domain cannot be set with the host strategy")
	}

	if c.Auth.SessionMaxAge != "" {
		if _, err := time.ParseDuration(c.Auth.SessionMaxAge); err != nil {
			return fmt.Errorf("auth.session_max_age: invalid duration '%s': %w", c.Auth.SessionMaxAge, err)
		}
	}
	if c.Auth.ProviderTimeout != "" {
		if _, err := time.ParseDuration(c.Auth.ProviderTimeout); err != nil {
			return fmt.Errorf("auth.provider_timeout: invalid duration '%s': %w", c.Auth.ProviderTimeout, err)
		}
	}

	for i, origin := range c.Auth.TrustedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			slog.Error("Invalid trusted origin", "index", i, "origin", origin)
			return fmt.Errorf("auth.trusted_origins[%d] must start with http:// or https://, got: %s", i, origin)
		}
	}

	if len(c.Providers) == 0 {
		slog.Error("No providers configured", "field", "providers")
		return errors.New("at least one provider must be configured")
	}
	for i, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
	}

	return nil
}

func (p ProviderSpec) validate() error {
	switch {
	case p.Name != "":
		if p.ID != "" || p.Issuer != "" || p.AuthorizeURL != "" {
			return fmt.Errorf("built-in provider %s takes no additional fields", p.Name)
		}
		return nil
	case p.ID == "":
		return errors.New("provider needs a name (built-in) or an id")
	case p.Issuer != "":
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("provider %s: issuer-based providers need client_id and client_secret", p.ID)
		}
		return nil
	default:
		if p.AuthorizeURL == "" || p.TokenURL == "" || p.UserInfoURL == "" {
			return fmt.Errorf("provider %s: authorize_url, token_url and userinfo_url are required", p.ID)
		}
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("provider %s: client_id and client_secret are required", p.ID)
		}
		return nil
	}
}

// SessionMaxAge returns the configured session lifetime.
func (c Config) SessionMaxAge() time.Duration {
	if c.Auth.SessionMaxAge == "" {
		return DefaultSessionMaxAge
	}
	d, err := time.ParseDuration(c.Auth.SessionMaxAge)
	if err != nil {
		return DefaultSessionMaxAge
	}
	return d
}

// ProviderTimeout returns the outbound provider call deadline.
func (c Config) ProviderTimeout() time.Duration {
	if c.Auth.ProviderTimeout == "" {
		return DefaultProviderTimeout
	}
	d, err := time.ParseDuration(c.Auth.ProviderTimeout)
	if err != nil {
		return DefaultProviderTimeout
	}
	return d
}

// CookieConfig maps the YAML cookie settings onto the engine policy.
func (c Config) CookieConfig() auth.CookieConfig {
	return auth.CookieConfig{
		AppName:  c.Auth.AppName,
		Strategy: validCookieStrategies[c.Auth.Cookies.Strategy],
		Domain:   c.Auth.Cookies.Domain,
		Path:     c.Auth.Cookies.Path,
		SameSite: validSameSiteModes[c.Auth.Cookies.SameSite],
	}
}

// EnvPrefix derives the environment variable prefix for provider
// credentials from the app name.
func (c Config) EnvPrefix() string {
	prefix := strings.ToUpper(c.Auth.AppName)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, prefix)
}
