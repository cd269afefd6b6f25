package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file and environment are read.
const (
	DefaultSessionTTL  = 12 * time.Hour
	DefaultPendingTTL  = 10 * time.Minute
	DefaultHTTPTimeout = 10 * time.Second
	DefaultClockSkew   = 5 * time.Minute
	DefaultCookieName  = "bffd_session"
)

// Signature verification modes for ID tokens.
const (
	SignatureRemote   = "remote"
	SignatureStatic   = "static"
	SignatureDisabled = "disabled"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Roles    RolesConfig    `yaml:"roles"`
	Frontend FrontendConfig `yaml:"frontend"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string          `yaml:"public_url" validate:"required,url"`
	DevListenAddr   string          `yaml:"dev_listen_addr"`
	HTTPListenAddr  string          `yaml:"http_listen_addr"`
	HTTPSListenAddr string          `yaml:"https_listen_addr"`
	DevMode         bool            `yaml:"dev_mode"`
	TLS             TLSConfig       `yaml:"tls"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// CORSConfig lists origins allowed to call /me and /logout with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig bounds /login and /callback per client IP. Requests=0 disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window"`
}

// OIDCConfig describes the upstream identity provider.
type OIDCConfig struct {
	Issuer                string        `yaml:"issuer" validate:"omitempty,url"`
	DiscoveryURL          string        `yaml:"discovery_url" validate:"omitempty,url"`
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"`
	Scopes                []string      `yaml:"scopes"`
	RedirectURI           string        `yaml:"redirect_uri" validate:"omitempty,url"`
	HTTPTimeout           time.Duration `yaml:"http_timeout"`
	ClockSkew             time.Duration `yaml:"clock_skew"`
	SignatureVerification string        `yaml:"signature_verification" validate:"oneof=remote static disabled"`
	JWKSFile              string        `yaml:"jwks_file"`
}

// RolesConfig holds the admin allowlist.
type RolesConfig struct {
	AdminEmails []string `yaml:"admin_emails"`
}

// FrontendConfig points at the browser application.
type FrontendConfig struct {
	BaseURL   string `yaml:"base_url" validate:"required,url"`
	ErrorPath string `yaml:"error_path"`
}

// SessionsConfig selects the session backend and cookie attributes.
type SessionsConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL        time.Duration `yaml:"ttl"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	Cookie     CookieConfig  `yaml:"cookie"`
	Redis      RedisConfig   `yaml:"redis"`
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name     string `yaml:"name"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site" validate:"oneof=lax strict none"`
	Domain   string `yaml:"domain"`
}

// RedisConfig configures the redis session backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file (optional) and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
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
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
			RateLimit: RateLimitConfig{
				Requests: 30,
				Window:   time.Minute,
			},
		},
		OIDC: OIDCConfig{
			Scopes:                []string{"openid", "profile", "email"},
			HTTPTimeout:           DefaultHTTPTimeout,
			ClockSkew:             DefaultClockSkew,
			SignatureVerification: SignatureRemote,
		},
		Frontend: FrontendConfig{
			BaseURL:   "http://127.0.0.1:3000",
			ErrorPath: "/auth/error",
		},
		Sessions: SessionsConfig{
			Backend:    "memory",
			TTL:        DefaultSessionTTL,
			PendingTTL: DefaultPendingTTL,
			Cookie: CookieConfig{
				Name:     DefaultCookieName,
				SameSite: "lax",
			},
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "bffd:session:",
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
		"BFFD_SERVER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"BFFD_SERVER_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"BFFD_SERVER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"BFFD_SERVER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BFFD_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BFFD_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BFFD_SERVER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"BFFD_SERVER_CORS_ORIGINS":         func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"BFFD_OIDC_ISSUER":                 func(v string) { cfg.OIDC.Issuer = v },
		"BFFD_OIDC_DISCOVERY_URL":          func(v string) { cfg.OIDC.DiscoveryURL = v },
		"BFFD_OIDC_CLIENT_ID":              func(v string) { cfg.OIDC.ClientID = v },
		"BFFD_OIDC_CLIENT_SECRET":          func(v string) { cfg.OIDC.ClientSecret = v },
		"BFFD_OIDC_SCOPES":                 func(v string) { cfg.OIDC.Scopes = splitScopes(v) },
		"BFFD_OIDC_REDIRECT_URI":           func(v string) { cfg.OIDC.RedirectURI = v },
		"BFFD_OIDC_HTTP_TIMEOUT":           func(v string) { cfg.OIDC.HTTPTimeout = parseDuration(v, cfg.OIDC.HTTPTimeout) },
		"BFFD_OIDC_CLOCK_SKEW":             func(v string) { cfg.OIDC.ClockSkew = parseDuration(v, cfg.OIDC.ClockSkew) },
		"BFFD_OIDC_SIGNATURE_VERIFICATION": func(v string) { cfg.OIDC.SignatureVerification = strings.ToLower(strings.TrimSpace(v)) },
		"BFFD_OIDC_JWKS_FILE":              func(v string) { cfg.OIDC.JWKSFile = v },
		"BFFD_ADMIN_EMAILS":                func(v string) { cfg.Roles.AdminEmails = splitAndTrim(v) },
		"BFFD_FRONTEND_URL":                func(v string) { cfg.Frontend.BaseURL = v },
		"BFFD_FRONTEND_ERROR_PATH":         func(v string) { cfg.Frontend.ErrorPath = v },
		"BFFD_SESSION_BACKEND":             func(v string) { cfg.Sessions.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"BFFD_SESSION_TTL":                 func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"BFFD_SESSION_PENDING_TTL":         func(v string) { cfg.Sessions.PendingTTL = parseDuration(v, cfg.Sessions.PendingTTL) },
		"BFFD_COOKIE_NAME":                 func(v string) { cfg.Sessions.Cookie.Name = v },
		"BFFD_COOKIE_SECURE":               func(v string) { cfg.Sessions.Cookie.Secure = parseBool(v, cfg.Sessions.Cookie.Secure) },
		"BFFD_COOKIE_SAMESITE":             func(v string) { cfg.Sessions.Cookie.SameSite = strings.ToLower(strings.TrimSpace(v)) },
		"BFFD_COOKIE_DOMAIN":               func(v string) { cfg.Sessions.Cookie.Domain = v },
		"BFFD_REDIS_ADDR":                  func(v string) { cfg.Sessions.Redis.Addr = v },
		"BFFD_REDIS_PASSWORD":              func(v string) { cfg.Sessions.Redis.Password = v },
		"BFFD_REDIS_DB":                    func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
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

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
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

// splitScopes accepts either the OAuth space-separated form or a comma list.
func splitScopes(val string) []string {
	return strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate performs sanity checks on the config. Missing IdP credentials are
// not fatal here; they fail individual login requests instead (see MissingOIDCSettings).
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				slog.Error("Invalid configuration value", "field", fe.Namespace(), "rule", fe.Tag(), "value", fe.Value())
			}
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.OIDC.SignatureVerification == SignatureStatic && c.OIDC.JWKSFile == "" {
		slog.Error("Missing required configuration", "field", "oidc.jwks_file", "reason", "required when signature_verification is static")
		return errors.New("oidc.jwks_file is required when oidc.signature_verification is static")
	}

	if c.Sessions.Cookie.SameSite == "none" && !c.Sessions.Cookie.Secure {
		slog.Error("Invalid cookie configuration", "field", "sessions.cookie.same_site", "reason", "SameSite=None requires secure cookies")
		return errors.New("sessions.cookie.same_site none requires sessions.cookie.secure")
	}

	if c.Sessions.Backend == "redis" && c.Sessions.Redis.Addr == "" {
		slog.Error("Missing required configuration", "field", "sessions.redis.addr")
		return errors.New("sessions.redis.addr is required for the redis backend")
	}

	if c.Sessions.TTL <= 0 || c.Sessions.PendingTTL <= 0 {
		return errors.New("sessions.ttl and sessions.pending_ttl must be positive")
	}

	if c.Sessions.Cookie.Name == "" {
		return errors.New("sessions.cookie.name is required")
	}

	if c.Frontend.ErrorPath != "" && !strings.HasPrefix(c.Frontend.ErrorPath, "/") {
		return fmt.Errorf("frontend.error_path must start with /, got: %s", c.Frontend.ErrorPath)
	}

	return nil
}

// MissingOIDCSettings lists settings a login attempt needs but the config lacks.
func (c Config) MissingOIDCSettings() []string {
	var missing []string
	if c.OIDC.Issuer == "" && c.OIDC.DiscoveryURL == "" {
		missing = append(missing, "oidc.issuer")
	}
	if c.OIDC.ClientID == "" {
		missing = append(missing, "oidc.client_id")
	}
	if c.OIDC.ClientSecret == "" {
		missing = append(missing, "oidc.client_secret")
	}
	if c.OIDC.RedirectURI == "" {
		missing = append(missing, "oidc.redirect_uri")
	}
	return missing
}

// SameSiteMode converts the configured same_site value.
func (c CookieConfig) SameSiteMode() http.SameSite {
	switch c.SameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// ErrorURL returns the frontend URL used for failed logins, carrying code as ?error=.
func (f FrontendConfig) ErrorURL(code string) string {
	u, err := url.Parse(strings.TrimSuffix(f.BaseURL, "/") + f.ErrorPath)
	if err != nil {
		return f.BaseURL
	}
	q := u.Query()
	q.Set("error", code)
	u.RawQuery = q.Encode()
	return u.String()
}

// InferCORSOrigins returns configured origins plus the frontend origin.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	add := func(raw string) {
		origin := extractOrigin(raw)
		if origin == "" || seen[origin] {
			return
		}
		seen[origin] = true
		origins = append(origins, origin)
	}

	add(c.Frontend.BaseURL)
	for _, o := range c.Server.CORS.AllowedOrigins {
		add(o)
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
