package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password", "keyboard cat",
}

var defaultScopes = []string{"openid", "profile", "email", "User.Read"}

const callbackPath = "/auth/microsoft/callback"

type Config struct {
	Port              int    `env:"PORT" envDefault:"3000"`
	BaseURL           string `env:"BASE_URL,required"`
	DatabaseURL       string `env:"DATABASE_URL,required"`
	RedisURL          string `env:"REDIS_URL"`
	AzureClientID     string `env:"AZURE_CLIENT_ID,required"`
	AzureClientSecret string `env:"AZURE_CLIENT_SECRET,required"`
	AzureTenantID     string `env:"AZURE_TENANT_ID,required"`
	OAuthAuthURL      string `env:"OAUTH_AUTH_URL"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL"`
	SessionSecret     string `env:"SESSION_SECRET,required"`
	APISecret         string `env:"API_SECRET"`
	RateLimitPerMin   int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	SessionTTLMinutes int    `env:"SESSION_TTL_MINUTES" envDefault:"30"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"console"`
}

// ValidationError reports the first configuration field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) RedirectURI() string {
	return c.BaseURL + callbackPath
}

// AuthURLBase is the start-flow URL handed to clients, without the code value.
func (c *Config) AuthURLBase() string {
	return c.BaseURL + "/auth/microsoft"
}

func (c *Config) Scopes() []string {
	scopes := make([]string, len(defaultScopes))
	copy(scopes, defaultScopes)
	return scopes
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// OAuthEndpoint returns the Azure AD endpoint for the tenant unless both
// override URLs are set.
func (c *Config) OAuthEndpoint() oauth2.Endpoint {
	if c.OAuthAuthURL != "" && c.OAuthTokenURL != "" {
		return oauth2.Endpoint{
			AuthURL:   c.OAuthAuthURL,
			TokenURL:  c.OAuthTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return microsoft.AzureADEndpoint(c.AzureTenantID)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "BASE_URL", Reason: "must be an absolute http(s) URL"}
	}
	if strings.HasSuffix(c.BaseURL, "/") {
		return &ValidationError{Field: "BASE_URL", Reason: "must not end with a slash"}
	}

	if err := validateSecret("SESSION_SECRET", c.SessionSecret); err != nil {
		return err
	}

	if (c.OAuthAuthURL == "") != (c.OAuthTokenURL == "") {
		return &ValidationError{Field: "OAUTH_AUTH_URL", Reason: "OAUTH_AUTH_URL and OAUTH_TOKEN_URL must be set together"}
	}

	if c.RateLimitPerMin <= 0 {
		return &ValidationError{Field: "RATE_LIMIT_PER_MIN", Reason: "must be positive"}
	}
	if c.SessionTTLMinutes <= 0 {
		return &ValidationError{Field: "SESSION_TTL_MINUTES", Reason: "must be positive"}
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return &ValidationError{Field: "LOG_FORMAT", Reason: "must be console or json"}
	}

	if c.APISecret == "" {
		log.Warn().Msg("API_SECRET is empty: privileged endpoints will refuse every request")
	} else if len(c.APISecret) < 16 {
		log.Warn().Msg("API_SECRET is shorter than 16 characters")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: sessions and rate limits are kept in process memory")
	} else if c.SecureCookies() && strings.HasPrefix(c.RedisURL, "redis://") {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS): consider using rediss://")
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return &ValidationError{Field: name, Reason: "must be at least 32 characters (generate with: go run scripts/gen-secret.go)"}
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return &ValidationError{Field: name, Reason: "is a known weak default"}
		}
	}
	return nil
}

// String returns a representation safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %d, BaseURL: %s, DatabaseURL: %s, RedisURL: %s, AzureClientID: %s, AzureTenantID: %s, AzureClientSecret: [REDACTED], SessionSecret: [REDACTED], APISecret: %s, LogLevel: %s}",
		c.Port, c.BaseURL, maskURL(c.DatabaseURL), maskURL(c.RedisURL), c.AzureClientID, c.AzureTenantID, redacted(c.APISecret), c.LogLevel)
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_INVALID_URL]"
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
		}
	}
	return parsed.String()
}

func redacted(v string) string {
	if v == "" {
		return "[UNSET]"
	}
	return "[REDACTED]"
}

// Load reads an optional .env file, parses the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
