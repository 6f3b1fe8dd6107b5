package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/freeagent-mcp/internal/auth"
	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for freeagent-mcp.
type Config struct {
	// FreeAgent OAuth application credentials (required). The app's
	// redirect URI must be SERVER_URL + /oauth/callback.
	FreeAgentClientID     string `env:"FREEAGENT_CLIENT_ID"`
	FreeAgentClientSecret string `env:"FREEAGENT_CLIENT_SECRET"`

	// Use the FreeAgent sandbox instead of production.
	FreeAgentSandbox bool `env:"FREEAGENT_SANDBOX" envDefault:"false"`

	// Explicit FreeAgent base URL. Overrides FREEAGENT_SANDBOX.
	FreeAgentBaseURL string `env:"FREEAGENT_BASE_URL"`

	// Externally visible base URL of this server (required).
	ServerURL  string `env:"SERVER_URL"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// Token signing secret. Empty generates a per-process secret.
	JWTSecret string `env:"JWT_SECRET"`

	// Overrides the upstream expires_in for proxy access tokens.
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL"`

	// Path of the bbolt revocation denylist. Empty disables revocation.
	RevocationDBPath string `env:"REVOCATION_DB_PATH"`

	// Telemetry
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", apperrors.ErrConfiguration, err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.FreeAgentBaseURL = strings.TrimRight(cfg.FreeAgentBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FreeAgentClientID == "" {
		return fmt.Errorf("FREEAGENT_CLIENT_ID is required")
	}

	if c.FreeAgentClientSecret == "" {
		return fmt.Errorf("FREEAGENT_CLIENT_SECRET is required")
	}

	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if err := requireAbsoluteURL("SERVER_URL", c.ServerURL); err != nil {
		return err
	}

	if c.FreeAgentBaseURL != "" {
		if err := requireAbsoluteURL("FREEAGENT_BASE_URL", c.FreeAgentBaseURL); err != nil {
			return err
		}
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < auth.MinSigningSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", auth.MinSigningSecretLen)
	}

	if c.AccessTokenTTL < 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must not be negative")
	}

	return nil
}

func requireAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}

	return nil
}

// UpstreamBaseURL returns the FreeAgent host to use.
func (c *Config) UpstreamBaseURL() string {
	if c.FreeAgentBaseURL != "" {
		return c.FreeAgentBaseURL
	}

	return auth.BaseURLFor(c.FreeAgentSandbox)
}

// CallbackURL returns the redirect URI registered with FreeAgent.
func (c *Config) CallbackURL() string {
	return auth.CallbackURL(c.ServerURL)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
