package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	AuthModeDevelopment = "development"
	AuthModeExternal    = "external"

	KeyExchangeLocal = "local"
	KeyExchangeVault = "vault"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant     string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	KeyExchange       string        `mapstructure:"KEY_EXCHANGE_BACKEND"`
	KeyExchangeSecret string        `mapstructure:"KEY_EXCHANGE_SECRET"`
	VaultAddr         string        `mapstructure:"VAULT_ADDR"`
	VaultToken        string        `mapstructure:"VAULT_TOKEN"`
	VaultTransitMount string        `mapstructure:"VAULT_TRANSIT_MOUNT"`
	VaultTransitKey   string        `mapstructure:"VAULT_TRANSIT_KEY"`
	ViewAwaitTimeout  time.Duration `mapstructure:"VIEW_AWAIT_TIMEOUT"`
	ViewSessionTTL    time.Duration `mapstructure:"VIEW_SESSION_IDLE_TTL"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"AUTH_MODE",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"DEFAULT_TENANT",
	"CORS_ORIGINS",
	"KEY_EXCHANGE_BACKEND",
	"KEY_EXCHANGE_SECRET",
	"VAULT_ADDR",
	"VAULT_TOKEN",
	"VAULT_TRANSIT_MOUNT",
	"VAULT_TRANSIT_KEY",
	"VIEW_AWAIT_TIMEOUT",
	"VIEW_SESSION_IDLE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KEY_EXCHANGE_BACKEND", KeyExchangeLocal)
	v.SetDefault("VAULT_TRANSIT_MOUNT", "transit")
	v.SetDefault("VAULT_TRANSIT_KEY", "rxvault")
	v.SetDefault("VIEW_AWAIT_TIMEOUT", "2s")
	v.SetDefault("VIEW_SESSION_IDLE_TTL", "15m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Warn().Msg("development auth is active: every request without a token is treated as admin; do not run this in production")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get development auth and everything else external JWT auth.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeExternal
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", AuthModeDevelopment)
		}
	case AuthModeExternal:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q", AuthModeExternal)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeExternal, c.AuthMode)
	}

	switch c.KeyExchange {
	case KeyExchangeLocal:
		if c.IsProduction() {
			return fmt.Errorf("KEY_EXCHANGE_BACKEND %q is not allowed in production", KeyExchangeLocal)
		}
		if c.KeyExchangeSecret == "" {
			return fmt.Errorf("KEY_EXCHANGE_SECRET is required for the local key exchange")
		}
		secret, err := hex.DecodeString(c.KeyExchangeSecret)
		if err != nil {
			return fmt.Errorf("KEY_EXCHANGE_SECRET is not valid hex: %w", err)
		}
		if len(secret) < 32 {
			return fmt.Errorf("KEY_EXCHANGE_SECRET must be at least 32 bytes (64 hex chars), got %d bytes", len(secret))
		}
	case KeyExchangeVault:
		if c.VaultAddr == "" || c.VaultToken == "" {
			return fmt.Errorf("VAULT_ADDR and VAULT_TOKEN are required for the vault key exchange")
		}
		if c.VaultTransitKey == "" {
			return fmt.Errorf("VAULT_TRANSIT_KEY is required for the vault key exchange")
		}
	default:
		return fmt.Errorf("KEY_EXCHANGE_BACKEND must be %q or %q, got %q", KeyExchangeLocal, KeyExchangeVault, c.KeyExchange)
	}

	if c.ViewAwaitTimeout <= 0 {
		return fmt.Errorf("VIEW_AWAIT_TIMEOUT must be positive")
	}
	if c.ViewSessionTTL <= 0 {
		return fmt.Errorf("VIEW_SESSION_IDLE_TTL must be positive")
	}
	return nil
}
