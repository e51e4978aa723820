// Package config loads hitch settings from the environment and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	hitch "github.com/goliatone/go-hitch"
	"github.com/spf13/viper"
)

// Config holds hitch configuration loaded from the environment.
type Config struct {
	// Domain is the fixed email domain identities are created under.
	Domain string `mapstructure:"HITCH_DOMAIN"`
	// SigningKey is the HS256 secret used by the local identity provider.
	SigningKey string `mapstructure:"HITCH_SIGNING_KEY"`
	Issuer     string `mapstructure:"HITCH_ISSUER"`
	// Audience is a comma separated list of aud values.
	Audience        string        `mapstructure:"HITCH_AUDIENCE"`
	TokenExpiration time.Duration `mapstructure:"HITCH_TOKEN_EXPIRATION"`
	RefreshInterval time.Duration `mapstructure:"HITCH_REFRESH_INTERVAL"`
	LookupTimeout   time.Duration `mapstructure:"HITCH_LOOKUP_TIMEOUT"`
	// LookupStrategy is "username" or "username-then-email".
	LookupStrategy string `mapstructure:"HITCH_LOOKUP_STRATEGY"`
	CookieName     string `mapstructure:"HITCH_COOKIE_NAME"`
	CookiePath     string `mapstructure:"HITCH_COOKIE_PATH"`
	// JWKSURL enables verification of externally issued tokens.
	JWKSURL string `mapstructure:"HITCH_JWKS_URL"`

	// DatabaseDSN is the sqlite DSN, e.g. "file:hitch.db?cache=shared".
	DatabaseDSN string `mapstructure:"HITCH_DATABASE_DSN"`
	HTTPAddr    string `mapstructure:"HITCH_HTTP_ADDR"`
	BcryptCost  int    `mapstructure:"HITCH_BCRYPT_COST"`
	LogLevel    string `mapstructure:"HITCH_LOG_LEVEL"`

	// RedisAddr enables the redis token sidecar when set.
	RedisAddr     string `mapstructure:"HITCH_REDIS_ADDR"`
	RedisPassword string `mapstructure:"HITCH_REDIS_PASSWORD"`
}

var _ hitch.Config = (*Config)(nil)

// Load reads envFile (".env" when empty, missing files are ignored), then
// builds and validates Config from the environment. Env vars override the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("HITCH_DOMAIN", hitch.DefaultDomain)
	v.SetDefault("HITCH_SIGNING_KEY", "")
	v.SetDefault("HITCH_ISSUER", "hitch")
	v.SetDefault("HITCH_AUDIENCE", "")
	v.SetDefault("HITCH_TOKEN_EXPIRATION", "1h")
	v.SetDefault("HITCH_REFRESH_INTERVAL", hitch.DefaultRefreshInterval.String())
	v.SetDefault("HITCH_LOOKUP_TIMEOUT", hitch.DefaultLookupTimeout.String())
	v.SetDefault("HITCH_LOOKUP_STRATEGY", "username")
	v.SetDefault("HITCH_COOKIE_NAME", hitch.DefaultCookieName)
	v.SetDefault("HITCH_COOKIE_PATH", hitch.DefaultCookiePath)
	v.SetDefault("HITCH_JWKS_URL", "")
	v.SetDefault("HITCH_DATABASE_DSN", "file:hitch.db?cache=shared")
	v.SetDefault("HITCH_HTTP_ADDR", ":8080")
	v.SetDefault("HITCH_BCRYPT_COST", hitch.DefaultPasswordHashCost)
	v.SetDefault("HITCH_LOG_LEVEL", "info")
	v.SetDefault("HITCH_REDIS_ADDR", "")
	v.SetDefault("HITCH_REDIS_PASSWORD", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return errors.New("config: HITCH_DOMAIN must be set")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: HITCH_BCRYPT_COST must be between 4 and 31")
	}
	if c.RefreshInterval < 0 {
		return errors.New("config: HITCH_REFRESH_INTERVAL must not be negative")
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	return nil
}

// Strategy parses LookupStrategy.
func (c *Config) Strategy() (hitch.LookupStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(c.LookupStrategy)) {
	case "", "username":
		return hitch.LookupByUsername, nil
	case "username-then-email":
		return hitch.LookupByUsernameThenEmail, nil
	default:
		return hitch.LookupByUsername, errors.New("config: HITCH_LOOKUP_STRATEGY must be username or username-then-email")
	}
}

func (c *Config) GetDomain() string {
	return c.Domain
}

func (c *Config) GetSigningKey() string {
	return c.SigningKey
}

func (c *Config) GetIssuer() string {
	return c.Issuer
}

// GetAudience splits the comma separated audience.
func (c *Config) GetAudience() []string {
	if c == nil || c.Audience == "" {
		return nil
	}
	parts := strings.Split(c.Audience, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) GetTokenExpiration() time.Duration {
	return c.TokenExpiration
}

func (c *Config) GetRefreshInterval() time.Duration {
	return c.RefreshInterval
}

func (c *Config) GetLookupTimeout() time.Duration {
	return c.LookupTimeout
}

func (c *Config) GetCookieName() string {
	return c.CookieName
}

func (c *Config) GetCookiePath() string {
	return c.CookiePath
}

func (c *Config) GetJWKSURL() string {
	return c.JWKSURL
}
