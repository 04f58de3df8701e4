package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/fhir-gateway/internal/platform/middleware"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	FHIRBase       string        `mapstructure:"FHIR_BASE"`
	BackendTimeout time.Duration `mapstructure:"BACKEND_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	// Per client address across tenants; zero uses the tenant budget.
	RateLimitClientRPS   float64 `mapstructure:"RATE_LIMIT_CLIENT_RPS"`
	RateLimitClientBurst int     `mapstructure:"RATE_LIMIT_CLIENT_BURST"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
}

const defaultFHIRBase = "http://localhost:8080/fhir"

var keys = []string{
	"PORT", "ENV", "FHIR_BASE", "HAPI_URL", "BACKEND_TIMEOUT", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RATE_LIMIT_CLIENT_RPS", "RATE_LIMIT_CLIENT_BURST",
	"REDIS_URL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
}

// Load reads .env when present, then the environment. Nothing is required:
// the gateway runs without Redis or Postgres.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3001")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND_TIMEOUT", "15s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.FHIRBase == "" {
		cfg.FHIRBase = v.GetString("HAPI_URL")
	}
	if cfg.FHIRBase == "" {
		cfg.FHIRBase = defaultFHIRBase
	}
	cfg.FHIRBase = strings.TrimRight(cfg.FHIRBase, "/")

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

// BodyLimitBytes is the parsed BODY_LIMIT.
func (c *Config) BodyLimitBytes() int64 {
	return middleware.ParseLimit(c.BodyLimit)
}

// RateLimit is the limiter configuration.
func (c *Config) RateLimit() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerSecond:       c.RateLimitRPS,
		BurstSize:               c.RateLimitBurst,
		ClientRequestsPerSecond: c.RateLimitClientRPS,
		ClientBurstSize:         c.RateLimitClientBurst,
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if err := checkURL("FHIR_BASE", c.FHIRBase, "http", "https"); err != nil {
		return err
	}
	if c.RedisURL != "" {
		if err := checkURL("REDIS_URL", c.RedisURL, "redis", "rediss"); err != nil {
			return err
		}
	}
	if c.DatabaseURL != "" {
		if err := checkURL("DATABASE_URL", c.DatabaseURL, "postgres", "postgresql"); err != nil {
			return err
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
		}
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1, got %d", c.RateLimitBurst)
	}
	if c.RateLimitClientRPS < 0 || c.RateLimitClientBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_CLIENT_RPS and RATE_LIMIT_CLIENT_BURST must not be negative")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s has no host: %q", name, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", name, schemes, u.Scheme)
}
