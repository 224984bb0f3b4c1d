// Package config loads the storefront API configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. It is constructed once at
// startup and injected into every component; nothing reads it ambiently.
type Config struct {
	// Environment selects runtime behavior; "dev" disables response caching
	// and enables developer diagnostics.
	Environment string `yaml:"environment"`
	ListenAddr  string `yaml:"listen_addr"`

	// BaseWebURL is the public storefront site, used for alternate links
	// and media URLs.
	BaseWebURL string `yaml:"base_web_url"`

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Cart      CartConfig      `yaml:"cart"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LogLevel  string          `yaml:"log_level"`
}

// AuthConfig configures session token issuance.
type AuthConfig struct {
	// JWTSecret signs session tokens (HS256).
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// CacheConfig configures the response cache gate.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`

	// DefaultTTL applies to resources without an explicit lifetime.
	// Zero disables caching for that resource.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// ResourceTTLs overrides DefaultTTL per resource name, e.g.
	// "event: 5m". A zero override disables caching for that resource.
	ResourceTTLs map[string]time.Duration `yaml:"resource_ttls"`

	// RefreshChance is the probability [0,1) that a lookup is treated as a
	// miss to stagger re-population. Zero disables sampled refresh.
	RefreshChance float64 `yaml:"refresh_chance"`
}

// TTLFor returns the cache lifetime for a resource, falling back to the
// default when no override exists.
func (c CacheConfig) TTLFor(resource string) time.Duration {
	if ttl, ok := c.ResourceTTLs[resource]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// CartConfig configures cart lifecycle behavior.
type CartConfig struct {
	// ShelfLife is the advisory window before an idle cart expires.
	ShelfLife time.Duration `yaml:"shelf_life"`
}

// RateLimitConfig configures per-caller request limits.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// IsDev reports whether the API runs in a development environment.
func (c *Config) IsDev() bool { return c.Environment == "dev" }

// Load reads config/api.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "api.yaml"))
}

// LoadFromPath reads configuration from a specific file, then applies
// environment-variable overrides for deployment-sensitive values.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults plus
// environment overrides when no file is present.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Environment: "dev",
		ListenAddr:  ":8080",
		BaseWebURL:  "http://localhost:8081",
		LogLevel:    "info",
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			DefaultTTL: time.Hour,
		},
		Cart: CartConfig{
			ShelfLife: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STOREFRONT_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("STOREFRONT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("STOREFRONT_BASE_WEB_URL"); v != "" {
		c.BaseWebURL = v
	}
	if v := os.Getenv("STOREFRONT_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STOREFRONT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("STOREFRONT_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
		c.Cache.Backend = "redis"
	}
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.RefreshChance < 0 || c.Cache.RefreshChance >= 1 {
		return fmt.Errorf("cache refresh_chance must be in [0,1)")
	}
	if c.Environment != "dev" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required outside dev")
	}
	return nil
}
