package config

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

// Drivers lists the supported database backends.
var Drivers = []string{"postgres", "mariadb", "sqlite"}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Log        LogConfig        `mapstructure:"log"`
	Thresholds ThresholdsConfig `mapstructure:"-"`
}

type ServerConfig struct {
	Host           string          `mapstructure:"host"`
	Port           int             `mapstructure:"port"`
	SessionSecret  string          `mapstructure:"session_secret"` // random per process when empty
	SessionTTL     time.Duration   `mapstructure:"session_ttl"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"` // localhost is always allowed
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of the auth endpoints.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxVisitors       int     `mapstructure:"max_visitors"`
}

type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`         // postgres, mariadb or sqlite
	URL          string        `mapstructure:"url"`            // connection URL, DSN or SQLite file path
	MaxOpenConns int           `mapstructure:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns int           `mapstructure:"max_idle_conns"` // Maximum idle connections (default 5)
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`   // bound on row lock waits inside write transactions
	AutoMigrate  bool          `mapstructure:"auto_migrate"`

	// IndexEnabled serves Nearest from an in-memory HNSW index. The index only
	// sees writes made through this process, so enable it only when a single
	// server owns the database: no replicas, and no accounts import or delete
	// while it runs.
	IndexEnabled bool   `mapstructure:"index_enabled"`
	IndexPath    string `mapstructure:"index_path"` // Path to persist the HNSW index (optional)
}

type MatcherConfig struct {
	Model       string  `mapstructure:"model"`
	Threshold   float64 `mapstructure:"threshold"` // overrides the model table when > 0
	Diagnostics bool    `mapstructure:"diagnostics"`
}

type ExtractorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type ThresholdsConfig struct {
	Default float64                   `yaml:"default"`
	Models  map[string]ModelThreshold `yaml:"models"`
}

type ModelThreshold struct {
	Distance    float64 `yaml:"distance"`
	Description string  `yaml:"description"`
}

// legacyEnv maps config keys to the plain environment variable names that
// are honoured next to the FACEID_ prefixed ones.
var legacyEnv = map[string]string{
	"database.url":            "DATABASE_URL",
	"database.max_open_conns": "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns": "DATABASE_MAX_IDLE_CONNS",
	"database.index_path":     "HNSW_INDEX_PATH",
	"extractor.url":           "EMBEDDING_URL",
	"server.host":             "WEB_HOST",
	"server.port":             "WEB_PORT",
	"server.session_secret":   "WEB_SESSION_SECRET",
	"server.allowed_origins":  "WEB_ALLOWED_ORIGINS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.session_secret", "")
	v.SetDefault("server.session_ttl", 24*time.Hour)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit.requests_per_second", 5.0)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("server.rate_limit.max_visitors", 10000)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.lock_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.index_enabled", false)
	v.SetDefault("database.index_path", "")

	v.SetDefault("matcher.model", "facenet512")
	v.SetDefault("matcher.threshold", 0.0)
	v.SetDefault("matcher.diagnostics", true)

	v.SetDefault("extractor.url", "http://localhost:8000")
	v.SetDefault("extractor.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix FACEID_).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FACEID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "FACEID_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := yaml.Unmarshal(thresholdsYAML, &cfg.Thresholds); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors and returns all of them.
func (c *Config) Validate() []error {
	var errs []error
	if !slices.Contains(Drivers, c.Database.Driver) {
		errs = append(errs, fmt.Errorf("database.driver must be one of %v, got %q", Drivers, c.Database.Driver))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("database.max_open_conns must be positive, got %d", c.Database.MaxOpenConns))
	}
	if c.Database.LockTimeout < 0 {
		errs = append(errs, errors.New("database.lock_timeout must not be negative"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Matcher.Threshold < 0 {
		errs = append(errs, fmt.Errorf("matcher.threshold must not be negative, got %g", c.Matcher.Threshold))
	}
	rl := c.Server.RateLimit
	if rl.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.requests_per_second must not be negative, got %g", rl.RequestsPerSecond))
	}
	if rl.RequestsPerSecond > 0 && rl.Burst <= 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst must be positive when rate is set, got %d", rl.Burst))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errs
}

// MatchThreshold returns the L2 acceptance threshold: the explicit override
// when set, the model's recommended distance otherwise.
func (c *Config) MatchThreshold() float64 {
	if c.Matcher.Threshold > 0 {
		return c.Matcher.Threshold
	}
	if m, ok := c.Thresholds.Models[c.Matcher.Model]; ok && m.Distance > 0 {
		return m.Distance
	}
	return c.Thresholds.Default
}
