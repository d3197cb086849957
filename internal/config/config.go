// Package config provides configuration management for Lookout.
// Settings come from three layers, later layers winning: built-in defaults,
// an optional YAML file, and environment variables with the LOOKOUT_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Lookout engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Reid    ReidConfig    `yaml:"reid"`
}

// ServerConfig contains the health/admin listener configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Listener port (default: 7070)
	Host string `yaml:"host"` // Listener host (default: 127.0.0.1)
}

// StorageConfig contains the two storage tiers' configuration.
type StorageConfig struct {
	// PostgresDSN is the persistent identity store connection string.
	PostgresDSN string `yaml:"postgres_dsn"`

	// CacheEngine selects the short-term tier backend: sqlite or memory.
	CacheEngine string `yaml:"cache_engine"`

	// CachePath is the SQLite database path for the sqlite cache engine.
	CachePath string `yaml:"cache_path"`

	// CacheSize is the key capacity for the memory cache engine.
	CacheSize int `yaml:"cache_size"`
}

// OracleConfig contains the embedding oracle endpoint and guard policy.
type OracleConfig struct {
	BaseURL       string   `yaml:"base_url"`       // Oracle API URL (default: http://localhost:8090)
	CallTimeout   Duration `yaml:"call_timeout"`   // Per-call deadline (default: 30s)
	MaxConcurrent int      `yaml:"max_concurrent"` // In-flight call permits (default: 10)
	RatePerSec    float64  `yaml:"rate_per_sec"`   // Sustained call rate, 0 = unlimited
	MaxAttempts   int      `yaml:"max_attempts"`   // Attempts per call incl. first (default: 3)
	BackoffBase   Duration `yaml:"backoff_base"`   // First retry delay (default: 1s)

	BreakerMaxFailures   int      `yaml:"breaker_max_failures"`    // Consecutive failures to trip (default: 5)
	BreakerCoolDown      Duration `yaml:"breaker_cool_down"`       // Open-state duration (default: 30s)
	BreakerHalfOpenCalls int      `yaml:"breaker_half_open_calls"` // Trial calls while half-open (default: 2)
}

// ReidConfig contains the re-identification tunables.
type ReidConfig struct {
	Dimension      int     `yaml:"dimension"`       // Embedding dimension (default: 768)
	MatchThreshold float64 `yaml:"match_threshold"` // Assignment similarity threshold (default: 0.85)
	BaselineDecay  float64 `yaml:"baseline_decay"`  // Scene baseline EMA decay (default: 0.9)
}

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoadConfig loads configuration from defaults and environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	applyEnv(cfg)
	return cfg, cfg.validate()
}

// LoadConfigFile loads configuration from defaults, the YAML file at path,
// and environment variables, in that order of precedence (env wins).
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, cfg.validate()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7070,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			PostgresDSN: "postgres://localhost/lookout?sslmode=disable",
			CacheEngine: "sqlite",
			CachePath:   "./data/cache.db",
			CacheSize:   4096,
		},
		Oracle: OracleConfig{
			BaseURL:              "http://localhost:8090",
			CallTimeout:          Duration(30 * time.Second),
			MaxConcurrent:        10,
			MaxAttempts:          3,
			BackoffBase:          Duration(time.Second),
			BreakerMaxFailures:   5,
			BreakerCoolDown:      Duration(30 * time.Second),
			BreakerHalfOpenCalls: 2,
		},
		Reid: ReidConfig{
			Dimension:      768,
			MatchThreshold: 0.85,
			BaselineDecay:  0.9,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("LOOKOUT_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("LOOKOUT_HOST", cfg.Server.Host)

	cfg.Storage.PostgresDSN = getEnv("LOOKOUT_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.CacheEngine = getEnv("LOOKOUT_CACHE_ENGINE", cfg.Storage.CacheEngine)
	cfg.Storage.CachePath = getEnv("LOOKOUT_CACHE_PATH", cfg.Storage.CachePath)
	cfg.Storage.CacheSize = getEnvInt("LOOKOUT_CACHE_SIZE", cfg.Storage.CacheSize)

	cfg.Oracle.BaseURL = getEnv("LOOKOUT_ORACLE_URL", cfg.Oracle.BaseURL)
	cfg.Oracle.CallTimeout = getEnvDuration("LOOKOUT_ORACLE_TIMEOUT", cfg.Oracle.CallTimeout)
	cfg.Oracle.MaxConcurrent = getEnvInt("LOOKOUT_ORACLE_MAX_CONCURRENT", cfg.Oracle.MaxConcurrent)
	cfg.Oracle.RatePerSec = getEnvFloat("LOOKOUT_ORACLE_RATE_PER_SEC", cfg.Oracle.RatePerSec)
	cfg.Oracle.MaxAttempts = getEnvInt("LOOKOUT_ORACLE_MAX_ATTEMPTS", cfg.Oracle.MaxAttempts)
	cfg.Oracle.BackoffBase = getEnvDuration("LOOKOUT_ORACLE_BACKOFF_BASE", cfg.Oracle.BackoffBase)
	cfg.Oracle.BreakerMaxFailures = getEnvInt("LOOKOUT_BREAKER_MAX_FAILURES", cfg.Oracle.BreakerMaxFailures)
	cfg.Oracle.BreakerCoolDown = getEnvDuration("LOOKOUT_BREAKER_COOL_DOWN", cfg.Oracle.BreakerCoolDown)
	cfg.Oracle.BreakerHalfOpenCalls = getEnvInt("LOOKOUT_BREAKER_HALF_OPEN_CALLS", cfg.Oracle.BreakerHalfOpenCalls)

	cfg.Reid.Dimension = getEnvInt("LOOKOUT_EMBEDDING_DIMENSION", cfg.Reid.Dimension)
	cfg.Reid.MatchThreshold = getEnvFloat("LOOKOUT_MATCH_THRESHOLD", cfg.Reid.MatchThreshold)
	cfg.Reid.BaselineDecay = getEnvFloat("LOOKOUT_BASELINE_DECAY", cfg.Reid.BaselineDecay)
}

func (c *Config) validate() error {
	if c.Reid.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Reid.Dimension)
	}
	if c.Reid.MatchThreshold < -1 || c.Reid.MatchThreshold > 1 {
		return fmt.Errorf("config: match threshold must be in [-1,1], got %g", c.Reid.MatchThreshold)
	}
	if c.Reid.BaselineDecay <= 0 || c.Reid.BaselineDecay >= 1 {
		return fmt.Errorf("config: baseline decay must be in (0,1), got %g", c.Reid.BaselineDecay)
	}
	switch c.Storage.CacheEngine {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown cache engine %q", c.Storage.CacheEngine)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. An unparsable value falls back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. An unparsable value falls back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "30s") or
// returns a default value. An unparsable value falls back to the default.
func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return defaultValue
}
