// Package config provides configuration management for Factloom.
// It loads settings from environment variables with the FACTLOOM_ prefix,
// optionally overlaid by a YAML file, and provides sensible defaults for
// all configuration options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Factloom daemon.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Engine      EngineConfig      `yaml:"engine"`
	Cache       CacheConfig       `yaml:"cache"`
	Propagation PropagationConfig `yaml:"propagation"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 7333)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Path to the SQLite data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Postgres connection string
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`  // Embedding provider: ollama, local (default: local)
	OllamaURL string        `yaml:"ollama_url"` // Ollama API URL (default: http://localhost:11434)
	Model     string        `yaml:"model"`     // Embedding model name (default: nomic-embed-text)
	Dimension int           `yaml:"dimension"` // Vector dimension (default: 256 local, 768 ollama)
	Timeout   time.Duration `yaml:"timeout"`   // Per-request timeout (default: 10s)
}

// EngineConfig contains consolidation engine tuning.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`            // Background workers (default: 4)
	QueueSize         int           `yaml:"queue_size"`         // Background job queue size (default: 1024)
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`   // Drain timeout on shutdown (default: 30s)
	InitialConfidence int           `yaml:"initial_confidence"` // Confidence of first-seen claims (default: 50)
	EmbedRatePerSec   int           `yaml:"embed_rate_per_sec"` // Embedding calls per second (default: 5)
}

// CacheConfig contains tiered cache sizing.
type CacheConfig struct {
	HotSize       int           `yaml:"hot_size"`       // Hot tier capacity (default: 256)
	HotTTL        time.Duration `yaml:"hot_ttl"`        // Hot tier TTL (default: 30s)
	WarmSize      int           `yaml:"warm_size"`      // Warm tier capacity (default: 512)
	WarmTTL       time.Duration `yaml:"warm_ttl"`       // Warm tier TTL (default: 5m)
	ColdSize      int           `yaml:"cold_size"`      // Cold tier capacity (default: 64)
	ColdTTL       time.Duration `yaml:"cold_ttl"`       // Cold tier TTL (default: 30m)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Expired-entry sweep interval (default: 1m)
}

// PropagationConfig contains importance propagation scheduling.
type PropagationConfig struct {
	Enabled  bool          `yaml:"enabled"`  // Run periodic propagation passes (default: true)
	Interval time.Duration `yaml:"interval"` // Interval between passes (default: 1h)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the FACTLOOM_ prefix. When
// FACTLOOM_CONFIG_FILE names a YAML file, its values are applied on top of
// the environment-derived base.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()

	if path := os.Getenv("FACTLOOM_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays a YAML configuration file onto the receiver. Unset
// fields in the file keep their current values.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres storage requires FACTLOOM_POSTGRES_DSN")
	}
	switch c.Embedding.Provider {
	case "ollama", "local":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	provider := getEnv("FACTLOOM_EMBEDDING_PROVIDER", "local")
	defaultDim := 256
	if provider == "ollama" {
		defaultDim = 768
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("FACTLOOM_PORT", 7333),
			Host: getEnv("FACTLOOM_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("FACTLOOM_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("FACTLOOM_DATA_PATH", "./data"),
			PostgresDSN: getEnv("FACTLOOM_POSTGRES_DSN", ""),
		},
		Embedding: EmbeddingConfig{
			Provider:  provider,
			OllamaURL: getEnv("FACTLOOM_OLLAMA_URL", "http://localhost:11434"),
			Model:     getEnv("FACTLOOM_EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension: getEnvInt("FACTLOOM_EMBEDDING_DIMENSION", defaultDim),
			Timeout:   getEnvDuration("FACTLOOM_EMBEDDING_TIMEOUT", 10*time.Second),
		},
		Engine: EngineConfig{
			Workers:           getEnvInt("FACTLOOM_WORKERS", 4),
			QueueSize:         getEnvInt("FACTLOOM_QUEUE_SIZE", 1024),
			ShutdownTimeout:   getEnvDuration("FACTLOOM_SHUTDOWN_TIMEOUT", 30*time.Second),
			InitialConfidence: getEnvInt("FACTLOOM_INITIAL_CONFIDENCE", 50),
			EmbedRatePerSec:   getEnvInt("FACTLOOM_EMBED_RATE_PER_SEC", 5),
		},
		Cache: CacheConfig{
			HotSize:       getEnvInt("FACTLOOM_CACHE_HOT_SIZE", 256),
			HotTTL:        getEnvDuration("FACTLOOM_CACHE_HOT_TTL", 30*time.Second),
			WarmSize:      getEnvInt("FACTLOOM_CACHE_WARM_SIZE", 512),
			WarmTTL:       getEnvDuration("FACTLOOM_CACHE_WARM_TTL", 5*time.Minute),
			ColdSize:      getEnvInt("FACTLOOM_CACHE_COLD_SIZE", 64),
			ColdTTL:       getEnvDuration("FACTLOOM_CACHE_COLD_TTL", 30*time.Minute),
			SweepInterval: getEnvDuration("FACTLOOM_CACHE_SWEEP_INTERVAL", time.Minute),
		},
		Propagation: PropagationConfig{
			Enabled:  getEnvBool("FACTLOOM_PROPAGATION_ENABLED", true),
			Interval: getEnvDuration("FACTLOOM_PROPAGATION_INTERVAL", time.Hour),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
