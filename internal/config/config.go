// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Mirror refresh period in milliseconds
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`

	// Storage backend ("local", "memory", "s3" or "sql", default: "local")
	StorageBackend   string `yaml:"storage_backend"`
	LocalStoragePath string `yaml:"local_storage_path"`

	// S3 storage
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	// SQL storage ("postgres" or "sqlite")
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	// Auth (optional; mutations are open when empty)
	JWTSecret string `yaml:"jwt_secret"`

	// Mutation requests per minute per server, 0 = unlimited
	MutationsPerMinute int `yaml:"mutations_per_minute"`

	// Tracing exporter ("none" or "stdout")
	TracingExporter string `yaml:"tracing_exporter"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
		RefreshIntervalMS: 15000,
		StorageBackend:    "local",
		LocalStoragePath:  "./data",
		S3Endpoint:        "http://localhost:9000",
		S3Bucket:          "treemirror",
		S3AccessKey:       "minioadmin",
		S3SecretKey:       "minioadmin",
		S3Region:          "us-east-1",
		DatabaseDriver:    "sqlite",
		DatabaseURL:       "treemirror.db",
		TracingExporter:   "none",
	}
}

// Load reads the YAML file named by CONFIG_FILE, if any, then applies
// environment variables on top.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.RefreshIntervalMS = envInt("REFRESH_INTERVAL_MS", c.RefreshIntervalMS)
	c.StorageBackend = envOr("STORAGE_BACKEND", c.StorageBackend)
	c.LocalStoragePath = envOr("LOCAL_STORAGE_PATH", c.LocalStoragePath)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3Prefix = envOr("S3_PREFIX", c.S3Prefix)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3UseSSL = envBool("S3_USE_SSL", c.S3UseSSL)
	c.DatabaseDriver = envOr("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)
	c.MutationsPerMinute = envInt("MUTATIONS_PER_MINUTE", c.MutationsPerMinute)
	c.TracingExporter = envOr("TRACING_EXPORTER", c.TracingExporter)
}

// Validate checks value ranges and required settings for the chosen backend.
func (c *Config) Validate() error {
	if c.RefreshIntervalMS <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL_MS must be positive, got %d", c.RefreshIntervalMS)
	}
	if c.MutationsPerMinute < 0 {
		return fmt.Errorf("MUTATIONS_PER_MINUTE must not be negative, got %d", c.MutationsPerMinute)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown LOG_FORMAT: %s", c.LogFormat)
	}
	switch c.TracingExporter {
	case "", "none", "noop", "stdout":
	default:
		return fmt.Errorf("unknown TRACING_EXPORTER: %s", c.TracingExporter)
	}

	switch c.StorageBackend {
	case "memory":
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	case "sql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the sql backend")
		}
		if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
			return fmt.Errorf("unknown DATABASE_DRIVER: %s", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND: %s", c.StorageBackend)
	}
	return nil
}

// RefreshInterval returns the mirror refresh period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// BackendConfig returns the JSON config for the selected storage backend.
func (c *Config) BackendConfig() (json.RawMessage, error) {
	var v any
	switch c.StorageBackend {
	case "memory":
		v = struct{}{}
	case "local":
		v = map[string]any{
			"root_path":   c.LocalStoragePath,
			"create_dirs": true,
		}
	case "s3":
		v = map[string]any{
			"endpoint":   c.S3Endpoint,
			"bucket":     c.S3Bucket,
			"prefix":     c.S3Prefix,
			"access_key": c.S3AccessKey,
			"secret_key": c.S3SecretKey,
			"region":     c.S3Region,
			"use_ssl":    c.S3UseSSL,
		}
	case "sql":
		v = map[string]any{
			"driver": c.DatabaseDriver,
			"dsn":    c.DatabaseURL,
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND: %s", c.StorageBackend)
	}
	return json.Marshal(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
