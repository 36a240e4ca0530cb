package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "LISTEN_ADDR", "METRICS_ADDR", "LOG_LEVEL", "LOG_FORMAT",
	"REFRESH_INTERVAL_MS", "STORAGE_BACKEND", "LOCAL_STORAGE_PATH",
	"S3_ENDPOINT", "S3_BUCKET", "S3_PREFIX", "S3_ACCESS_KEY", "S3_SECRET_KEY",
	"S3_REGION", "S3_USE_SSL", "DATABASE_DRIVER", "DATABASE_URL", "JWT_SECRET",
	"MUTATIONS_PER_MINUTE", "TRACING_EXPORTER",
}

// clearEnv blanks every recognised variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, 15*time.Second, cfg.RefreshInterval())
	assert.Equal(t, 0, cfg.MutationsPerMinute)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("REFRESH_INTERVAL_MS", "250")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("MUTATIONS_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshInterval())
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, 30, cfg.MutationsPerMinute)
}

func TestMalformedNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("REFRESH_INTERVAL_MS", "soon")
	t.Setenv("S3_USE_SSL", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15000, cfg.RefreshIntervalMS)
	assert.False(t, cfg.S3UseSSL)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "treemirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
storage_backend: sql
database_driver: postgres
database_url: postgres://localhost/tree
refresh_interval_ms: 5000
`), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.ListenAddr, "env wins over file")
	assert.Equal(t, "sql", cfg.StorageBackend)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Second, cfg.RefreshInterval())
	assert.Equal(t, "info", cfg.LogLevel, "defaults survive a partial file")
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0644))
	t.Setenv("CONFIG_FILE", path)
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.RefreshIntervalMS = 0 }},
		{"negative rate", func(c *Config) { c.MutationsPerMinute = -1 }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"tracing", func(c *Config) { c.TracingExporter = "jaeger" }},
		{"backend", func(c *Config) { c.StorageBackend = "smb" }},
		{"local path", func(c *Config) { c.LocalStoragePath = "" }},
		{"s3 bucket", func(c *Config) {
			c.StorageBackend = "s3"
			c.S3Bucket = ""
		}},
		{"sql url", func(c *Config) {
			c.StorageBackend = "sql"
			c.DatabaseURL = ""
		}},
		{"sql driver", func(c *Config) {
			c.StorageBackend = "sql"
			c.DatabaseDriver = "mysql"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Defaults().Validate())
}

func TestBackendConfig(t *testing.T) {
	cfg := Defaults()

	raw, err := cfg.BackendConfig()
	require.NoError(t, err)
	var local map[string]any
	require.NoError(t, json.Unmarshal(raw, &local))
	assert.Equal(t, "./data", local["root_path"])
	assert.Equal(t, true, local["create_dirs"])

	cfg.StorageBackend = "s3"
	cfg.S3Prefix = "tree"
	raw, err = cfg.BackendConfig()
	require.NoError(t, err)
	var s3 map[string]any
	require.NoError(t, json.Unmarshal(raw, &s3))
	assert.Equal(t, "treemirror", s3["bucket"])
	assert.Equal(t, "tree", s3["prefix"])

	cfg.StorageBackend = "sql"
	raw, err = cfg.BackendConfig()
	require.NoError(t, err)
	assert.JSONEq(t, `{"driver":"sqlite","dsn":"treemirror.db"}`, string(raw))

	cfg.StorageBackend = "memory"
	raw, err = cfg.BackendConfig()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	cfg.StorageBackend = "nope"
	_, err = cfg.BackendConfig()
	assert.Error(t, err)
}
