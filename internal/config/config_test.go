package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "fieldsync.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 25.0, cfg.Sampler.MinDisplacementM)
	assert.False(t, cfg.Encryption.Enabled())
}

func TestParse_OverridesMergeWithDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  path: /var/lib/fieldsync/events.db
ledger:
  url: https://ledger.haulmark.example
  timeout: 10s
sync:
  base_delay: 2s
sampler:
  min_displacement_m: 50
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fieldsync/events.db", cfg.Database.Path)
	assert.Equal(t, "https://ledger.haulmark.example", cfg.Ledger.URL)
	assert.Equal(t, 10*time.Second, cfg.Ledger.Timeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxDelay.Std())
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 50.0, cfg.Sampler.MinDisplacementM)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("ledger:\n  timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("::not yaml"))
	assert.Error(t, err)
}

func TestValidate_SchemaViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"empty ledger url", func(c *Config) { c.Ledger.URL = "" }},
		{"zero ledger timeout", func(c *Config) { c.Ledger.Timeout = 0 }},
		{"zero sync batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"oversized sync batch", func(c *Config) { c.Sync.BatchSize = 1000 }},
		{"negative displacement", func(c *Config) { c.Sampler.MinDisplacementM = -1 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_CrossFieldRules(t *testing.T) {
	cfg := Default()
	cfg.Sync.BaseDelay = Duration(time.Minute)
	cfg.Sync.MaxDelay = Duration(time.Second)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")

	cfg = Default()
	cfg.Encryption.Secret = "passphrase"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salt")

	cfg.Encryption.Salt = "install-salt"
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Encryption.Enabled())
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Log.SlogLevel())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSlogLevel_DefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, LogConfig{}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
