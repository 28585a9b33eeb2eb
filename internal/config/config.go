// Package config loads and validates fieldsync configuration.
//
// Configuration is YAML on disk. After defaults are applied the result is
// checked against an embedded CUE schema, so shape and bounds violations are
// caught at load time with a precise message instead of surfacing later as
// odd runtime behavior.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var configSchema string

// Duration wraps time.Duration so YAML can say "30s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full fieldsync configuration. JSON tags drive the CUE
// validation encoding and match the YAML names.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Sampler    SamplerConfig    `yaml:"sampler" json:"sampler"`
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LedgerConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

type SyncConfig struct {
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay" json:"max_delay"`
	BatchSize int      `yaml:"batch_size" json:"batch_size"`
}

type SamplerConfig struct {
	MinDisplacementM float64  `yaml:"min_displacement_m" json:"min_displacement_m"`
	FlushInterval    Duration `yaml:"flush_interval" json:"flush_interval"`
	BatchSize        int      `yaml:"batch_size" json:"batch_size"`
	WatchTimeout     Duration `yaml:"watch_timeout" json:"watch_timeout"`
	MaxFixAge        Duration `yaml:"max_fix_age" json:"max_fix_age"`
}

// EncryptionConfig enables sealing when both fields are set. Leaving both
// empty persists envelopes in the clear.
type EncryptionConfig struct {
	Secret string `yaml:"secret" json:"secret"`
	Salt   string `yaml:"salt" json:"salt"`
}

// Enabled reports whether metadata sealing is configured.
func (c EncryptionConfig) Enabled() bool {
	return c.Secret != "" && c.Salt != ""
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// SlogLevel maps the configured level name onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the configuration used when a field (or the whole file) is
// absent.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "fieldsync.db"},
		Ledger: LedgerConfig{
			URL:     "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			BaseDelay: Duration(1 * time.Second),
			MaxDelay:  Duration(5 * time.Minute),
			BatchSize: 10,
		},
		Sampler: SamplerConfig{
			MinDisplacementM: 25,
			FlushInterval:    Duration(30 * time.Second),
			BatchSize:        20,
			WatchTimeout:     Duration(10 * time.Second),
			MaxFixAge:        Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against the embedded CUE schema plus the
// cross-field rules the schema cannot express.
func (c Config) Validate() error {
	cuectx := cuecontext.New()
	schema := cuectx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	unified := schema.Unify(cuectx.Encode(c))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("invalid config: sync.max_delay %s is below sync.base_delay %s",
			c.Sync.MaxDelay.Std(), c.Sync.BaseDelay.Std())
	}
	if (c.Encryption.Secret == "") != (c.Encryption.Salt == "") {
		return fmt.Errorf("invalid config: encryption.secret and encryption.salt must be set together")
	}
	return nil
}
