// Package config loads espalier settings from a YAML file and ESPALIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no file is given and it exists in the working directory.
const DefaultPath = "espalier.yaml"

// EnvPrefix marks environment overrides, e.g. ESPALIER_STORE_BACKEND=redis.
const EnvPrefix = "ESPALIER_"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

var backends = []string{BackendMemory, BackendFile, BackendRedis, BackendSQLite, BackendPostgres, BackendMongo}

// Config is the full set of runtime settings.
type Config struct {
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Encryption   EncryptionConfig   `mapstructure:"encryption" yaml:"encryption"`
	PII          PIIConfig          `mapstructure:"pii" yaml:"pii"`
	Lock         LockConfig         `mapstructure:"lock" yaml:"lock"`
	Engine       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping" yaml:"housekeeping"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig selects the checkpoint backend. Only the fields of the chosen backend are read.
type StoreConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"`
	Path       string        `mapstructure:"path" yaml:"path"`             // file, sqlite
	DSN        string        `mapstructure:"dsn" yaml:"dsn"`               // postgres, sqlite
	Addr       string        `mapstructure:"addr" yaml:"addr"`             // redis
	Password   string        `mapstructure:"password" yaml:"password"`     // redis
	DB         int           `mapstructure:"db" yaml:"db"`                 // redis
	Prefix     string        `mapstructure:"prefix" yaml:"prefix"`         // redis
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`               // redis
	URI        string        `mapstructure:"uri" yaml:"uri"`               // mongo
	Database   string        `mapstructure:"database" yaml:"database"`     // mongo
	Collection string        `mapstructure:"collection" yaml:"collection"` // mongo
	Table      string        `mapstructure:"table" yaml:"table"`           // sqlite, postgres
}

// EncryptionConfig enables encryption at rest. Keys are 32 bytes, base64 or hex encoded.
type EncryptionConfig struct {
	Key          string   `mapstructure:"key" yaml:"key"`
	FallbackKeys []string `mapstructure:"fallback_keys" yaml:"fallback_keys"`
}

type PIIConfig struct {
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// LockConfig enables cross-process thread locks (requires the redis backend).
type LockConfig struct {
	Distributed bool          `mapstructure:"distributed" yaml:"distributed"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type EngineConfig struct {
	StepLimit int `mapstructure:"step_limit" yaml:"step_limit"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

type HousekeepingConfig struct {
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
	Workers int           `mapstructure:"workers" yaml:"workers"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Log:          LogConfig{Level: "info", Format: "text"},
		Store:        StoreConfig{Backend: BackendFile, Path: ".espalier/threads"},
		Lock:         LockConfig{TTL: 30 * time.Second},
		Server:       ServerConfig{Addr: ":8080", Metrics: true},
		Housekeeping: HousekeepingConfig{MaxAge: 30 * 24 * time.Hour, Workers: 8},
	}
}

// Load reads path (or DefaultPath when path is empty and the file exists),
// applies ESPALIER_* overrides and validates the result.
func Load(path string) (*Config, error) {
	raw := map[string]any{}

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	overlayEnv(raw, os.Environ())

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv maps ESPALIER_SECTION_KEY=value onto raw[section][key].
// The first underscore after the prefix separates section from key.
func overlayEnv(raw map[string]any, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		// Test settings share the prefix but are not configuration.
		if section == "test" {
			continue
		}
		sub, ok := raw[section].(map[string]any)
		if !ok {
			sub = map[string]any{}
			raw[section] = sub
		}
		sub[key] = value
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %v", c.Store.Backend, backends))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of [text json]", c.Log.Format))
	}
	if c.Lock.Distributed && c.Store.Backend != BackendRedis {
		errs = append(errs, errors.New("lock.distributed requires the redis store backend"))
	}
	if c.Engine.StepLimit < 0 {
		errs = append(errs, errors.New("engine.step_limit cannot be negative"))
	}
	if len(c.Encryption.FallbackKeys) > 0 && c.Encryption.Key == "" {
		errs = append(errs, errors.New("encryption.fallback_keys requires encryption.key"))
	}
	return errors.Join(errs...)
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("log.level %q: %w", level, err)
	}
	return l, nil
}
