package tkey

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// DefaultTSSTag is the TSS namespace used until SetTSSTag is called.
const DefaultTSSTag = "default"

// Config holds the settings needed to build a ThresholdKey.
type Config struct {
	// Threshold for newly created keys.
	Threshold int `toml:"threshold" yaml:"threshold"`
	// ManualSync buffers metadata mutations until SyncLocalMetadataTransitions.
	ManualSync bool `toml:"manual_sync" yaml:"manual_sync"`
	// TSSTag is the initially active TSS namespace.
	TSSTag string `toml:"tss_tag" yaml:"tss_tag"`
	// StorageURI selects the storage backend (memory://, sqlite://, vault://).
	StorageURI string `toml:"storage_uri" yaml:"storage_uri"`
	// LockTTL bounds how long an abandoned write lock blocks other writers.
	LockTTL time.Duration `toml:"lock_ttl" yaml:"lock_ttl"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// ServiceProviderName labels the service provider in serialized state.
	ServiceProviderName string `toml:"service_provider_name" yaml:"service_provider_name"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Threshold:           2,
		ManualSync:          false,
		TSSTag:              DefaultTSSTag,
		StorageURI:          "memory://default",
		LockTTL:             storage.DefaultLockTTL,
		LogLevel:            "info",
		ServiceProviderName: DefaultServiceProviderName,
	}
}

// LoadConfig reads a TOML or YAML file, chosen by extension, on top of the
// defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, ErrInvalidConfiguration.WithCause(err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, ErrInvalidConfiguration.WithCause(err)
		}
	default:
		return nil, ErrInvalidConfiguration.WithDetails("unsupported config extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs the default configuration validator.
func (c *Config) Validate() error {
	result := NewDefaultConfigurationValidator().ValidateConfig(c)
	if !result.Valid {
		return ErrInvalidConfiguration.WithDetails("%s", strings.Join(result.Errors, "; "))
	}
	return nil
}

// Logger builds a text logger at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}))
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewFromConfig opens the configured storage backend and builds a
// ThresholdKey around sp. Fields already set in opts take precedence.
func NewFromConfig(cfg *Config, sp ServiceProvider, opts Options) (*ThresholdKey, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = cfg.Logger(os.Stderr)
	}
	if opts.Storage == nil {
		store, err := storage.Open(cfg.StorageURI, opts.Log)
		if err != nil {
			return nil, ErrInvalidConfiguration.WithCause(err)
		}
		if ttl, ok := store.(interface{ SetLockTTL(time.Duration) }); ok && cfg.LockTTL > 0 {
			ttl.SetLockTTL(cfg.LockTTL)
		}
		opts.Storage = store
	}
	opts.ServiceProvider = sp
	opts.ManualSync = opts.ManualSync || cfg.ManualSync
	if opts.TSSTag == "" {
		opts.TSSTag = cfg.TSSTag
	}
	if opts.Threshold == 0 {
		opts.Threshold = cfg.Threshold
	}
	opts.StorageURI = cfg.StorageURI
	return New(opts)
}
