// Package config loads and validates the configuration for a scopes
// sync node. Values come from defaults, then an optional YAML file,
// then SCOPES_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/scopekit/scopes/conflict"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/logging"
)

// Synchronization holds the sync-service tuning knobs.
type Synchronization struct {
	// BatchSize bounds how many events one sync invocation processes.
	BatchSize int `yaml:"batch_size" validate:"min=1,max=10000"`

	// MaxRetryAttempts bounds transport retries performed by the caller.
	MaxRetryAttempts int `yaml:"max_retry_attempts" validate:"min=0,max=20"`

	// EnableAutoConflictResolution applies DefaultStrategy to detected
	// conflicts. When false every conflict is surfaced for manual review.
	EnableAutoConflictResolution bool `yaml:"enable_auto_conflict_resolution"`

	// DefaultStrategy is the conflict policy applied when auto
	// resolution is enabled: local_wins, remote_wins, last_write_wins
	// or manual.
	DefaultStrategy string `yaml:"default_strategy" validate:"oneof=local_wins remote_wins last_write_wins manual"`

	// BatchTimeout is the per-batch time budget for one sync attempt.
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"min=1s"`
}

// Config is the full configuration surface of a sync node.
type Config struct {
	// DeviceID identifies this device in vector clocks. Generated and
	// persisted on first start when empty.
	DeviceID string `yaml:"device_id" validate:"omitempty,max=64"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path" validate:"required"`

	// MaxEvents caps the event log size; 0 disables the cap.
	MaxEvents int64 `yaml:"max_events" validate:"min=0"`

	// RetentionDays bounds how long events are retained; 0 keeps forever.
	RetentionDays int `yaml:"retention_days" validate:"min=0"`

	// ListenAddr is the address the sync HTTP endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	Logging logging.Config `yaml:"logging"`

	Synchronization Synchronization `yaml:"synchronization"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		DatabasePath:  "scopes.db",
		MaxEvents:     0,
		RetentionDays: 0,
		ListenAddr:    "127.0.0.1:7340",
		Logging:       logging.DefaultConfig,
		Synchronization: Synchronization{
			BatchSize:                    100,
			MaxRetryAttempts:             3,
			EnableAutoConflictResolution: true,
			DefaultStrategy:              string(conflict.LastWriteWins),
			BatchTimeout:                 30 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, overlaid with the
// YAML file at path (when non-empty), overlaid with environment
// variables, then validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SCOPES_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SCOPES_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("SCOPES_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SCOPES_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SCOPES_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCOPES_MAX_EVENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxEvents = n
		}
	}
	if v := os.Getenv("SCOPES_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("SCOPES_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Synchronization.BatchSize = n
		}
	}
	if v := os.Getenv("SCOPES_SYNC_STRATEGY"); v != "" {
		cfg.Synchronization.DefaultStrategy = v
	}
}

// Validate checks structural constraints plus the cross-field rules the
// struct tags cannot express.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.DeviceID != "" {
		if _, err := identity.NewDeviceID(c.DeviceID); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if _, err := conflict.ParseStrategy(c.Synchronization.DefaultStrategy); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Strategy returns the parsed default conflict strategy. When auto
// resolution is disabled, every conflict is routed to manual review.
func (c Config) Strategy() conflict.Strategy {
	if !c.Synchronization.EnableAutoConflictResolution {
		return conflict.Manual
	}
	s, err := conflict.ParseStrategy(c.Synchronization.DefaultStrategy)
	if err != nil {
		return conflict.Manual
	}
	return s
}
