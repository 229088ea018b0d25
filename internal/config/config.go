// Package config handles configuration loading and management for drover.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for drover.
type Config struct {
	Distribution DistributionConfig `mapstructure:"distribution"`
	Health       HealthConfig       `mapstructure:"health"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Resources    ResourcesConfig    `mapstructure:"resources"`
}

// DistributionConfig holds run-level dispatch settings.
type DistributionConfig struct {
	// Strategy selects how workers are picked when the planned worker
	// is unavailable (round-robin, least-loaded, priority).
	Strategy string `mapstructure:"strategy"`
	// MaxFeatureRetries is how many times a failed feature is re-dispatched
	// before its dependents are skipped.
	MaxFeatureRetries int `mapstructure:"max_feature_retries"`
	// RetryDelay is the base delay between feature retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// MaxRetryDelay caps the exponential retry backoff.
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	// FeatureTimeout bounds a single feature execution on a worker.
	FeatureTimeout time.Duration `mapstructure:"feature_timeout"`
}

// HealthConfig holds worker health monitoring settings.
type HealthConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	DegradedThreshold    int           `mapstructure:"degraded_threshold"`
	OfflineThreshold     int           `mapstructure:"offline_threshold"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// ProgressConfig holds snapshot persistence settings.
type ProgressConfig struct {
	// AutoSave enables periodic snapshot writes during a run.
	AutoSave bool `mapstructure:"auto_save"`
	// SaveInterval is how often auto-save writes a snapshot.
	SaveInterval time.Duration `mapstructure:"save_interval"`
	// StatePath overrides the default state database location.
	StatePath string `mapstructure:"state_path"`
	// KeepSnapshots is how many snapshots to retain per run.
	KeepSnapshots int `mapstructure:"keep_snapshots"`
}

// ResourceEstimate holds expected cost figures for one capability.
type ResourceEstimate struct {
	Duration time.Duration `mapstructure:"duration"`
	MemoryMB int           `mapstructure:"memory_mb"`
}

// ResourcesConfig maps capability names to cost estimates used for planning.
type ResourcesConfig struct {
	Estimates map[string]ResourceEstimate `mapstructure:"estimates"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DROVER_*)
// 2. Project config (.drover.yaml in current directory or parent)
// 3. User config (~/.config/drover/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()
	v.BindEnv("distribution.strategy", "DROVER_STRATEGY")
	v.BindEnv("progress.state_path", "DROVER_STATE_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration values that cannot drive a run.
func (c *Config) Validate() error {
	switch c.Distribution.Strategy {
	case "round-robin", "least-loaded", "priority":
	default:
		return fmt.Errorf("unknown strategy %q", c.Distribution.Strategy)
	}
	if c.Distribution.MaxFeatureRetries < 0 {
		return fmt.Errorf("max_feature_retries must be >= 0")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue max_concurrent must be >= 1")
	}
	if c.Health.DegradedThreshold < 1 || c.Health.OfflineThreshold < c.Health.DegradedThreshold {
		return fmt.Errorf("health thresholds must satisfy 1 <= degraded <= offline")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("distribution.strategy", "least-loaded")
	v.SetDefault("distribution.max_feature_retries", 2)
	v.SetDefault("distribution.retry_delay", "2s")
	v.SetDefault("distribution.max_retry_delay", "1m")
	v.SetDefault("distribution.feature_timeout", "15m")

	v.SetDefault("health.check_interval", "10s")
	v.SetDefault("health.probe_timeout", "3s")
	v.SetDefault("health.degraded_threshold", 2)
	v.SetDefault("health.offline_threshold", 4)
	v.SetDefault("health.reconnect_base_delay", "1s")
	v.SetDefault("health.max_reconnect_attempts", 5)

	v.SetDefault("queue.max_concurrent", 4)
	v.SetDefault("queue.max_retries", 0)
	v.SetDefault("queue.retry_delay", "1s")
	v.SetDefault("queue.max_retry_delay", "30s")

	v.SetDefault("progress.auto_save", true)
	v.SetDefault("progress.save_interval", "30s")
	v.SetDefault("progress.state_path", "")
	v.SetDefault("progress.keep_snapshots", 20)
}

// getUserConfigDir returns the XDG config directory for drover.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drover")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "drover")
	}
	return filepath.Join(home, ".config", "drover")
}

// findProjectConfig searches for .drover.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".drover.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Distribution: DistributionConfig{
			Strategy:          "least-loaded",
			MaxFeatureRetries: 2,
			RetryDelay:        2 * time.Second,
			MaxRetryDelay:     time.Minute,
			FeatureTimeout:    15 * time.Minute,
		},
		Health: HealthConfig{
			CheckInterval:        10 * time.Second,
			ProbeTimeout:         3 * time.Second,
			DegradedThreshold:    2,
			OfflineThreshold:     4,
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 5,
		},
		Queue: QueueConfig{
			MaxConcurrent: 4,
			MaxRetries:    0,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
		Progress: ProgressConfig{
			AutoSave:      true,
			SaveInterval:  30 * time.Second,
			KeepSnapshots: 20,
		},
	}
}
