// Package config provides configuration management for hwenc using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultFPS              = 30
	defaultRetryAttempts    = 8
	defaultRetryDelay       = 2 * time.Millisecond
	defaultOutputBufferSize = 1024 * 1024 // 1MiB ceiling per encoded frame
	defaultMinFreeMemoryPct = 10
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Device  DeviceConfig  `mapstructure:"device"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	Storage StorageConfig `mapstructure:"storage"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DeviceConfig steers compute device selection.
type DeviceConfig struct {
	// Ordinal pins a device; negative selects automatically.
	Ordinal int `mapstructure:"ordinal"`
	// PreferredName steers automatic selection to the first device whose
	// name contains this substring.
	PreferredName string `mapstructure:"preferred_name"`
	// Enabled whitelists devices by ordinal, name, or PCI bus id.
	// "all" keeps everything, "none" disables everything.
	Enabled []string `mapstructure:"enabled"`
	// Disabled blacklists devices by ordinal, name, or PCI bus id.
	Disabled []string `mapstructure:"disabled"`
	// MinFreeMemoryPct is the free-memory floor for automatic selection.
	MinFreeMemoryPct int `mapstructure:"min_free_memory_pct"`
}

// EncoderConfig holds encoder session configuration.
type EncoderConfig struct {
	Driver      string `mapstructure:"driver"`       // encode driver name
	Codec       string `mapstructure:"codec"`        // h264, hevc
	Profile     string `mapstructure:"profile"`      // empty = first enumerated
	PixelFormat string `mapstructure:"pixel_format"` // NV12, YV12, IYUV, ARGB
	// Bitrate / MaxBitrate in bits per second; 0 derives from dimensions.
	Bitrate    int `mapstructure:"bitrate"`
	MaxBitrate int `mapstructure:"max_bitrate"`
	FPS        int `mapstructure:"fps"`
	// OutputBufferSize bounds one encoded frame.
	// Supports human-readable values like "1MB", "512KB", or raw byte counts.
	OutputBufferSize ByteSize      `mapstructure:"output_buffer_size"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig holds local storage configuration.
type StorageConfig struct {
	// ProbeDB is the SQLite file probe reports are recorded to.
	ProbeDB string `mapstructure:"probe_db"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with HWENC_, using underscores for nesting.
// Example: HWENC_ENCODER_CODEC=hevc.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hwenc")
		v.AddConfigPath("$HOME/.hwenc")
	}

	v.SetEnvPrefix("HWENC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Device defaults
	v.SetDefault("device.ordinal", -1)
	v.SetDefault("device.preferred_name", "")
	v.SetDefault("device.enabled", []string{})
	v.SetDefault("device.disabled", []string{})
	v.SetDefault("device.min_free_memory_pct", defaultMinFreeMemoryPct)

	// Encoder defaults
	v.SetDefault("encoder.driver", "sim")
	v.SetDefault("encoder.codec", "h264")
	v.SetDefault("encoder.profile", "")
	v.SetDefault("encoder.pixel_format", "NV12")
	v.SetDefault("encoder.bitrate", 0)
	v.SetDefault("encoder.max_bitrate", 0)
	v.SetDefault("encoder.fps", defaultFPS)
	v.SetDefault("encoder.output_buffer_size", defaultOutputBufferSize)
	v.SetDefault("encoder.retry_attempts", defaultRetryAttempts)
	v.SetDefault("encoder.retry_delay", defaultRetryDelay)

	// Storage defaults
	v.SetDefault("storage.probe_db", "hwenc-probe.db")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Encoder.Codec == "" {
		return fmt.Errorf("encoder.codec is required")
	}
	if c.Encoder.FPS < 1 {
		return fmt.Errorf("encoder.fps must be at least 1")
	}
	if c.Encoder.OutputBufferSize < 0 {
		return fmt.Errorf("encoder.output_buffer_size must not be negative")
	}
	if c.Encoder.RetryAttempts < 1 {
		return fmt.Errorf("encoder.retry_attempts must be at least 1")
	}
	if c.Encoder.RetryDelay < 0 {
		return fmt.Errorf("encoder.retry_delay must not be negative")
	}

	if c.Device.MinFreeMemoryPct < 0 || c.Device.MinFreeMemoryPct > 100 {
		return fmt.Errorf("device.min_free_memory_pct must be between 0 and 100")
	}

	return nil
}
