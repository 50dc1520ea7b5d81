package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.RFC3339, cfg.Logging.TimeFormat)

	assert.Equal(t, -1, cfg.Device.Ordinal)
	assert.Equal(t, 10, cfg.Device.MinFreeMemoryPct)

	assert.Equal(t, "sim", cfg.Encoder.Driver)
	assert.Equal(t, "h264", cfg.Encoder.Codec)
	assert.Equal(t, "NV12", cfg.Encoder.PixelFormat)
	assert.Equal(t, 30, cfg.Encoder.FPS)
	assert.Equal(t, int64(1024*1024), cfg.Encoder.OutputBufferSize.Bytes())
	assert.Equal(t, 8, cfg.Encoder.RetryAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.Encoder.RetryDelay)

	assert.Equal(t, "hwenc-probe.db", cfg.Storage.ProbeDB)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  format: text
encoder:
  codec: hevc
  fps: 60
  output_buffer_size: 2MB
  retry_delay: 5ms
device:
  ordinal: 1
  disabled:
    - "0"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "hevc", cfg.Encoder.Codec)
	assert.Equal(t, 60, cfg.Encoder.FPS)
	assert.Equal(t, int64(2*1024*1024), cfg.Encoder.OutputBufferSize.Bytes())
	assert.Equal(t, 5*time.Millisecond, cfg.Encoder.RetryDelay)
	assert.Equal(t, 1, cfg.Device.Ordinal)
	assert.Equal(t, []string{"0"}, cfg.Device.Disabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HWENC_ENCODER_CODEC", "hevc")
	t.Setenv("HWENC_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hevc", cfg.Encoder.Codec)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "encoder:\n  codec: h264\n")
	t.Setenv("HWENC_ENCODER_CODEC", "hevc")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hevc", cfg.Encoder.Codec)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "encoder: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Device:  DeviceConfig{Ordinal: -1, MinFreeMemoryPct: 10},
			Encoder: EncoderConfig{
				Driver:           "sim",
				Codec:            "h264",
				FPS:              30,
				OutputBufferSize: 1024 * 1024,
				RetryAttempts:    8,
				RetryDelay:       2 * time.Millisecond,
			},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty codec", func(c *Config) { c.Encoder.Codec = "" }},
		{"zero fps", func(c *Config) { c.Encoder.FPS = 0 }},
		{"negative buffer size", func(c *Config) { c.Encoder.OutputBufferSize = -1 }},
		{"zero retry attempts", func(c *Config) { c.Encoder.RetryAttempts = 0 }},
		{"negative retry delay", func(c *Config) { c.Encoder.RetryDelay = -time.Second }},
		{"free memory pct over 100", func(c *Config) { c.Device.MinFreeMemoryPct = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
