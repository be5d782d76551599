package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "go-ble", cfg.Backend)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, "Polar", cfg.Scan.NameFilter)
	assert.Equal(t, 5*time.Second, cfg.Scan.Duration)
	assert.Equal(t, catalog.DefaultStream, cfg.Stream.Catalog())
	assert.Equal(t, 30*time.Second, cfg.Stream.ConnectTimeout)
	assert.Equal(t, 256, cfg.Stream.SampleBuffer)
	assert.Equal(t, catalog.DefaultProfile, cfg.Profile)
	assert.NoError(t, cfg.Validate(), "default config MUST be valid")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
backend: tinygo
scan:
  duration: 12s
  allow: ["A0:9E:1A:00:00:01"]
stream:
  channel: gyro
  rate: 104
  range: 500
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tinygo", cfg.Backend)
	assert.Equal(t, 12*time.Second, cfg.Scan.Duration)
	assert.Equal(t, []string{"A0:9E:1A:00:00:01"}, cfg.Scan.AllowList)
	assert.Equal(t, "Polar", cfg.Scan.NameFilter, "unset fields MUST keep their defaults")
	assert.Equal(t, catalog.StreamConfig{Channel: "gyro", Rate: 104, Range: 500}, cfg.Stream.Catalog())
	assert.Equal(t, 30*time.Second, cfg.Stream.ConnectTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan: [not, a, map"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "bluez-raw" }, wantErr: "backend"},
		{name: "bad output format", mutate: func(c *Config) { c.OutputFormat = "xml" }, wantErr: "output_format"},
		{name: "zero scan duration", mutate: func(c *Config) { c.Scan.Duration = 0 }, wantErr: "scan.duration"},
		{name: "bad service filter", mutate: func(c *Config) { c.Scan.ServiceUUIDs = []string{"zz"} }, wantErr: "scan.services"},
		{name: "unsupported rate", mutate: func(c *Config) { c.Stream.Rate = 51 }, wantErr: "unsupported stream configuration"},
		{name: "zero connect timeout", mutate: func(c *Config) { c.Stream.ConnectTimeout = 0 }, wantErr: "stream.connect_timeout"},
		{name: "zero sample buffer", mutate: func(c *Config) { c.Stream.SampleBuffer = 0 }, wantErr: "stream.sample_buffer"},
		{name: "bad profile", mutate: func(c *Config) { c.Profile.Data = "" }, wantErr: "profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info for unknown level", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
