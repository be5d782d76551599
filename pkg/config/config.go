package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/pkg/catalog"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string          `yaml:"log_level" default:"warn"`
	Backend      string          `yaml:"backend" default:"go-ble"`
	OutputFormat string          `yaml:"output_format" default:"table"` // table, json, csv
	Scan         ScanConfig      `yaml:"scan"`
	Stream       StreamConfig    `yaml:"stream"`
	Profile      catalog.Profile `yaml:"profile"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	NameFilter   string        `yaml:"name_filter" default:"Polar"`
	Duration     time.Duration `yaml:"duration" default:"5s"`
	ServiceUUIDs []string      `yaml:"services"`
	AllowList    []string      `yaml:"allow"`
	BlockList    []string      `yaml:"block"`
}

// StreamConfig holds the requested sensor stream and session limits.
type StreamConfig struct {
	Channel        string        `yaml:"channel" default:"acc"`
	Rate           uint16        `yaml:"rate" default:"52"`
	Range          uint16        `yaml:"range" default:"8"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	SampleBuffer   int           `yaml:"sample_buffer" default:"256"`
}

// Catalog returns the stream as a catalog.StreamConfig.
func (s StreamConfig) Catalog() catalog.StreamConfig {
	return catalog.StreamConfig{Channel: s.Channel, Rate: s.Rate, Range: s.Range}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sensorstream", "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Profile = catalog.DefaultProfile
	return cfg
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := devicefactory.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	switch c.OutputFormat {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("output_format must be table, json or csv, got %q", c.OutputFormat)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if len(c.Scan.ServiceUUIDs) > 0 {
		if _, err := device.ValidateUUID(c.Scan.ServiceUUIDs...); err != nil {
			return fmt.Errorf("scan.services: %w", err)
		}
	}

	if _, err := catalog.Validate(c.Stream.Catalog()); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if c.Stream.ConnectTimeout <= 0 {
		return fmt.Errorf("stream.connect_timeout must be > 0")
	}
	if c.Stream.SampleBuffer <= 0 {
		return fmt.Errorf("stream.sample_buffer must be > 0")
	}

	if _, err := device.ValidateUUID(c.Profile.Service, c.Profile.Control, c.Profile.Data); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
