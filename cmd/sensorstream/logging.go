package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/pkg/config"
	"golang.org/x/term"
)

// loadConfig resolves the effective configuration: --config file, then the
// default config file when present, then built-in defaults. Global flags
// override file values.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if p := config.DefaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		if _, err := devicefactory.ParseBackend(backend); err != nil {
			return nil, err
		}
		cfg.Backend = backend
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configureLogger creates a logger writing to the command's stderr.
// --log-level takes precedence over the configured level.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.LogLevel
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		level = s
	}

	var logLevel logrus.Level
	switch level {
	case "debug":
		logLevel = logrus.DebugLevel
	case "info":
		logLevel = logrus.InfoLevel
	case "warn", "warning":
		logLevel = logrus.WarnLevel
	case "error":
		logLevel = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

// configureColor enables colored state lines only when stderr is a terminal.
func configureColor(cmd *cobra.Command) {
	f, ok := cmd.ErrOrStderr().(*os.File)
	color.NoColor = !ok || !term.IsTerminal(int(f.Fd()))
}
