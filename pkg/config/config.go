package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport backends
const (
	TransportGoBLE  = "goble"
	TransportTinyGo = "tinygo"
)

// MaxCommandCount is the largest command number the single-byte payload can carry
const MaxCommandCount = 255

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Transport string          `yaml:"transport" default:"goble"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Target    TargetConfig    `yaml:"target"`
	Commands  CommandsConfig  `yaml:"commands"`
}

// TimeoutConfig bounds every awaited Bluetooth operation. Zero disables a bound.
type TimeoutConfig struct {
	Init                time.Duration `yaml:"init" default:"10s"`
	Scan                time.Duration `yaml:"scan" default:"5s"`
	Connect             time.Duration `yaml:"connect" default:"30s"`
	Disconnect          time.Duration `yaml:"disconnect" default:"5s"`
	ServiceFetch        time.Duration `yaml:"service_fetch" default:"10s"`
	CharacteristicFetch time.Duration `yaml:"characteristic_fetch" default:"10s"`
	Write               time.Duration `yaml:"write" default:"5s"`
}

// DiscoveryConfig controls the discovered device registry
type DiscoveryConfig struct {
	ClearOnScan bool `yaml:"clear_on_scan" default:"false"`
}

// TargetConfig selects the command target characteristic
type TargetConfig struct {
	Policy         string `yaml:"policy" default:"first"` // first, writable or uuid
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// CommandsConfig describes the command controls
type CommandsConfig struct {
	Count  int    `yaml:"count" default:"5"`
	Script string `yaml:"script"` // optional Lua payload script
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blectl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Commands.Script = expandTilde(cfg.Commands.Script)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	switch c.Transport {
	case TransportGoBLE, TransportTinyGo:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportGoBLE, TransportTinyGo, c.Transport)
	}

	timeouts := map[string]time.Duration{
		"init":                 c.Timeouts.Init,
		"scan":                 c.Timeouts.Scan,
		"connect":              c.Timeouts.Connect,
		"disconnect":           c.Timeouts.Disconnect,
		"service_fetch":        c.Timeouts.ServiceFetch,
		"characteristic_fetch": c.Timeouts.CharacteristicFetch,
		"write":                c.Timeouts.Write,
	}
	for name, d := range timeouts {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative, got %s", name, d)
		}
	}

	switch c.Target.Policy {
	case "first", "writable":
	case "uuid":
		if c.Target.Characteristic == "" {
			return fmt.Errorf("target.characteristic is required for the uuid policy")
		}
	default:
		return fmt.Errorf("target.policy must be first, writable or uuid, got %q", c.Target.Policy)
	}

	if c.Commands.Count < 1 || c.Commands.Count > MaxCommandCount {
		return fmt.Errorf("commands.count must be between 1 and %d, got %d", MaxCommandCount, c.Commands.Count)
	}

	return nil
}

// Level returns the parsed log level, falling back to info
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

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
