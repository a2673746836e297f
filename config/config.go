// Package config loads and validates the groupdav configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Duration wraps time.Duration so timeouts read naturally in YAML
// ("5s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and configures the calendar object store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// AnalyzerConfig tunes recurrence analysis.
type AnalyzerConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// SchedulingConfig configures iTIP message delivery.
type SchedulingConfig struct {
	Enabled bool       `yaml:"enabled"`
	NATS    NATSConfig `yaml:"nats"`
	// Addresses that identify rooms and equipment; messages to these
	// recipients are always delivered regardless of change significance.
	ResourceAddresses []string `yaml:"resource_addresses"`
}

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Subject        string   `yaml:"subject"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates a configuration file, filling in defaults for
// absent optional fields.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Scheduling.NATS.Subject == "" {
		c.Scheduling.NATS.Subject = "groupdav.scheduling"
	}
	if c.Scheduling.NATS.ConnectTimeout == 0 {
		c.Scheduling.NATS.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Analyzer.Validate(); err != nil {
		return err
	}
	if err := c.Scheduling.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendSQLite)),
		validation.Field(&c.DSN, validation.Required.When(c.Backend == BackendSQLite)),
	)
}

// Validate validates the analyzer configuration.
func (c *AnalyzerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxIterations, validation.Min(0)),
	)
}

// Validate validates the scheduling configuration.
func (c *SchedulingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return c.NATS.Validate()
}

// Validate validates the NATS configuration.
func (c *NATSConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.Subject, validation.Required),
	)
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("json", "text")),
	)
}
