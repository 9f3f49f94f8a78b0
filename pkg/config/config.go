// Package config loads the front node's configuration: a TOML file with
// QUILTFS_* environment overrides, decoded with mapstructure and checked
// with struct validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quiltfs/quiltfs/pkg/front/metadata"
)

// Config is the front node's configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (QUILTFS_*)
//  2. Configuration file (TOML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Metrics controls the Prometheus registry and the /metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Database configures the metadata database holding the namespace.
	Database metadata.Config `mapstructure:"database_connection"`

	// HTTPServer configures the HTTP API.
	HTTPServer HTTPServerConfig `mapstructure:"http_server"`

	// SFTPServer configures the SFTP endpoint.
	SFTPServer SFTPServerConfig `mapstructure:"sftp_server"`

	// StorageNodes maps a node name to how to reach it. Names are stable:
	// they key the nodes registry in the database.
	StorageNodes map[string]StorageNodeConfig `mapstructure:"storage_nodes"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPServerConfig configures the HTTP API listener.
type HTTPServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`
}

// SFTPServerConfig configures the SFTP endpoint. The key paths point at an
// OpenSSH keypair for the server's host identity.
type SFTPServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`
	PublicKey  string `mapstructure:"public_key"  validate:"required"`
	PrivateKey string `mapstructure:"private_key" validate:"required"`
}

// StorageNodeConfig describes how to reach one storage node.
type StorageNodeConfig struct {
	Addr     string  `mapstructure:"addr" validate:"required,hostname_port"`
	TimeoutS float64 `mapstructure:"timeout_s" validate:"gte=0"`
}

// Timeout returns the configured request timeout, defaulting to one second.
func (c StorageNodeConfig) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return time.Second
	}
	return time.Duration(c.TimeoutS * float64(time.Second))
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	c.Database.ApplyDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.Database.Validate()
}

// Load reads the configuration file at path and applies environment
// overrides, defaults and validation.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if !strings.Contains(path, ".") {
		v.SetConfigType("toml")
	}

	v.SetEnvPrefix("QUILTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
