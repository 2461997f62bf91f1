package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfoundry/foundry/pkg/telemetry"
)

// Config is the daemon configuration.
type Config struct {
	// Server configures the HTTP surface (health, metrics).
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Schematics configures the provisioning-engine client.
	Schematics SchematicsConfig `yaml:"schematics"`

	// Coordinator configures job execution.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Policy configures compliance-profile loading.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	// ListenAddress is the address for health and admin endpoints.
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file, or :memory:.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"min=1"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"min=0"`

	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchematicsConfig configures the provisioning-engine client.
type SchematicsConfig struct {
	// Endpoint is the base URL of the schematics API.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// APIKey authenticates daemon-level calls. Per-configuration
	// authorization still travels with each job.
	APIKey string `yaml:"api_key"`

	// RequestTimeout bounds individual HTTP calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryAttempts is the number of retries on transient failures.
	RetryAttempts int `yaml:"retry_attempts" validate:"min=0,max=10"`
}

// CoordinatorConfig configures job execution.
type CoordinatorConfig struct {
	// PollInterval is how often running engine jobs are polled.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PolicyConfig configures compliance-profile loading.
type PolicyConfig struct {
	// Paths are files or directories of rego/json policies loaded on
	// top of the built-ins. Subdirectories bind policies to the profile
	// they are named after.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig is the YAML shape of the telemetry settings. It is
// overlaid on telemetry.DefaultConfig.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter"`
		Endpoint     string  `yaml:"endpoint"`
		SamplingRate float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listen_address"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "foundry.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Schematics: SchematicsConfig{
			Endpoint:       "https://schematics.cloud.example.com",
			RequestTimeout: 30 * time.Second,
			RetryAttempts:  3,
		},
		Coordinator: CoordinatorConfig{
			PollInterval: 2 * time.Second,
		},
		Policy: PolicyConfig{
			Watch: true,
		},
	}
}

// Load reads a YAML configuration file, overlays it on the defaults and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration with struct tags plus the checks
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("invalid configuration: max_idle_conns (%d) exceeds max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Coordinator.PollInterval < 0 {
		return fmt.Errorf("invalid configuration: negative coordinator poll_interval")
	}
	return nil
}

// TelemetryConfig builds the telemetry configuration by overlaying the
// YAML settings on the library defaults.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version

	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	if c.Telemetry.Logging.Level != "" {
		tc.Logging.Level = c.Telemetry.Logging.Level
	}
	if c.Telemetry.Logging.Format != "" {
		tc.Logging.Format = c.Telemetry.Logging.Format
	}
	if c.Telemetry.Logging.Output != "" {
		tc.Logging.Output = c.Telemetry.Logging.Output
	}

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	if c.Telemetry.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	}
	if c.Telemetry.Tracing.SamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	}

	if c.Telemetry.Metrics.ListenAddress != "" {
		tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	}
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled || c.Telemetry.Metrics.ListenAddress != ""

	return tc
}
