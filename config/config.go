// Package config loads and validates the convoke configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altbridge/convoke/breaker"
	"github.com/altbridge/convoke/executor"
	"github.com/altbridge/convoke/logging"
	"github.com/altbridge/convoke/retry"
	"github.com/altbridge/convoke/unit"
)

const (
	// Default engine settings
	defaultWorkers     = 4
	defaultUnitTimeout = 10 * time.Minute

	// Default circuit breaker settings
	defaultFailureThreshold = 3
	defaultSuccessThreshold = 1
	defaultOpenTimeout      = 60 * time.Second

	// Default retry settings
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultBackoffFactor = 2.0

	// Default ledger settings
	defaultLedgerPath = "rollback.ledger"

	// Default monitoring settings
	defaultMetricsPrefix = "convoke"
	defaultJobName       = "convoke"

	// Default logging settings
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"
)

// Config represents the complete application configuration.
type Config struct {
	Engine     executor.Config  `yaml:"engine"`
	Breaker    breaker.Config   `yaml:"breaker"`
	Retry      retry.Config     `yaml:"retry"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logging    logging.Config   `yaml:"logging"`
	Units      []UnitConfig     `yaml:"units"`
}

// LedgerConfig holds rollback ledger persistence settings.
type LedgerConfig struct {
	// Path is the location of the durable append-only ledger file.
	Path string `yaml:"path"`
}

// MonitoringConfig holds metrics and monitoring settings.
type MonitoringConfig struct {
	// RemoteWriteURL is the base URL of a Prometheus remote write endpoint.
	// Empty disables the end-of-run metrics push.
	RemoteWriteURL string `yaml:"remote_write_url"`
	MetricsPrefix  string `yaml:"metrics_prefix"`
	JobName        string `yaml:"jobname"`
}

// SchedulerConfig holds scheduled-run settings.
type SchedulerConfig struct {
	// CronSpec is a standard 5-field cron expression for periodic converge
	// runs. Empty disables scheduling.
	CronSpec string `yaml:"cron_spec"`
}

// UnitConfig declares one configuration unit.
type UnitConfig struct {
	ID              string         `yaml:"id"`
	Type            string         `yaml:"type"`
	DependsOn       []string       `yaml:"depends_on"`
	Priority        int            `yaml:"priority"`
	ForceSequential bool           `yaml:"force_sequential"`
	Mandatory       bool           `yaml:"mandatory"`
	Params          map[string]any `yaml:"params"`
}

// Descriptor converts the unit's scheduling metadata.
func (u UnitConfig) Descriptor() unit.Descriptor {
	return unit.Descriptor{
		ID:              u.ID,
		DependsOn:       u.DependsOn,
		Priority:        u.Priority,
		ForceSequential: u.ForceSequential,
		Mandatory:       u.Mandatory,
	}
}

// Load reads, parses, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in default values for unset fields.
func (c *Config) setDefaults() {
	if c.Engine.Workers == 0 {
		c.Engine.Workers = defaultWorkers
	}
	if c.Engine.UnitTimeout == 0 {
		c.Engine.UnitTimeout = defaultUnitTimeout
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaultFailureThreshold
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = defaultSuccessThreshold
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = defaultOpenTimeout
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = defaultMaxRetries
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaultBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaultMaxDelay
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = defaultBackoffFactor
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = defaultLedgerPath
	}

	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// Validate checks the configuration for structural errors. Dependency
// references and cycles are the graph's concern, not checked here.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.UnitTimeout < 0 {
		return fmt.Errorf("engine.unit_timeout must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1, got %d", c.Breaker.SuccessThreshold)
	}

	seen := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		if u.ID == "" {
			return fmt.Errorf("units[%d]: id is required", i)
		}
		if u.Type == "" {
			return fmt.Errorf("unit %q: type is required", u.ID)
		}
		if seen[u.ID] {
			return fmt.Errorf("unit %q: duplicate id", u.ID)
		}
		seen[u.ID] = true
	}

	return nil
}
