// Package config loads stage3 settings from defaults, an optional TOML file
// and STAGE3_* environment variables.
package config

import (
	"time"

	"github.com/ib-77/stage3/pkg/errors"
	"github.com/ib-77/stage3/pkg/logger"
	"github.com/ib-77/stage3/pkg/staging"
)

type Config struct {
	Staging StagingConfig `mapstructure:"staging"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StagingConfig holds the defaults applied to every step a driver builds.
type StagingConfig struct {
	WorkAhead       int           `mapstructure:"work_ahead"`     // input queue capacity per step
	Processors      int           `mapstructure:"processors"`     // workers at start
	MaxProcessors   int           `mapstructure:"max_processors"` // 0 = same as processors
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// MetricsConfig configures the Prometheus export of step statistics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Addr      string `mapstructure:"addr"` // empty = do not serve
}

// StepConfig returns a step config carrying these defaults.
func (c StagingConfig) StepConfig(name string) staging.StepConfig {
	return staging.StepConfig{
		Name:          name,
		WorkAhead:     c.WorkAhead,
		Processors:    c.Processors,
		MaxProcessors: c.MaxProcessors,
	}
}

// LoggerOptions maps the log section onto logger.Initialize options.
func (c LogConfig) LoggerOptions() logger.Options {
	return logger.Options{JSON: c.JSON, Level: c.Level}
}

// Validate rejects settings no step could run with.
func (c *Config) Validate() error {
	s := c.Staging
	switch {
	case s.WorkAhead < 0:
		return errors.Newf("staging.work_ahead must be >= 0, got %d", s.WorkAhead)
	case s.Processors < 0:
		return errors.Newf("staging.processors must be >= 0, got %d", s.Processors)
	case s.MaxProcessors != 0 && s.MaxProcessors < s.Processors:
		return errors.Newf("staging.max_processors (%d) is below staging.processors (%d)",
			s.MaxProcessors, s.Processors)
	case s.MonitorInterval < 0:
		return errors.Newf("staging.monitor_interval must be >= 0, got %s", s.MonitorInterval)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return errors.New("metrics.namespace is required when metrics are enabled")
	}
	return nil
}
