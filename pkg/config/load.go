package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/ib-77/stage3/pkg/errors"
)

// New returns a viper instance with defaults and environment binding. When
// configPath is set the file is read as well.
func New(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}
	return v, nil
}

// Load reads defaults, the optional file and STAGE3_* overrides, in that
// order of precedence.
func Load(configPath string) (*Config, error) {
	v, err := New(configPath)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid config"),
			"override with STAGE3_* environment variables or fix the config file")
	}
	return &config, nil
}

// LoadFromFile loads a file on top of the defaults without environment
// overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}
