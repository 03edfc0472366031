package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ib-77/stage3/pkg/staging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage3.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithViper_Defaults(t *testing.T) {
	t.Parallel()

	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, staging.DefaultWorkAhead, cfg.Staging.WorkAhead)
	assert.Equal(t, 1, cfg.Staging.Processors)
	assert.Equal(t, 2*time.Second, cfg.Staging.MonitorInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "stage3", cfg.Metrics.Namespace)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[staging]
work_ahead = 4
processors = 2
max_processors = 8
monitor_interval = "500ms"

[log]
json = true
level = "debug"
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Staging.WorkAhead)
	assert.Equal(t, 500*time.Millisecond, cfg.Staging.MonitorInterval)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "debug", cfg.Log.LoggerOptions().Level)

	sc := cfg.Staging.StepConfig("parser")
	assert.Equal(t, "parser", sc.Name)
	assert.Equal(t, 2, sc.Processors)
	assert.Equal(t, 8, sc.MaxProcessors)
	assert.Equal(t, 4, sc.WorkAhead)
}

func TestLoadFromFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.toml")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[staging]
work_ahead = 4
`)
	t.Setenv("STAGE3_STAGING_WORK_AHEAD", "32")
	t.Setenv("STAGE3_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Staging.WorkAhead)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "negative work ahead", mutate: func(c *Config) { c.Staging.WorkAhead = -1 }, wantErr: true},
		{name: "max below processors", mutate: func(c *Config) {
			c.Staging.Processors = 4
			c.Staging.MaxProcessors = 2
		}, wantErr: true},
		{name: "zero max means processors", mutate: func(c *Config) { c.Staging.Processors = 4 }},
		{name: "unknown level", mutate: func(c *Config) { c.Log.Level = "chatty" }, wantErr: true},
		{name: "metrics without namespace", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Namespace = ""
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			cfg, err := LoadWithViper(v)
			require.NoError(t, err)

			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
