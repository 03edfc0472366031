package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ib-77/stage3/pkg/staging"
)

// EnvPrefix prefixes every environment override, e.g. STAGE3_STAGING_WORK_AHEAD.
const EnvPrefix = "STAGE3"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("staging.work_ahead", staging.DefaultWorkAhead)
	v.SetDefault("staging.processors", 1)
	v.SetDefault("staging.max_processors", 0)
	v.SetDefault("staging.monitor_interval", 2*time.Second)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "stage3")
	v.SetDefault("metrics.addr", "")
}
