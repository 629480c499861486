package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys that can be overridden from the environment or flags.
const (
	KeyStateDir      = "state-dir"
	KeyWorkingDir    = "working-dir"
	KeyMaxInFlight   = "max-in-flight"
	KeyMonitor       = "monitor"
	KeyDashboardPort = "dashboard-port"
	KeyLogLevel      = "log-level"
	KeyLogFile       = "log-file"
	KeyLogJSON       = "log-json"
)

// NewViper returns a viper instance reading CONVEYOR_* environment
// variables (CONVEYOR_MAX_IN_FLIGHT for max-in-flight) and bound to the
// given flags, if any.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyLogLevel, "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ApplyOverrides copies explicitly set overrides into the settings.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v.IsSet(KeyStateDir) {
		c.Settings.StateDir = v.GetString(KeyStateDir)
	}
	if v.IsSet(KeyWorkingDir) {
		c.Settings.WorkingDir = v.GetString(KeyWorkingDir)
	}
	if v.IsSet(KeyMaxInFlight) {
		c.Settings.MaxInFlight = v.GetInt(KeyMaxInFlight)
	}
	if v.IsSet(KeyMonitor) {
		c.Settings.Monitor = v.GetString(KeyMonitor)
	}
	if v.IsSet(KeyDashboardPort) {
		c.Settings.DashboardPort = v.GetInt(KeyDashboardPort)
	}
}
