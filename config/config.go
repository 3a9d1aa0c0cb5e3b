package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Dess     DessConfig     `mapstructure:"dess"`
	Poller   PollerConfig   `mapstructure:"poller"`
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DessConfig holds remote API access settings, including the fallback
// credentials used to silently re-establish a session when the current
// one is rejected.
type DessConfig struct {
	BaseURL    string       `mapstructure:"base_url"`
	Usr        string       `mapstructure:"usr"`
	Pwd        string       `mapstructure:"pwd"`
	CompanyKey string       `mapstructure:"company_key"`
	Device     DeviceConfig `mapstructure:"device"`
}

// DeviceConfig pins fixed device identifiers, skipping the remote
// directory lookup when set.
type DeviceConfig struct {
	PN      string `mapstructure:"pn"`
	SN      string `mapstructure:"sn"`
	Devcode string `mapstructure:"devcode"`
	Devaddr string `mapstructure:"devaddr"`
}

type PollerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LatestInterval time.Duration `mapstructure:"latest_interval"`
	ChartInterval  time.Duration `mapstructure:"chart_interval"`
	PaceDelay      time.Duration `mapstructure:"pace_delay"`
	RetentionDays  int           `mapstructure:"retention_days"`
	// FastFields are polled on every chart cycle and pruned to the
	// retention window.
	FastFields []string `mapstructure:"fast_fields"`
	// PerDayFields is the set of chart fields the remote API only serves
	// one calendar day per request; multi-day ranges for these are split
	// into consecutive single-day calls. Observed behavior, not
	// documented, so it stays configurable.
	PerDayFields []string `mapstructure:"per_day_fields"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/dess-monitor")
	}

	// Fallback credentials come from the environment in most deployments.
	viper.BindEnv("dess.usr", "DESS_USR")
	viper.BindEnv("dess.pwd", "DESS_PWD")
	viper.BindEnv("dess.company_key", "DESS_COMPANY_KEY")
	viper.BindEnv("dess.base_url", "DESS_BASE_URL")

	// Set defaults
	viper.SetDefault("dess.base_url", "https://web.dessmonitor.com/public/")
	viper.SetDefault("dess.usr", "")
	viper.SetDefault("dess.pwd", "")
	viper.SetDefault("dess.company_key", "")
	viper.SetDefault("dess.device.pn", "")
	viper.SetDefault("dess.device.sn", "")
	viper.SetDefault("dess.device.devcode", "")
	viper.SetDefault("dess.device.devaddr", "")
	viper.SetDefault("poller.enabled", true)
	viper.SetDefault("poller.latest_interval", "2m")
	viper.SetDefault("poller.chart_interval", "5m")
	viper.SetDefault("poller.pace_delay", "500ms")
	viper.SetDefault("poller.retention_days", 2)
	viper.SetDefault("poller.fast_fields", []string{"bt_battery_voltage", "pv_output_power"})
	viper.SetDefault("poller.per_day_fields", []string{"bt_battery_voltage", "pv_output_power"})
	viper.SetDefault("api.port", 8046)
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("database.path", "./dessmonitor.db")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// HasFallbackCredentials reports whether all three fallback login fields
// are configured.
func (c *DessConfig) HasFallbackCredentials() bool {
	return c.Usr != "" && c.Pwd != "" && c.CompanyKey != ""
}

// HasFixedDevice reports whether a device is pinned in configuration.
func (c *DeviceConfig) HasFixedDevice() bool {
	return c.PN != "" && c.SN != ""
}
