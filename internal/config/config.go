package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the simulator.
type Config struct {
	Server struct {
		URL            string        `mapstructure:"url"`
		TenantToken    string        `mapstructure:"tenant_token"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"server"`
	Simulator struct {
		SuccessRate  float64 `mapstructure:"success_rate"`
		DatabasePath string  `mapstructure:"database_path"`
		KeyBits      int     `mapstructure:"key_bits"`
		LogLevel     string  `mapstructure:"log_level"`
		Development  bool    `mapstructure:"development"`
	} `mapstructure:"simulator"`
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Industries    map[string]IndustryConfig `mapstructure:"industries"`
	ErrorMessages []string                  `mapstructure:"error_messages"`
}

// IndustryConfig describes one vertical's fleet segment.
type IndustryConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Count         int            `mapstructure:"count"`
	BandwidthKbps int            `mapstructure:"bandwidth_kbps"`
	IDPrefix      string         `mapstructure:"id_prefix"`
	DeviceType    string         `mapstructure:"device_type"`
	SuccessRate   float64        `mapstructure:"success_rate"`
	Inventory     map[string]any `mapstructure:"inventory"`
	Manufacturers []string       `mapstructure:"manufacturers"`
	OUIPrefixes   []string       `mapstructure:"oui_prefixes"`
	DeviceClasses []string       `mapstructure:"device_classes"`
	Plants        []string       `mapstructure:"plants"`
	Regions       []string       `mapstructure:"regions"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("fleetsim")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the simulator cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.PollInterval < 5*time.Second {
		return fmt.Errorf("server.poll_interval must be at least 5s, got %s", c.Server.PollInterval)
	}
	if c.Simulator.SuccessRate < 0 || c.Simulator.SuccessRate > 1 {
		return fmt.Errorf("simulator.success_rate must be within [0,1], got %g", c.Simulator.SuccessRate)
	}
	for name, ind := range c.Industries {
		if !ind.Enabled {
			continue
		}
		if ind.Count < 0 {
			return fmt.Errorf("industries.%s.count must not be negative", name)
		}
		if ind.SuccessRate < 0 || ind.SuccessRate > 1 {
			return fmt.Errorf("industries.%s.success_rate must be within [0,1], got %g", name, ind.SuccessRate)
		}
	}
	return nil
}

// EnabledIndustries returns only the industry segments marked enabled.
func (c *Config) EnabledIndustries() map[string]IndustryConfig {
	enabled := make(map[string]IndustryConfig)
	for name, ind := range c.Industries {
		if ind.Enabled {
			enabled[name] = ind
		}
	}
	return enabled
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "https://hosted.mender.io")
	v.SetDefault("server.poll_interval", "30s")
	v.SetDefault("server.request_timeout", "10s")

	v.SetDefault("simulator.success_rate", 0.8)
	v.SetDefault("simulator.database_path", "./data/devices.db")
	v.SetDefault("simulator.key_bits", 3072)
	v.SetDefault("simulator.log_level", "info")
	v.SetDefault("simulator.development", false)

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")

	v.SetDefault("error_messages", []string{
		"Update failed: kernel panic during boot verification",
		"Artifact checksum mismatch after download",
		"Out of memory during artifact extraction",
		"Failed to mount update partition",
		"Bootloader rejected new image signature",
		"Watchdog reset during installation",
		"Insufficient storage for artifact",
	})
}
