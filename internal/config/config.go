// Package config loads and validates the engine configuration from
// defaults, an optional YAML file, and environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/pkg/types"
	"github.com/spf13/viper"
)

// Config is the fully resolved engine configuration. Regime configs are
// validated once here; downstream code assumes they are sound.
type Config struct {
	Server   types.ServerConfig  `mapstructure:"server"`
	Bands    regime.Bands        `mapstructure:"vix_bands"`
	Regimes  types.RegimeConfigs `mapstructure:"-"`
	LogLevel string              `mapstructure:"log_level"`
}

// fileConfig mirrors the YAML layout; regime keys arrive as strings.
type fileConfig struct {
	Server   types.ServerConfig            `mapstructure:"server"`
	Bands    regime.Bands                  `mapstructure:"vix_bands"`
	Regimes  map[string]types.RegimeConfig `mapstructure:"regimes"`
	LogLevel string                        `mapstructure:"log_level"`
}

// Load resolves the configuration. An empty path uses defaults and
// environment variables only; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RISK_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		Server:   fc.Server,
		Bands:    fc.Bands,
		Regimes:  types.DefaultRegimeConfigs(),
		LogLevel: fc.LogLevel,
	}

	// File entries override the calibrated defaults per regime.
	for key, rc := range fc.Regimes {
		regimeType := types.RegimeType(strings.ToLower(key))
		if _, known := cfg.Regimes[regimeType]; !known {
			return nil, fmt.Errorf("unknown regime %q in config", key)
		}
		cfg.Regimes[regimeType] = rc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration once at load time.
func (c *Config) Validate() error {
	if err := c.Regimes.Validate(); err != nil {
		return fmt.Errorf("regime configs: %w", err)
	}
	if c.Bands.LowVolMax <= 0 || c.Bands.BullMax <= c.Bands.LowVolMax || c.Bands.HighVolMax <= c.Bands.BullMax {
		return fmt.Errorf("vix bands must be ascending and positive: %+v", c.Bands)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.max_connections", 256)

	bands := regime.DefaultBands()
	v.SetDefault("vix_bands.low_vol_max", bands.LowVolMax)
	v.SetDefault("vix_bands.bull_max", bands.BullMax)
	v.SetDefault("vix_bands.high_vol_max", bands.HighVolMax)
}
