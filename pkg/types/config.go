package types

import (
	"fmt"
	"time"
)

// RegimeConfig is the per-regime rule bundle. Instances are immutable
// after load; adjustments produce copies.
type RegimeConfig struct {
	StopLossPct         float64    `json:"stopLossPct" mapstructure:"stop_loss_pct"`                  // negative percent
	ProfitLevelsPct     [3]float64 `json:"profitLevelsPct" mapstructure:"profit_levels_pct"`          // ascending
	PositionScalingPct  [3]float64 `json:"positionScalingPct" mapstructure:"position_scaling_pct"`    // cumulative, last = 100
	TRStopMultiplier    float64    `json:"trStopMultiplier" mapstructure:"tr_stop_multiplier"`
	TRProfitMultipliers [3]float64 `json:"trProfitMultipliers" mapstructure:"tr_profit_multipliers"`
	MaxHoldDays         int        `json:"maxHoldDays" mapstructure:"max_hold_days"`
	Description         string     `json:"description,omitempty" mapstructure:"description"`
}

// Validate checks the structural invariants of a rule bundle. Violations
// are configuration errors, caught once at load time.
func (c RegimeConfig) Validate() error {
	if c.StopLossPct >= 0 {
		return fmt.Errorf("stopLossPct must be negative, got %.2f", c.StopLossPct)
	}
	if c.MaxHoldDays < 1 {
		return fmt.Errorf("maxHoldDays must be >= 1, got %d", c.MaxHoldDays)
	}
	for i := 1; i < 3; i++ {
		if c.ProfitLevelsPct[i] <= c.ProfitLevelsPct[i-1] {
			return fmt.Errorf("profitLevelsPct must be strictly ascending: %v", c.ProfitLevelsPct)
		}
		if c.PositionScalingPct[i] <= c.PositionScalingPct[i-1] {
			return fmt.Errorf("positionScalingPct must be strictly ascending: %v", c.PositionScalingPct)
		}
	}
	if c.PositionScalingPct[2] != 100 {
		return fmt.Errorf("positionScalingPct must end at 100, got %.1f", c.PositionScalingPct[2])
	}
	return nil
}

// Adjusted returns a copy of the config with a rule adjustment applied:
// stop fields scaled by the stop multiplier, profit fields by the profit
// multiplier, and hold time shortened by the urgency factor (floored,
// minimum one day).
func (c RegimeConfig) Adjusted(adj RuleAdjustment) RegimeConfig {
	out := c
	out.StopLossPct *= adj.StopMultiplier
	out.TRStopMultiplier *= adj.StopMultiplier
	for i := range out.ProfitLevelsPct {
		out.ProfitLevelsPct[i] *= adj.ProfitMultiplier
		out.TRProfitMultipliers[i] *= adj.ProfitMultiplier
	}
	if adj.UrgencyFactor > 1 {
		days := int(float64(c.MaxHoldDays) / adj.UrgencyFactor)
		if days < 1 {
			days = 1
		}
		out.MaxHoldDays = days
	}
	return out
}

// RegimeConfigs maps every regime to its rule bundle.
type RegimeConfigs map[RegimeType]RegimeConfig

// Validate checks that every regime has a valid bundle.
func (rc RegimeConfigs) Validate() error {
	for _, regime := range AllRegimes() {
		cfg, ok := rc[regime]
		if !ok {
			return fmt.Errorf("missing config for regime %s", regime)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("regime %s: %w", regime, err)
		}
	}
	return nil
}

// DefaultRegimeConfigs returns the calibrated per-regime rule bundles.
func DefaultRegimeConfigs() RegimeConfigs {
	return RegimeConfigs{
		RegimeCrisisOpportunity: {
			StopLossPct:         -15.0,
			ProfitLevelsPct:     [3]float64{20, 35, 50},
			PositionScalingPct:  [3]float64{25, 50, 100},
			TRStopMultiplier:    2.5,
			TRProfitMultipliers: [3]float64{3.0, 5.0, 7.0},
			MaxHoldDays:         4,
			Description:         "Crisis: wide stops, aggressive rebound targets",
		},
		RegimeHighVolStress: {
			StopLossPct:         -12.0,
			ProfitLevelsPct:     [3]float64{15, 28, 45},
			PositionScalingPct:  [3]float64{25, 50, 100},
			TRStopMultiplier:    2.0,
			TRProfitMultipliers: [3]float64{2.5, 4.0, 6.0},
			MaxHoldDays:         3,
			Description:         "High-vol: moderate balance of stops and targets",
		},
		RegimeBullNormal: {
			StopLossPct:         -8.0,
			ProfitLevelsPct:     [3]float64{12, 25, 40},
			PositionScalingPct:  [3]float64{25, 50, 100},
			TRStopMultiplier:    1.8,
			TRProfitMultipliers: [3]float64{2.0, 3.5, 5.5},
			MaxHoldDays:         3,
			Description:         "Bull: standard defensive stops, moderate targets",
		},
		RegimeLowVolComplacency: {
			StopLossPct:         -5.0,
			ProfitLevelsPct:     [3]float64{8, 15, 25},
			PositionScalingPct:  [3]float64{30, 60, 100},
			TRStopMultiplier:    1.2,
			TRProfitMultipliers: [3]float64{1.8, 3.0, 4.5},
			MaxHoldDays:         2,
			Description:         "Low-vol: tight stops, early profit-taking",
		},
	}
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	MetricsPort    int           `json:"metricsPort" mapstructure:"metrics_port"`
	MaxConnections int           `json:"maxConnections" mapstructure:"max_connections"`
}

// PerformanceReport is the exported portfolio report document.
type PerformanceReport struct {
	ID          string                              `json:"id"`
	Summary     PortfolioPerformance                `json:"summary"`
	ByRegime    map[RegimeType]PortfolioPerformance `json:"byRegime,omitempty"`
	Trades      []ClosedTrade                       `json:"trades"`
	GeneratedAt time.Time                           `json:"generatedAt"`
}
