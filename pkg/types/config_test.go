package types

import (
	"math"
	"testing"
)

func TestDefaultRegimeConfigsValidate(t *testing.T) {
	configs := DefaultRegimeConfigs()
	if err := configs.Validate(); err != nil {
		t.Fatalf("default configs should validate: %v", err)
	}
	if len(configs) != len(AllRegimes()) {
		t.Fatalf("expected %d regimes, got %d", len(AllRegimes()), len(configs))
	}
}

func TestRegimeConfigValidate(t *testing.T) {
	base := DefaultRegimeConfigs()[RegimeBullNormal]

	tests := []struct {
		name    string
		mutate  func(*RegimeConfig)
		wantErr bool
	}{
		{"valid", func(c *RegimeConfig) {}, false},
		{"positive stop", func(c *RegimeConfig) { c.StopLossPct = 5 }, true},
		{"zero stop", func(c *RegimeConfig) { c.StopLossPct = 0 }, true},
		{"descending profit levels", func(c *RegimeConfig) { c.ProfitLevelsPct = [3]float64{25, 12, 40} }, true},
		{"scaling not ending at 100", func(c *RegimeConfig) { c.PositionScalingPct = [3]float64{25, 50, 90} }, true},
		{"zero hold days", func(c *RegimeConfig) { c.MaxHoldDays = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegimeConfigAdjusted(t *testing.T) {
	cfg := DefaultRegimeConfigs()[RegimeBullNormal]

	adj := NewRuleAdjustment()
	adj.StopMultiplier = 0.5
	adj.ProfitMultiplier = 2.0
	adj.UrgencyFactor = 3.0

	out := cfg.Adjusted(adj)

	if math.Abs(out.StopLossPct-cfg.StopLossPct*0.5) > 1e-9 {
		t.Errorf("stopLossPct = %v, want %v", out.StopLossPct, cfg.StopLossPct*0.5)
	}
	if math.Abs(out.TRStopMultiplier-cfg.TRStopMultiplier*0.5) > 1e-9 {
		t.Errorf("trStopMultiplier = %v, want %v", out.TRStopMultiplier, cfg.TRStopMultiplier*0.5)
	}
	for i := range out.ProfitLevelsPct {
		if math.Abs(out.ProfitLevelsPct[i]-cfg.ProfitLevelsPct[i]*2) > 1e-9 {
			t.Errorf("profitLevelsPct[%d] = %v, want %v", i, out.ProfitLevelsPct[i], cfg.ProfitLevelsPct[i]*2)
		}
	}
	if out.MaxHoldDays != 1 {
		t.Errorf("maxHoldDays = %d, want 1 (3/3.0 floored)", out.MaxHoldDays)
	}

	// Urgency at or below 1.0 leaves hold days alone.
	adj.UrgencyFactor = 0.5
	if got := cfg.Adjusted(adj).MaxHoldDays; got != cfg.MaxHoldDays {
		t.Errorf("maxHoldDays = %d, want unchanged %d", got, cfg.MaxHoldDays)
	}

	// Original is untouched.
	if cfg.StopLossPct != -8.0 {
		t.Errorf("original mutated: %v", cfg.StopLossPct)
	}
}

func TestRuleAdjustmentReason(t *testing.T) {
	adj := NewRuleAdjustment()
	if !adj.IsTrivial() {
		t.Error("fresh adjustment should be trivial")
	}

	adj.AppendReason("first")
	adj.AppendReason("second")
	if adj.Reason != "first; second" {
		t.Errorf("reason = %q", adj.Reason)
	}
	if adj.IsTrivial() {
		t.Error("adjustment with a reason is not trivial")
	}
}
