package stops

import (
	"errors"
	"math"
	"testing"

	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

func fp(v float64) *float64 { return &v }

func bullConfig() types.RegimeConfig {
	return types.DefaultRegimeConfigs()[types.RegimeBullNormal]
}

func TestComputeStopPctBased(t *testing.T) {
	e := NewEngine(zap.NewNop())

	// TR stop (-5.32%) is less conservative than the -8% base, so the
	// percentage stop wins.
	result, err := e.ComputeStop("BIDU", 45.66, bullConfig(), 1.35, nil)
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}

	if result.Method != "pct_based" {
		t.Errorf("method = %q, want pct_based", result.Method)
	}
	if math.Abs(result.StopPct-(-8.0)) > 1e-9 {
		t.Errorf("stopPct = %v, want -8", result.StopPct)
	}
	if math.Abs(result.StopLevel-42.0072) > 1e-4 {
		t.Errorf("stopLevel = %v, want 42.0072", result.StopLevel)
	}
	if result.VolatilityFactor != 1.0 {
		t.Errorf("volatilityFactor = %v, want 1.0 with no history", result.VolatilityFactor)
	}
}

func TestComputeStopTRBased(t *testing.T) {
	e := NewEngine(zap.NewNop())

	result, err := e.ComputeStop("TR", 100, bullConfig(), 10, nil)
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}

	if result.Method != "tr_based" {
		t.Errorf("method = %q, want tr_based", result.Method)
	}
	if math.Abs(result.StopPct-(-18.0)) > 1e-9 {
		t.Errorf("stopPct = %v, want -18", result.StopPct)
	}
	if math.Abs(result.StopLevel-82.0) > 1e-9 {
		t.Errorf("stopLevel = %v, want 82", result.StopLevel)
	}
}

func TestComputeStopClamp(t *testing.T) {
	e := NewEngine(zap.NewNop())
	crisis := types.DefaultRegimeConfigs()[types.RegimeCrisisOpportunity]

	// Huge TR would give -125%; the hard lower bound wins.
	result, err := e.ComputeStop("WIDE", 10, crisis, 5, nil)
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	if result.StopPct != -25.0 {
		t.Errorf("stopPct = %v, want clamp at -25", result.StopPct)
	}

	// Loosening breadth cannot push past the upper bound either.
	lowVol := types.DefaultRegimeConfigs()[types.RegimeLowVolComplacency]
	shallow := lowVol
	shallow.StopLossPct = -2.0
	result, err = e.ComputeStop("NARROW", 1000, shallow, 0.01, fp(80))
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	if result.StopPct < -25.0 || result.StopPct > -2.0 {
		t.Errorf("stopPct = %v, out of [-25,-2]", result.StopPct)
	}
}

func TestComputeStopBounds(t *testing.T) {
	e := NewEngine(zap.NewNop())
	configs := types.DefaultRegimeConfigs()

	entries := []float64{0.5, 10, 45.66, 3000}
	ranges := []float64{0.001, 0.5, 2, 500}
	breadths := []*float64{nil, fp(5), fp(50), fp(95)}

	for _, cfg := range configs {
		for _, entry := range entries {
			for _, tr := range ranges {
				for _, t2108 := range breadths {
					result, err := e.ComputeStop("ANY", entry, cfg, tr, t2108)
					if err != nil {
						t.Fatalf("ComputeStop(%v, %v): %v", entry, tr, err)
					}
					if result.StopPct < -25.0 || result.StopPct > -2.0 {
						t.Errorf("stopPct = %v out of bounds for entry=%v tr=%v", result.StopPct, entry, tr)
					}
					if result.StopLevel >= entry {
						t.Errorf("stopLevel %v not below entry %v", result.StopLevel, entry)
					}
				}
			}
		}
	}
}

func TestComputeStopBreadthAdjustment(t *testing.T) {
	e := NewEngine(zap.NewNop())

	// Weak breadth tightens the stop by 0.8x: -8% -> -6.4%.
	result, err := e.ComputeStop("TIGHT", 45.66, bullConfig(), 1.35, fp(10))
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	if math.Abs(result.StopPct-(-6.4)) > 1e-9 {
		t.Errorf("stopPct = %v, want -6.4", result.StopPct)
	}

	// Strong breadth loosens by 1.2x: -8% -> -9.6%.
	e2 := NewEngine(zap.NewNop())
	result, err = e2.ComputeStop("LOOSE", 45.66, bullConfig(), 1.35, fp(70))
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	if math.Abs(result.StopPct-(-9.6)) > 1e-9 {
		t.Errorf("stopPct = %v, want -9.6", result.StopPct)
	}
}

func TestComputeStopVolatilityFactor(t *testing.T) {
	e := NewEngine(zap.NewNop())

	if _, err := e.ComputeStop("ROLL", 100, bullConfig(), 1.0, nil); err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	result, err := e.ComputeStop("ROLL", 100, bullConfig(), 2.0, nil)
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}

	// Window [1, 2], mean 1.5 -> factor 2/1.5.
	if math.Abs(result.VolatilityFactor-2.0/1.5) > 1e-9 {
		t.Errorf("volatilityFactor = %v, want %v", result.VolatilityFactor, 2.0/1.5)
	}

	// Reset drops the window.
	e.ResetSymbol("ROLL")
	result, err = e.ComputeStop("ROLL", 100, bullConfig(), 2.0, nil)
	if err != nil {
		t.Fatalf("ComputeStop: %v", err)
	}
	if result.VolatilityFactor != 1.0 {
		t.Errorf("volatilityFactor after reset = %v, want 1.0", result.VolatilityFactor)
	}
}

func TestComputeStopInvalidInput(t *testing.T) {
	e := NewEngine(zap.NewNop())

	if _, err := e.ComputeStop("BAD", 0, bullConfig(), 1.0, nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("zero entry: err = %v, want ErrInvalidInput", err)
	}
	if _, err := e.ComputeStop("BAD", -5, bullConfig(), 1.0, nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("negative entry: err = %v, want ErrInvalidInput", err)
	}
	if _, err := e.ComputeStop("BAD", 100, bullConfig(), 0, nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("zero true range: err = %v, want ErrInvalidInput", err)
	}
}
