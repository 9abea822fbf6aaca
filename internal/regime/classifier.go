// Package regime provides market regime classification and transition
// detection from volatility, breadth, and momentum signals.
package regime

import (
	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// Bands are the VIX boundaries separating the four regimes. Each band is
// half-open: [0, LowVolMax) is low-vol, [LowVolMax, BullMax) bull-normal,
// [BullMax, HighVolMax) high-vol stress, [HighVolMax, inf) crisis.
type Bands struct {
	LowVolMax  float64 `json:"lowVolMax" mapstructure:"low_vol_max"`
	BullMax    float64 `json:"bullMax" mapstructure:"bull_max"`
	HighVolMax float64 `json:"highVolMax" mapstructure:"high_vol_max"`
}

// DefaultBands returns the calibrated VIX boundaries.
func DefaultBands() Bands {
	return Bands{LowVolMax: 15, BullMax: 30, HighVolMax: 50}
}

// Classifier maps a market snapshot to a regime. Classification is
// primarily VIX-band based with a single-step secondary adjustment from
// breadth and momentum.
type Classifier struct {
	logger *zap.Logger
	bands  Bands
}

// NewClassifier creates a classifier with the given VIX bands.
func NewClassifier(logger *zap.Logger, bands Bands) *Classifier {
	return &Classifier{
		logger: logger.Named("classifier"),
		bands:  bands,
	}
}

// Bands returns the classifier's VIX boundaries.
func (c *Classifier) Bands() Bands {
	return c.bands
}

// Classify derives the regime for a snapshot. VIX values outside the
// realistic range are accepted unclamped; validation is a caller concern.
func (c *Classifier) Classify(snap types.MarketSnapshot) types.RegimeType {
	regime := c.classifyByVix(snap.Vix)

	// Secondary adjustment needs both breadth and momentum; at most one
	// severity step is ever applied.
	if snap.T2108 == nil || snap.MomentumRatio == nil {
		return regime
	}
	t2108 := *snap.T2108
	momentum := *snap.MomentumRatio

	switch {
	case t2108 < 20 && momentum < 0.8: // weak breadth and momentum
		if regime == types.RegimeBullNormal {
			regime = types.RegimeHighVolStress
		} else if regime == types.RegimeLowVolComplacency {
			regime = types.RegimeBullNormal
		}
	case t2108 > 60 && momentum > 2.0: // strong breadth and momentum
		if regime == types.RegimeHighVolStress {
			regime = types.RegimeBullNormal
		} else if regime == types.RegimeBullNormal && snap.Vix < 20 {
			regime = types.RegimeLowVolComplacency
		}
	}

	return regime
}

func (c *Classifier) classifyByVix(vix float64) types.RegimeType {
	switch {
	case vix >= c.bands.HighVolMax:
		return types.RegimeCrisisOpportunity
	case vix >= c.bands.BullMax:
		return types.RegimeHighVolStress
	case vix >= c.bands.LowVolMax:
		return types.RegimeBullNormal
	default:
		return types.RegimeLowVolComplacency
	}
}
