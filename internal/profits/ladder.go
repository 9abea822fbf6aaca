// Package profits builds staged profit-taking ladders from regime rules
// and True-Range volatility.
package profits

import (
	"fmt"

	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// Ladder computes ordered profit targets. Stateless beyond its logger.
type Ladder struct {
	logger *zap.Logger
}

// NewLadder creates a profit ladder engine.
func NewLadder(logger *zap.Logger) *Ladder {
	return &Ladder{logger: logger.Named("profits")}
}

// Targets builds the three-level ladder for a position. Each target is the
// more optimistic of the percentage-based and True-Range-based price.
// Assumes cfg has been validated at load time.
func (l *Ladder) Targets(entryPrice float64, cfg types.RegimeConfig, currentTrueRange float64) ([]types.ProfitTarget, error) {
	if entryPrice <= 0 {
		return nil, fmt.Errorf("entry price %.4f: %w", entryPrice, types.ErrInvalidInput)
	}
	if currentTrueRange <= 0 {
		return nil, fmt.Errorf("true range %.4f: %w", currentTrueRange, types.ErrInvalidInput)
	}

	targets := make([]types.ProfitTarget, 0, len(cfg.ProfitLevelsPct))
	for i := range cfg.ProfitLevelsPct {
		basePrice := entryPrice * (1 + cfg.ProfitLevelsPct[i]/100)
		trPrice := entryPrice + currentTrueRange*cfg.TRProfitMultipliers[i]

		price := basePrice
		method := "pct_based"
		if trPrice > basePrice {
			price = trPrice
			method = "tr_based"
		}

		toClose := cfg.PositionScalingPct[i]
		if i > 0 {
			toClose -= cfg.PositionScalingPct[i-1]
		}

		targets = append(targets, types.ProfitTarget{
			Level:            i + 1,
			Price:            price,
			Pct:              (price/entryPrice - 1) * 100,
			PositionToClose:  toClose,
			CumulativeClosed: cfg.PositionScalingPct[i],
			Method:           method,
		})
	}

	l.logger.Debug("profit ladder built",
		zap.Float64("entryPrice", entryPrice),
		zap.Float64("firstTarget", targets[0].Price),
		zap.Float64("lastTarget", targets[len(targets)-1].Price))

	return targets, nil
}
