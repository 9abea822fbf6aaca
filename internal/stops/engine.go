// Package stops computes adaptive stop-loss levels from regime rules and
// True-Range volatility.
package stops

import (
	"fmt"
	"sync"

	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	// Hard bounds on the final stop percentage, enforced after every
	// upstream multiplier.
	maxStopPct = -25.0
	minStopPct = -2.0

	// Rolling True-Range observations kept per symbol.
	trWindow = 5
)

// Engine derives stop levels by taking the more conservative of a
// percentage stop and a volatility-normalized True-Range stop.
type Engine struct {
	logger *zap.Logger

	mu        sync.Mutex
	trHistory map[string][]float64
}

// NewEngine creates a stop engine with empty True-Range history.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger:    logger.Named("stops"),
		trHistory: make(map[string][]float64),
	}
}

// ComputeStop calculates the stop level for a position being opened or
// re-evaluated. Records currentTrueRange into the symbol's rolling window
// before normalizing against it.
func (e *Engine) ComputeStop(symbol string, entryPrice float64, cfg types.RegimeConfig, currentTrueRange float64, t2108 *float64) (types.StopResult, error) {
	if entryPrice <= 0 {
		return types.StopResult{}, fmt.Errorf("entry price %.4f: %w", entryPrice, types.ErrInvalidInput)
	}
	if currentTrueRange <= 0 {
		return types.StopResult{}, fmt.Errorf("true range %.4f: %w", currentTrueRange, types.ErrInvalidInput)
	}

	volFactor := e.recordAndNormalize(symbol, currentTrueRange)

	basePct := cfg.StopLossPct
	trPct := -(currentTrueRange * cfg.TRStopMultiplier * volFactor / entryPrice) * 100

	finalPct := basePct
	method := "pct_based"
	if trPct < basePct {
		finalPct = trPct
		method = "tr_based"
	}

	if t2108 != nil {
		if *t2108 < 20 {
			finalPct *= 0.8
		} else if *t2108 > 60 {
			finalPct *= 1.2
		}
	}

	if finalPct < maxStopPct {
		finalPct = maxStopPct
	}
	if finalPct > minStopPct {
		finalPct = minStopPct
	}

	result := types.StopResult{
		StopLevel:        entryPrice * (1 + finalPct/100),
		StopPct:          finalPct,
		BasePct:          basePct,
		TRPct:            trPct,
		VolatilityFactor: volFactor,
		Method:           method,
	}

	e.logger.Debug("stop computed",
		zap.String("symbol", symbol),
		zap.Float64("stopLevel", result.StopLevel),
		zap.Float64("stopPct", result.StopPct),
		zap.Float64("volFactor", volFactor),
		zap.String("method", method))

	return result, nil
}

// recordAndNormalize appends the observation to the symbol's window and
// returns the current value divided by the window mean. With a single
// observation the factor is 1.0 by construction.
func (e *Engine) recordAndNormalize(symbol string, tr float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := append(e.trHistory[symbol], tr)
	if len(window) > trWindow {
		window = window[len(window)-trWindow:]
	}
	e.trHistory[symbol] = window

	sum := 0.0
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	if mean <= 0 {
		return 1.0
	}
	return tr / mean
}

// ResetSymbol drops the rolling window for a symbol, typically after the
// position closes.
func (e *Engine) ResetSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trHistory, symbol)
}
