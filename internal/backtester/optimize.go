package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// GridOptions defines the parameter search space. Every combination of
// bands, stop scalar, and profit scalar re-runs the combined layer.
type GridOptions struct {
	BandCandidates []regime.Bands `json:"bandCandidates"`
	StopScalars    []float64      `json:"stopScalars"`
	ProfitScalars  []float64      `json:"profitScalars"`
}

// DefaultGridOptions searches a small neighborhood around the calibrated
// bands and unit multipliers.
func DefaultGridOptions() GridOptions {
	return GridOptions{
		BandCandidates: []regime.Bands{
			{LowVolMax: 12, BullMax: 25, HighVolMax: 45},
			{LowVolMax: 15, BullMax: 30, HighVolMax: 50},
			{LowVolMax: 18, BullMax: 35, HighVolMax: 55},
		},
		StopScalars:   []float64{0.8, 1.0, 1.2},
		ProfitScalars: []float64{0.8, 1.0, 1.2},
	}
}

// Candidate is one evaluated grid point.
type Candidate struct {
	Bands          regime.Bands               `json:"bands"`
	StopScalar     float64                    `json:"stopScalar"`
	ProfitScalar   float64                    `json:"profitScalar"`
	Performance    types.PortfolioPerformance `json:"performance"`
	CompositeScore float64                    `json:"compositeScore"`
}

// OptimizationResult holds the winning grid point and every evaluation.
type OptimizationResult struct {
	Best        Candidate     `json:"best"`
	Evaluated   []Candidate   `json:"evaluated"`
	Elapsed     time.Duration `json:"elapsed"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Optimize grid-searches band and multiplier candidates, re-running the
// combined pass for each and keeping the best composite score.
func (b *Backtester) Optimize(trades []HistoricalTrade, opts GridOptions) (*OptimizationResult, error) {
	if len(trades) == 0 {
		return nil, fmt.Errorf("empty trade set: %w", types.ErrInvalidInput)
	}
	if len(opts.BandCandidates) == 0 || len(opts.StopScalars) == 0 || len(opts.ProfitScalars) == 0 {
		return nil, fmt.Errorf("empty grid: %w", types.ErrInvalidInput)
	}

	start := time.Now()

	var evaluated []Candidate
	best := Candidate{CompositeScore: math.Inf(-1)}

	for _, bands := range opts.BandCandidates {
		for _, stopScalar := range opts.StopScalars {
			for _, profitScalar := range opts.ProfitScalars {
				configs := scaleConfigs(b.configs, stopScalar, profitScalar)
				layer := b.runCombined(trades, configs, bands)

				candidate := Candidate{
					Bands:          bands,
					StopScalar:     stopScalar,
					ProfitScalar:   profitScalar,
					Performance:    layer.Performance,
					CompositeScore: layer.CompositeScore,
				}
				evaluated = append(evaluated, candidate)
				if candidate.CompositeScore > best.CompositeScore {
					best = candidate
				}
			}
		}
	}

	result := &OptimizationResult{
		Best:        best,
		Evaluated:   evaluated,
		Elapsed:     time.Since(start),
		GeneratedAt: time.Now().UTC(),
	}

	b.logger.Info("grid search complete",
		zap.Int("candidates", len(evaluated)),
		zap.Float64("bestScore", best.CompositeScore),
		zap.Float64("bestStopScalar", best.StopScalar),
		zap.Float64("bestProfitScalar", best.ProfitScalar),
		zap.Duration("elapsed", result.Elapsed))

	return result, nil
}

// scaleConfigs applies uniform stop/profit scalars to every regime config.
func scaleConfigs(configs types.RegimeConfigs, stopScalar, profitScalar float64) types.RegimeConfigs {
	adj := types.NewRuleAdjustment()
	adj.StopMultiplier = stopScalar
	adj.ProfitMultiplier = profitScalar

	out := make(types.RegimeConfigs, len(configs))
	for regimeType, cfg := range configs {
		out[regimeType] = cfg.Adjusted(adj)
	}
	return out
}
