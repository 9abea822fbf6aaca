// Package performance reduces closed trades to portfolio statistics.
package performance

import (
	"math"

	"github.com/bidback/risk-engine/pkg/types"
)

// annualization assumes an average hold of roughly one trading week.
const tradesPerYear = 252.0 / 5.0

// Aggregate computes portfolio statistics over realized trade returns
// (fractions, in close order). An empty slice yields all zeros.
func Aggregate(returns []float64) types.PortfolioPerformance {
	n := len(returns)
	if n == 0 {
		return types.PortfolioPerformance{}
	}

	var sum, maxWin, maxLoss float64
	wins := 0
	maxWin = returns[0]
	maxLoss = returns[0]
	for _, r := range returns {
		sum += r
		if r > 0 {
			wins++
		}
		if r > maxWin {
			maxWin = r
		}
		if r < maxLoss {
			maxLoss = r
		}
	}
	mean := sum / float64(n)

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n)
	stdev := math.Sqrt(variance)

	sharpe := 0.0
	if stdev > 0 {
		sharpe = mean / stdev * math.Sqrt(tradesPerYear)
	}

	currentDD, maxDD := drawdowns(returns)

	return types.PortfolioPerformance{
		TotalTrades:       n,
		TotalReturnPct:    sum * 100,
		AvgReturnPerTrade: mean * 100,
		WinRate:           float64(wins) / float64(n),
		MaxWin:            maxWin * 100,
		MaxLoss:           maxLoss * 100,
		SharpeRatio:       sharpe,
		CurrentDrawdown:   currentDD,
		MaxDrawdown:       maxDD,
		AnnualizedROI:     mean * 100 * tradesPerYear,
	}
}

// AggregateTrades runs Aggregate over closed-trade records.
func AggregateTrades(trades []types.ClosedTrade) types.PortfolioPerformance {
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.Return
	}
	return Aggregate(returns)
}

// ByRegime groups closed trades by the regime they were opened in and
// aggregates each group independently.
func ByRegime(trades []types.ClosedTrade) map[types.RegimeType]types.PortfolioPerformance {
	groups := make(map[types.RegimeType][]float64)
	for _, t := range trades {
		groups[t.RegimeAtEntry] = append(groups[t.RegimeAtEntry], t.Return)
	}
	out := make(map[types.RegimeType]types.PortfolioPerformance, len(groups))
	for regime, returns := range groups {
		out[regime] = Aggregate(returns)
	}
	return out
}

// drawdowns walks the cumulative-product equity curve and returns the
// drawdown at the last point and the deepest drawdown, both in percent.
func drawdowns(returns []float64) (current, worst float64) {
	equity := 1.0
	runningMax := 1.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > runningMax {
			runningMax = equity
		}
		dd := (equity - runningMax) / runningMax * 100
		if dd < worst {
			worst = dd
		}
		current = dd
	}
	return current, worst
}
