// Package backtester replays historical trades through isolated and
// combined rule layers and ranks parameter variants by a risk-adjusted
// composite score.
package backtester

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bidback/risk-engine/internal/performance"
	"github.com/bidback/risk-engine/internal/position"
	"github.com/bidback/risk-engine/internal/profits"
	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/internal/stops"
	"github.com/bidback/risk-engine/internal/workers"
	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// Layer names in the comparative report.
const (
	LayerBaseline   = "baseline"
	LayerStopOnly   = "stop_only"
	LayerProfitOnly = "profit_only"
	LayerCombined   = "combined"
)

// Default horizon for the baseline exit and for leftover position closes
// in the isolated layers, in trading days.
const defaultBaselineHoldDays = 2

// HistoricalTrade is one historical entry with its subsequent daily bars.
type HistoricalTrade struct {
	Symbol        string           `json:"symbol"`
	EntryPrice    float64          `json:"entryPrice"`
	Vix           float64          `json:"vix"`
	T2108         *float64         `json:"t2108,omitempty"`
	MomentumRatio *float64         `json:"momentumRatio,omitempty"`
	Days          []types.DailyBar `json:"days"`
}

// LayerResult is one pass's aggregate outcome.
type LayerResult struct {
	Layer          string                     `json:"layer"`
	Performance    types.PortfolioPerformance `json:"performance"`
	StopTriggers   int                        `json:"stopTriggers,omitempty"`
	ProfitTriggers int                        `json:"profitTriggers,omitempty"`
	CompositeScore float64                    `json:"compositeScore"`
}

// Report compares all four layers.
type Report struct {
	Layers      map[string]LayerResult `json:"layers"`
	BestLayer   string                 `json:"bestLayer"`
	TotalTrades int                    `json:"totalTrades"`
	Elapsed     time.Duration          `json:"elapsed"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Backtester replays trades against a regime config set and VIX bands.
// Safe for concurrent use; each replay builds its own rule engines.
type Backtester struct {
	logger           *zap.Logger
	configs          types.RegimeConfigs
	bands            regime.Bands
	baselineHoldDays int
	pool             *workers.Pool
}

// New creates a backtester. The pool is optional; without one (or with a
// stopped one) replays run sequentially.
func New(logger *zap.Logger, configs types.RegimeConfigs, bands regime.Bands, pool *workers.Pool) *Backtester {
	return &Backtester{
		logger:           logger.Named("backtester"),
		configs:          configs,
		bands:            bands,
		baselineHoldDays: defaultBaselineHoldDays,
		pool:             pool,
	}
}

// Run executes all four layers over the trade set and ranks them.
func (b *Backtester) Run(trades []HistoricalTrade) (*Report, error) {
	if len(trades) == 0 {
		return nil, fmt.Errorf("empty trade set: %w", types.ErrInvalidInput)
	}
	for i, t := range trades {
		if t.EntryPrice <= 0 || len(t.Days) == 0 {
			return nil, fmt.Errorf("trade %d (%s): %w", i, t.Symbol, types.ErrInvalidInput)
		}
	}

	start := time.Now()

	layers := map[string]LayerResult{
		LayerBaseline:   b.runBaseline(trades),
		LayerStopOnly:   b.runStopOnly(trades),
		LayerProfitOnly: b.runProfitOnly(trades),
		LayerCombined:   b.runCombined(trades, b.configs, b.bands),
	}

	best := ""
	bestScore := math.Inf(-1)
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if layers[name].CompositeScore > bestScore {
			bestScore = layers[name].CompositeScore
			best = name
		}
	}

	report := &Report{
		Layers:      layers,
		BestLayer:   best,
		TotalTrades: len(trades),
		Elapsed:     time.Since(start),
		GeneratedAt: time.Now().UTC(),
	}

	b.logger.Info("backtest complete",
		zap.Int("trades", len(trades)),
		zap.String("bestLayer", best),
		zap.Duration("elapsed", report.Elapsed))

	return report, nil
}

// runBaseline exits every trade at the fixed horizon close.
func (b *Backtester) runBaseline(trades []HistoricalTrade) LayerResult {
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = b.baselineReturn(t)
	}
	return b.layerResult(LayerBaseline, returns, 0, 0)
}

// runStopOnly applies only the stop rule; trades that never touch the
// stop exit at the baseline horizon.
func (b *Backtester) runStopOnly(trades []HistoricalTrade) LayerResult {
	returns := make([]float64, len(trades))
	triggers := make([]int, len(trades))

	b.each(trades, func(shard *shardEngines, i int, t HistoricalTrade) {
		snap := t.snapshot()
		cfg := b.configs[shard.classifier.Classify(snap)]
		tr := tradeTrueRange(t)

		stopRes, err := shard.stops.ComputeStop(replayKey(t.Symbol, i), t.EntryPrice, cfg, tr, t.T2108)
		if err != nil {
			returns[i] = b.baselineReturn(t)
			return
		}

		returns[i] = b.baselineReturn(t)
		for _, day := range t.Days {
			_, low, _ := day.Floats()
			if low <= stopRes.StopLevel {
				returns[i] = (stopRes.StopLevel - t.EntryPrice) / t.EntryPrice
				triggers[i] = 1
				break
			}
		}
	})

	return b.layerResult(LayerStopOnly, returns, sum(triggers), 0)
}

// runProfitOnly applies only the profit ladder; any remainder exits at
// the baseline horizon.
func (b *Backtester) runProfitOnly(trades []HistoricalTrade) LayerResult {
	returns := make([]float64, len(trades))
	triggers := make([]int, len(trades))

	b.each(trades, func(shard *shardEngines, i int, t HistoricalTrade) {
		snap := t.snapshot()
		cfg := b.configs[shard.classifier.Classify(snap)]
		tr := tradeTrueRange(t)

		targets, err := shard.ladder.Targets(t.EntryPrice, cfg, tr)
		if err != nil {
			returns[i] = b.baselineReturn(t)
			return
		}

		total := 0.0
		remaining := 100.0
		hit := make([]bool, len(targets))
		for _, day := range t.Days {
			high, _, _ := day.Floats()
			for j, target := range targets {
				if hit[j] || target.Price > high || remaining <= 0 {
					continue
				}
				toClose := math.Min(target.PositionToClose, remaining)
				total += (target.Price - t.EntryPrice) / t.EntryPrice * toClose / 100
				remaining -= toClose
				hit[j] = true
				triggers[i]++
			}
			if remaining <= 0 {
				break
			}
		}
		if remaining > 0 {
			total += b.baselineReturn(t) * remaining / 100
		}
		returns[i] = total
	})

	return b.layerResult(LayerProfitOnly, returns, 0, sum(triggers))
}

// runCombined drives the full position lifecycle per trade: stop, profit
// ladder, regime re-adjustment, and time exit, with a forced close at the
// last bar if the position is still open.
func (b *Backtester) runCombined(trades []HistoricalTrade, configs types.RegimeConfigs, bands regime.Bands) LayerResult {
	returns := make([]float64, len(trades))
	stopTriggers := make([]int, len(trades))
	profitTriggers := make([]int, len(trades))

	b.eachWith(trades, configs, bands, func(_ *shardEngines, i int, t HistoricalTrade) {
		// Historical trades are independent replays, not a time series:
		// each gets its own engines so no snapshot chain crosses trades
		// and shard boundaries cannot change results.
		shard := newShardEngines(configs, bands)
		key := replayKey(t.Symbol, i)
		snap := t.snapshot()

		_, err := shard.manager.Open(position.OpenRequest{
			Symbol:          key,
			EntryPrice:      t.EntryPrice,
			Snapshot:        snap,
			PositionSizePct: 10,
			TrueRange:       tradeTrueRange(t),
		})
		if err != nil {
			returns[i] = b.baselineReturn(t)
			return
		}

		var last *types.UpdateResult
		for _, day := range t.Days {
			res, err := shard.manager.Update(key, day, snap)
			if err != nil {
				break
			}
			last = res
			for _, a := range res.Actions {
				switch a.Type {
				case types.ActionStopLoss:
					stopTriggers[i]++
				case types.ActionProfitTaking:
					profitTriggers[i]++
				}
			}
			if res.Status == types.StatusClosed {
				break
			}
		}

		if last == nil {
			returns[i] = b.baselineReturn(t)
			return
		}
		if last.Status != types.StatusClosed {
			_, _, close := t.Days[len(t.Days)-1].Floats()
			if res, err := shard.manager.ClosePosition(key, close); err == nil {
				last = res
			}
		}
		returns[i] = last.RealizedPnl
	})

	return b.layerResult(LayerCombined, returns, sum(stopTriggers), sum(profitTriggers))
}

func (b *Backtester) layerResult(name string, returns []float64, stopTriggers, profitTriggers int) LayerResult {
	perf := performance.Aggregate(returns)
	return LayerResult{
		Layer:          name,
		Performance:    perf,
		StopTriggers:   stopTriggers,
		ProfitTriggers: profitTriggers,
		CompositeScore: CompositeScore(perf),
	}
}

// CompositeScore ranks a layer by annualized ROI over max drawdown times
// Sharpe, falling back to plain ROI when drawdown or Sharpe is zero.
func CompositeScore(p types.PortfolioPerformance) float64 {
	maxDD := math.Abs(p.MaxDrawdown)
	if maxDD > 0 && p.SharpeRatio > 0 {
		return p.AnnualizedROI / maxDD * p.SharpeRatio
	}
	return p.AnnualizedROI
}

// shardEngines are the per-shard rule engines. Each shard owns its own
// instances so shards never share mutable state.
type shardEngines struct {
	classifier *regime.Classifier
	stops      *stops.Engine
	ladder     *profits.Ladder
	manager    *position.Manager
}

func newShardEngines(configs types.RegimeConfigs, bands regime.Bands) *shardEngines {
	logger := zap.NewNop()
	classifier := regime.NewClassifier(logger, bands)
	transitions := regime.NewTransitionManager(logger, classifier)
	stopEngine := stops.NewEngine(logger)
	ladder := profits.NewLadder(logger)
	return &shardEngines{
		classifier: classifier,
		stops:      stopEngine,
		ladder:     ladder,
		manager:    position.NewManager(logger, configs, classifier, transitions, stopEngine, ladder),
	}
}

// each shards the trade set across the pool, one engine set per shard,
// preserving per-trade result indices.
func (b *Backtester) each(trades []HistoricalTrade, fn func(*shardEngines, int, HistoricalTrade)) {
	b.eachWith(trades, b.configs, b.bands, fn)
}

func (b *Backtester) eachWith(trades []HistoricalTrade, configs types.RegimeConfigs, bands regime.Bands, fn func(*shardEngines, int, HistoricalTrade)) {
	if b.pool == nil || !b.pool.IsRunning() || len(trades) < 2 {
		shard := newShardEngines(configs, bands)
		for i, t := range trades {
			fn(shard, i, t)
		}
		return
	}

	numShards := 4
	if len(trades) < numShards {
		numShards = len(trades)
	}
	chunk := (len(trades) + numShards - 1) / numShards

	var wg sync.WaitGroup
	for s := 0; s < numShards; s++ {
		start := s * chunk
		end := start + chunk
		if end > len(trades) {
			end = len(trades)
		}
		if start >= end {
			break
		}

		wg.Add(1)
		err := b.pool.SubmitFunc(func() error {
			defer wg.Done()
			shard := newShardEngines(configs, bands)
			for i := start; i < end; i++ {
				fn(shard, i, trades[i])
			}
			return nil
		})
		if err != nil {
			// Pool went away; finish this shard inline.
			shard := newShardEngines(configs, bands)
			for i := start; i < end; i++ {
				fn(shard, i, trades[i])
			}
			wg.Done()
		}
	}
	wg.Wait()
}

func (t HistoricalTrade) snapshot() types.MarketSnapshot {
	return types.MarketSnapshot{
		Vix:           t.Vix,
		T2108:         t.T2108,
		MomentumRatio: t.MomentumRatio,
	}
}

// baselineReturn is the no-overlay exit at the fixed horizon close, or
// the last available close for shorter trades.
func (b *Backtester) baselineReturn(t HistoricalTrade) float64 {
	horizon := b.baselineHoldDays
	if horizon > len(t.Days) {
		horizon = len(t.Days)
	}
	_, _, close := t.Days[horizon-1].Floats()
	return (close - t.EntryPrice) / t.EntryPrice
}

// tradeTrueRange derives a True Range from the first two bars, falling
// back to the first bar's range, then to 2% of entry.
func tradeTrueRange(t HistoricalTrade) float64 {
	var tr float64
	if len(t.Days) >= 2 {
		tr = types.TrueRange(t.Days[1], t.Days[0].Close)
	} else {
		high, low, _ := t.Days[0].Floats()
		tr = high - low
	}
	if tr <= 0 {
		tr = t.EntryPrice * 0.02
	}
	return tr
}

func replayKey(symbol string, idx int) string {
	return fmt.Sprintf("%s#%d", symbol, idx)
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
