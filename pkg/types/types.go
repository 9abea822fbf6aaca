// Package types provides shared types for the risk engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegimeType represents a discrete market-stress classification.
type RegimeType string

const (
	RegimeCrisisOpportunity RegimeType = "crisis_opportunity"  // VIX >= 50
	RegimeHighVolStress     RegimeType = "high_vol_stress"     // VIX 30-50
	RegimeBullNormal        RegimeType = "bull_normal"         // VIX 15-30
	RegimeLowVolComplacency RegimeType = "low_vol_complacency" // VIX < 15
)

// AllRegimes lists every regime in ascending severity order.
func AllRegimes() []RegimeType {
	return []RegimeType{
		RegimeLowVolComplacency,
		RegimeBullNormal,
		RegimeHighVolStress,
		RegimeCrisisOpportunity,
	}
}

// MarketSnapshot is a single observation of the market-volatility context.
// A new snapshot is created per observation; never mutated after creation.
type MarketSnapshot struct {
	Vix           float64    `json:"vix"`
	T2108         *float64   `json:"t2108,omitempty"`         // breadth percentile, 0-100
	MomentumRatio *float64   `json:"momentumRatio,omitempty"` // positive ratio
	Day           int        `json:"day"`
	Regime        RegimeType `json:"regime,omitempty"` // derived, not set by callers
}

// RuleAdjustment is a multiplicative modification of a regime's base rules.
// Multipliers compose by product across causes; urgency composes by max.
// Recomputed on every transition check, never persisted on its own.
type RuleAdjustment struct {
	StopMultiplier   float64 `json:"stopMultiplier"`
	ProfitMultiplier float64 `json:"profitMultiplier"`
	UrgencyFactor    float64 `json:"urgencyFactor"`
	Reason           string  `json:"reason,omitempty"`
}

// NewRuleAdjustment returns the neutral adjustment.
func NewRuleAdjustment() RuleAdjustment {
	return RuleAdjustment{
		StopMultiplier:   1.0,
		ProfitMultiplier: 1.0,
		UrgencyFactor:    1.0,
	}
}

// IsTrivial reports whether no adjustment rule fired.
func (a RuleAdjustment) IsTrivial() bool {
	return a.Reason == ""
}

// AppendReason adds a rule description to the accumulated trace.
func (a *RuleAdjustment) AppendReason(reason string) {
	if a.Reason == "" {
		a.Reason = reason
		return
	}
	a.Reason += "; " + reason
}

// PositionStatus is the lifecycle state of a trade position.
type PositionStatus string

const (
	StatusActive PositionStatus = "ACTIVE"
	StatusClosed PositionStatus = "CLOSED"
)

// TradePosition is the mutable aggregate owned by the position lifecycle.
// Percent fields are portfolio percentages; PnL fields are fractions of the
// entry price. RemainingPct starts at 100 and only decreases.
type TradePosition struct {
	Symbol         string     `json:"symbol"`
	EntryPrice     float64    `json:"entryPrice"`
	EntryDate      time.Time  `json:"entryDate"`
	PositionSizePct float64    `json:"positionSizePct"`
	RegimeAtEntry  RegimeType `json:"regimeAtEntry"`
	VixAtEntry     float64    `json:"vixAtEntry"`

	StopLevel    float64    `json:"stopLevel"`
	ProfitLevels [3]float64 `json:"profitLevels"` // target prices, ascending
	ProfitScales [3]float64 `json:"profitScales"` // cumulative close pct, last = 100
	MaxHoldDays  int        `json:"maxHoldDays"`

	StopTriggered   bool    `json:"stopTriggered"`
	ProfitLevelsHit []int   `json:"profitLevelsHit"` // level indices, 0-2
	RemainingPct    float64 `json:"remainingPct"`
	RealizedPnl     float64 `json:"realizedPnl"` // fraction, accumulates

	MaxProfitSeen float64        `json:"maxProfitSeen"`
	MaxLossSeen   float64        `json:"maxLossSeen"`
	DaysHeld      int            `json:"daysHeld"`
	Status        PositionStatus `json:"status"`
}

// LevelHit reports whether profit level i has already executed.
func (p *TradePosition) LevelHit(i int) bool {
	for _, hit := range p.ProfitLevelsHit {
		if hit == i {
			return true
		}
	}
	return false
}

// ProfitTarget is one rung of the profit-taking ladder.
type ProfitTarget struct {
	Level            int     `json:"level"` // 1-based for reporting
	Price            float64 `json:"price"`
	Pct              float64 `json:"pct"`
	PositionToClose  float64 `json:"positionToClose"`
	CumulativeClosed float64 `json:"cumulativeClosed"`
	Method           string  `json:"method"` // "tr_based" or "pct_based"
}

// StopResult is the output of the adaptive stop computation.
type StopResult struct {
	StopLevel        float64 `json:"stopLevel"`
	StopPct          float64 `json:"stopPct"`
	BasePct          float64 `json:"basePct"`
	TRPct            float64 `json:"trPct"`
	VolatilityFactor float64 `json:"volatilityFactor"`
	Method           string  `json:"method"` // "tr_based" or "pct_based"
}

// ActionType identifies an executed rule during a daily update.
type ActionType string

const (
	ActionStopLoss         ActionType = "STOP_LOSS_EXECUTED"
	ActionProfitTaking     ActionType = "PROFIT_TAKING"
	ActionRegimeAdjustment ActionType = "REGIME_ADJUSTMENT"
	ActionTimeExit         ActionType = "TIME_BASED_EXIT"
)

// PositionAction records a rule execution against a position.
type PositionAction struct {
	Type           ActionType `json:"type"`
	Symbol         string     `json:"symbol"`
	Price          float64    `json:"price,omitempty"`
	Level          int        `json:"level,omitempty"` // 1-based profit level
	PositionClosed float64    `json:"positionClosed,omitempty"`
	Pnl            float64    `json:"pnl,omitempty"`
	OldStop        float64    `json:"oldStop,omitempty"`
	NewStop        float64    `json:"newStop,omitempty"`
	NewRegime      RegimeType `json:"newRegime,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// OpenResult is returned when a position is opened.
type OpenResult struct {
	Symbol             string         `json:"symbol"`
	EntryPrice         float64        `json:"entryPrice"`
	Regime             RegimeType     `json:"regime"`
	StopLevel          float64        `json:"stopLevel"`
	StopDistancePct    float64        `json:"stopDistancePct"`
	ProfitTargets      []ProfitTarget `json:"profitTargets"`
	ExpectedHoldDays   int            `json:"expectedHoldDays"`
	TransitionDetected bool           `json:"transitionDetected"`
	AdjustmentReason   string         `json:"adjustmentReason,omitempty"`
}

// UpdateResult is returned for every daily update.
type UpdateResult struct {
	Symbol        string           `json:"symbol"`
	Actions       []PositionAction `json:"actions"`
	Status        PositionStatus   `json:"status"`
	CurrentPnl    float64          `json:"currentPnl"` // mark-to-market, fraction
	RealizedPnl   float64          `json:"realizedPnl"`
	RemainingPct  float64          `json:"remainingPct"`
	DaysHeld      int              `json:"daysHeld"`
	MaxProfitSeen float64          `json:"maxProfitSeen"`
	MaxLossSeen   float64          `json:"maxLossSeen"`
}

// ClosedTrade is the read-only record of a completed position.
type ClosedTrade struct {
	Symbol          string     `json:"symbol"`
	EntryPrice      float64    `json:"entryPrice"`
	ExitPrice       float64    `json:"exitPrice"`
	Return          float64    `json:"return"` // realized, fraction
	DaysHeld        int        `json:"daysHeld"`
	ExitReason      string     `json:"exitReason"`
	RegimeAtEntry   RegimeType `json:"regimeAtEntry"`
	ProfitLevelsHit int        `json:"profitLevelsHit"`
	StopTriggered   bool       `json:"stopTriggered"`
	MaxProfitSeen   float64    `json:"maxProfitSeen"`
	MaxLossSeen     float64    `json:"maxLossSeen"`
	ClosedAt        time.Time  `json:"closedAt"`
}

// PortfolioPerformance reduces a set of closed trades to portfolio
// statistics. All fields are zero when the trade list is empty.
type PortfolioPerformance struct {
	TotalTrades       int     `json:"totalTrades"`
	TotalReturnPct    float64 `json:"totalReturnPct"`
	AvgReturnPerTrade float64 `json:"avgReturnPerTrade"`
	WinRate           float64 `json:"winRate"`
	MaxWin            float64 `json:"maxWin"`
	MaxLoss           float64 `json:"maxLoss"`
	SharpeRatio       float64 `json:"sharpeRatio"`
	CurrentDrawdown   float64 `json:"currentDrawdown"` // pct, <= 0
	MaxDrawdown       float64 `json:"maxDrawdown"`     // pct, <= 0
	AnnualizedROI     float64 `json:"annualizedRoi"`
}

// DailyBar is one day of OHLC observations for a position update.
// Prices arrive as decimals at the boundary and are converted to float64
// for the rule math.
type DailyBar struct {
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Floats returns the bar as float64 components.
func (b DailyBar) Floats() (high, low, close float64) {
	high, _ = b.High.Float64()
	low, _ = b.Low.Float64()
	close, _ = b.Close.Float64()
	return high, low, close
}

// TrueRange computes max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(bar DailyBar, prevClose decimal.Decimal) float64 {
	high, low, _ := bar.Floats()
	pc, _ := prevClose.Float64()

	tr := high - low
	if d := abs(high - pc); d > tr {
		tr = d
	}
	if d := abs(low - pc); d > tr {
		tr = d
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
