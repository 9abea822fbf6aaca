// Package position owns the trade position state machine: open, daily
// update with prioritized rule execution, and closed-trade history.
package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bidback/risk-engine/internal/performance"
	"github.com/bidback/risk-engine/internal/profits"
	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/internal/stops"
	"github.com/bidback/risk-engine/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fallback True Range when a caller opens a position without volatility
// data, as a fraction of the entry price.
const defaultTRFraction = 0.02

// OpenRequest carries everything needed to open a position.
type OpenRequest struct {
	Symbol          string               `json:"symbol"`
	EntryPrice      float64              `json:"entryPrice"`
	Snapshot        types.MarketSnapshot `json:"snapshot"`
	PositionSizePct float64              `json:"positionSizePct"`
	TrueRange       float64              `json:"trueRange,omitempty"` // optional, defaults to 2% of entry
}

// ActionHandler receives every executed rule action, e.g. for broadcast
// or metrics. Called synchronously under the manager lock; keep it cheap.
type ActionHandler func(types.PositionAction)

// held is the per-symbol state the manager tracks alongside the position.
type held struct {
	pos           *types.TradePosition
	entrySnapshot types.MarketSnapshot
}

// Manager serializes all position mutation behind one lock. Distinct
// symbols share only the transition history, which has its own lock.
type Manager struct {
	logger      *zap.Logger
	classifier  *regime.Classifier
	transitions *regime.TransitionManager
	stops       *stops.Engine
	ladder      *profits.Ladder
	configs     types.RegimeConfigs

	mu           sync.Mutex
	active       map[string]*held
	closed       []types.ClosedTrade
	lastSnapshot *types.MarketSnapshot
	onAction     ActionHandler
}

// NewManager wires the rule engines into a position manager. The configs
// must already be validated.
func NewManager(logger *zap.Logger, configs types.RegimeConfigs, classifier *regime.Classifier, transitions *regime.TransitionManager, stopEngine *stops.Engine, ladder *profits.Ladder) *Manager {
	return &Manager{
		logger:      logger.Named("position"),
		classifier:  classifier,
		transitions: transitions,
		stops:       stopEngine,
		ladder:      ladder,
		configs:     configs,
		active:      make(map[string]*held),
	}
}

// SetActionHandler registers a callback for executed rule actions.
func (m *Manager) SetActionHandler(h ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAction = h
}

// Open creates a new ACTIVE position. The current regime is classified
// from the snapshot, any transition adjustment against the previously seen
// snapshot is applied to the regime config, and stop and profit rules are
// derived from the adjusted config.
func (m *Manager) Open(req OpenRequest) (*types.OpenResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("empty symbol: %w", types.ErrInvalidInput)
	}
	if req.EntryPrice <= 0 {
		return nil, fmt.Errorf("entry price %.4f: %w", req.EntryPrice, types.ErrInvalidInput)
	}
	if req.PositionSizePct <= 0 {
		return nil, fmt.Errorf("position size %.2f: %w", req.PositionSizePct, types.ErrInvalidInput)
	}
	if req.Snapshot.Vix <= 0 {
		return nil, fmt.Errorf("vix %.2f: %w", req.Snapshot.Vix, types.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[req.Symbol]; exists {
		return nil, fmt.Errorf("symbol %s: %w", req.Symbol, types.ErrDuplicatePosition)
	}

	adj, detected := m.transitions.Evaluate(m.lastSnapshot, req.Snapshot)

	regimeType := m.classifier.Classify(req.Snapshot)
	cfg := m.configs[regimeType]
	if !adj.IsTrivial() {
		cfg = cfg.Adjusted(adj)
	}

	tr := req.TrueRange
	if tr <= 0 {
		tr = req.EntryPrice * defaultTRFraction
	}

	stopRes, err := m.stops.ComputeStop(req.Symbol, req.EntryPrice, cfg, tr, req.Snapshot.T2108)
	if err != nil {
		return nil, err
	}
	targets, err := m.ladder.Targets(req.EntryPrice, cfg, tr)
	if err != nil {
		return nil, err
	}

	pos := &types.TradePosition{
		Symbol:          req.Symbol,
		EntryPrice:      req.EntryPrice,
		EntryDate:       time.Now().UTC(),
		PositionSizePct: req.PositionSizePct,
		RegimeAtEntry:   regimeType,
		VixAtEntry:      req.Snapshot.Vix,
		StopLevel:       stopRes.StopLevel,
		MaxHoldDays:     cfg.MaxHoldDays,
		RemainingPct:    100,
		Status:          types.StatusActive,
	}
	for i, t := range targets {
		pos.ProfitLevels[i] = t.Price
		pos.ProfitScales[i] = t.CumulativeClosed
	}

	snap := req.Snapshot
	snap.Regime = regimeType
	m.active[req.Symbol] = &held{pos: pos, entrySnapshot: snap}
	m.lastSnapshot = &snap

	m.logger.Info("position opened",
		zap.String("symbol", req.Symbol),
		zap.Float64("entry", req.EntryPrice),
		zap.String("regime", string(regimeType)),
		zap.Float64("stopLevel", stopRes.StopLevel),
		zap.Bool("transition", detected))

	return &types.OpenResult{
		Symbol:             req.Symbol,
		EntryPrice:         req.EntryPrice,
		Regime:             regimeType,
		StopLevel:          stopRes.StopLevel,
		StopDistancePct:    stopRes.StopPct,
		ProfitTargets:      targets,
		ExpectedHoldDays:   cfg.MaxHoldDays,
		TransitionDetected: detected,
		AdjustmentReason:   adj.Reason,
	}, nil
}

// Update processes one daily bar against an active position. Rules are
// evaluated in strict priority order and at most one executes per call:
// stop-loss, then profit-taking (one level), then regime re-adjustment,
// then time exit. DaysHeld increments regardless of outcome.
func (m *Manager) Update(symbol string, bar types.DailyBar, snap types.MarketSnapshot) (*types.UpdateResult, error) {
	high, low, close := bar.Floats()
	if high <= 0 || low <= 0 || close <= 0 || low > high {
		return nil, fmt.Errorf("bar high=%.4f low=%.4f close=%.4f: %w", high, low, close, types.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.active[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, types.ErrPositionNotFound)
	}
	pos := h.pos

	pos.DaysHeld++

	entry := pos.EntryPrice
	if hp := (high - entry) / entry; hp > pos.MaxProfitSeen {
		pos.MaxProfitSeen = hp
	}
	if lp := (low - entry) / entry; lp < pos.MaxLossSeen {
		pos.MaxLossSeen = lp
	}

	var actions []types.PositionAction

	switch {
	case low <= pos.StopLevel && !pos.StopTriggered && pos.RemainingPct > 0:
		actions = append(actions, m.executeStop(pos))

	case m.tryProfitLevel(pos, high, &actions):
		// one profit level executed inside tryProfitLevel

	case math.Abs(snap.Vix-pos.VixAtEntry) > 15:
		if a, adjusted := m.readjustStop(h, snap); adjusted {
			actions = append(actions, a)
		}

	case pos.DaysHeld >= pos.MaxHoldDays && pos.RemainingPct > 0:
		actions = append(actions, m.executeTimeExit(pos, close))
	}

	for _, a := range actions {
		if m.onAction != nil {
			m.onAction(a)
		}
	}

	result := &types.UpdateResult{
		Symbol:        symbol,
		Actions:       actions,
		Status:        pos.Status,
		CurrentPnl:    (close - entry) / entry,
		RealizedPnl:   pos.RealizedPnl,
		RemainingPct:  pos.RemainingPct,
		DaysHeld:      pos.DaysHeld,
		MaxProfitSeen: pos.MaxProfitSeen,
		MaxLossSeen:   pos.MaxLossSeen,
	}

	if pos.Status == types.StatusClosed {
		m.retire(h, actions)
	}

	cp := snap
	m.lastSnapshot = &cp

	return result, nil
}

// executeStop realizes the loss on the full remaining position at the
// stop level and closes the position.
func (m *Manager) executeStop(pos *types.TradePosition) types.PositionAction {
	pnl := (pos.StopLevel - pos.EntryPrice) / pos.EntryPrice * pos.RemainingPct / 100
	pos.RealizedPnl += pnl
	pos.StopTriggered = true
	pos.RemainingPct = 0
	pos.Status = types.StatusClosed

	m.logger.Info("stop loss executed",
		zap.String("symbol", pos.Symbol),
		zap.Float64("stopLevel", pos.StopLevel),
		zap.Float64("pnl", pnl))

	return types.PositionAction{
		Type:           types.ActionStopLoss,
		Symbol:         pos.Symbol,
		Price:          pos.StopLevel,
		PositionClosed: 100,
		Pnl:            pnl,
	}
}

// tryProfitLevel executes the first unhit profit level reached by the
// daily high, if any. Reports whether a level executed.
func (m *Manager) tryProfitLevel(pos *types.TradePosition, high float64, actions *[]types.PositionAction) bool {
	if pos.RemainingPct <= 0 {
		return false
	}
	for i := 0; i < len(pos.ProfitLevels); i++ {
		if pos.LevelHit(i) || pos.ProfitLevels[i] > high {
			continue
		}

		toClose := pos.ProfitScales[i]
		if i > 0 {
			toClose -= pos.ProfitScales[i-1]
		}
		if toClose > pos.RemainingPct {
			toClose = pos.RemainingPct
		}

		pnl := (pos.ProfitLevels[i] - pos.EntryPrice) / pos.EntryPrice * toClose / 100
		pos.RealizedPnl += pnl
		pos.ProfitLevelsHit = append(pos.ProfitLevelsHit, i)
		pos.RemainingPct -= toClose
		if pos.RemainingPct <= 0 {
			pos.RemainingPct = 0
			pos.Status = types.StatusClosed
		}

		m.logger.Info("profit level executed",
			zap.String("symbol", pos.Symbol),
			zap.Int("level", i+1),
			zap.Float64("price", pos.ProfitLevels[i]),
			zap.Float64("closedPct", toClose),
			zap.Float64("pnl", pnl))

		*actions = append(*actions, types.PositionAction{
			Type:           types.ActionProfitTaking,
			Symbol:         pos.Symbol,
			Price:          pos.ProfitLevels[i],
			Level:          i + 1,
			PositionClosed: toClose,
			Pnl:            pnl,
		})
		return true
	}
	return false
}

// readjustStop recomputes the rule adjustment against the entry snapshot
// and rescales the remaining stop distance. Profit targets are left as
// set at entry.
func (m *Manager) readjustStop(h *held, snap types.MarketSnapshot) (types.PositionAction, bool) {
	entrySnap := h.entrySnapshot
	adj, _ := m.transitions.Evaluate(&entrySnap, snap)
	if adj.IsTrivial() {
		return types.PositionAction{}, false
	}

	pos := h.pos
	oldStop := pos.StopLevel
	distance := pos.EntryPrice - oldStop
	pos.StopLevel = pos.EntryPrice - distance*adj.StopMultiplier

	newRegime := m.classifier.Classify(snap)

	m.logger.Info("stop readjusted on regime shift",
		zap.String("symbol", pos.Symbol),
		zap.Float64("oldStop", oldStop),
		zap.Float64("newStop", pos.StopLevel),
		zap.String("regime", string(newRegime)),
		zap.String("reason", adj.Reason))

	return types.PositionAction{
		Type:      types.ActionRegimeAdjustment,
		Symbol:    pos.Symbol,
		OldStop:   oldStop,
		NewStop:   pos.StopLevel,
		NewRegime: newRegime,
		Reason:    adj.Reason,
	}, true
}

// executeTimeExit realizes the remainder at the daily close.
func (m *Manager) executeTimeExit(pos *types.TradePosition, close float64) types.PositionAction {
	remaining := pos.RemainingPct
	pnl := (close - pos.EntryPrice) / pos.EntryPrice * remaining / 100
	pos.RealizedPnl += pnl
	pos.RemainingPct = 0
	pos.Status = types.StatusClosed

	m.logger.Info("time exit executed",
		zap.String("symbol", pos.Symbol),
		zap.Int("daysHeld", pos.DaysHeld),
		zap.Float64("price", close),
		zap.Float64("pnl", pnl))

	return types.PositionAction{
		Type:           types.ActionTimeExit,
		Symbol:         pos.Symbol,
		Price:          close,
		PositionClosed: remaining,
		Pnl:            pnl,
	}
}

// retire moves a closed position from the active set to trade history.
// Caller holds the lock.
func (m *Manager) retire(h *held, actions []types.PositionAction) {
	pos := h.pos
	delete(m.active, pos.Symbol)
	m.stops.ResetSymbol(pos.Symbol)

	exitPrice := pos.EntryPrice * (1 + pos.RealizedPnl)
	reason := "time_exit"
	if pos.StopTriggered {
		reason = "stop_loss"
	} else if len(pos.ProfitLevelsHit) == len(pos.ProfitLevels) {
		reason = "profit_ladder"
	}
	if len(actions) > 0 && actions[len(actions)-1].Price > 0 {
		exitPrice = actions[len(actions)-1].Price
	}

	m.closed = append(m.closed, types.ClosedTrade{
		Symbol:          pos.Symbol,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       exitPrice,
		Return:          pos.RealizedPnl,
		DaysHeld:        pos.DaysHeld,
		ExitReason:      reason,
		RegimeAtEntry:   pos.RegimeAtEntry,
		ProfitLevelsHit: len(pos.ProfitLevelsHit),
		StopTriggered:   pos.StopTriggered,
		MaxProfitSeen:   pos.MaxProfitSeen,
		MaxLossSeen:     pos.MaxLossSeen,
		ClosedAt:        time.Now().UTC(),
	})
}

// ClosePosition realizes the remaining position at the given price and
// retires it. Used for forced exits at the end of a replay window and by
// manual close requests.
func (m *Manager) ClosePosition(symbol string, price float64) (*types.UpdateResult, error) {
	if price <= 0 {
		return nil, fmt.Errorf("close price %.4f: %w", price, types.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.active[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, types.ErrPositionNotFound)
	}
	pos := h.pos

	var actions []types.PositionAction
	if pos.RemainingPct > 0 {
		actions = append(actions, m.executeTimeExit(pos, price))
	} else {
		pos.Status = types.StatusClosed
	}

	for _, a := range actions {
		if m.onAction != nil {
			m.onAction(a)
		}
	}

	result := &types.UpdateResult{
		Symbol:       symbol,
		Actions:      actions,
		Status:       pos.Status,
		RealizedPnl:  pos.RealizedPnl,
		RemainingPct: pos.RemainingPct,
		DaysHeld:     pos.DaysHeld,
	}
	m.retire(h, actions)
	return result, nil
}

// ActiveCount returns the number of open positions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActivePositions returns snapshots of all open positions.
func (m *Manager) ActivePositions() []types.TradePosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TradePosition, 0, len(m.active))
	for _, h := range m.active {
		out = append(out, *h.pos)
	}
	return out
}

// Position returns a snapshot of one open position.
func (m *Manager) Position(symbol string) (types.TradePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[symbol]
	if !ok {
		return types.TradePosition{}, fmt.Errorf("symbol %s: %w", symbol, types.ErrPositionNotFound)
	}
	return *h.pos, nil
}

// TradeHistory returns a copy of the closed-trade records, oldest first.
func (m *Manager) TradeHistory() []types.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ClosedTrade, len(m.closed))
	copy(out, m.closed)
	return out
}

// Performance aggregates realized returns across all closed trades.
func (m *Manager) Performance() types.PortfolioPerformance {
	return performance.AggregateTrades(m.TradeHistory())
}

// Report builds a full performance report document with per-regime
// attribution.
func (m *Manager) Report() types.PerformanceReport {
	trades := m.TradeHistory()
	return types.PerformanceReport{
		ID:          uuid.NewString(),
		Summary:     performance.AggregateTrades(trades),
		ByRegime:    performance.ByRegime(trades),
		Trades:      trades,
		GeneratedAt: time.Now().UTC(),
	}
}
