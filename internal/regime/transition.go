package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// TransitionRecord captures one evaluated transition check for audit.
type TransitionRecord struct {
	Timestamp  time.Time            `json:"timestamp"`
	FromRegime types.RegimeType     `json:"fromRegime"`
	ToRegime   types.RegimeType     `json:"toRegime"`
	VixDelta   float64              `json:"vixDelta"`
	Detected   bool                 `json:"detected"`
	Emergency  string               `json:"emergency,omitempty"`
	Adjustment types.RuleAdjustment `json:"adjustment"`
}

// TransitionManager detects regime transitions between consecutive market
// snapshots and derives a multiplicative rule adjustment. It owns its
// history log; callers share one instance per orchestrator.
type TransitionManager struct {
	logger     *zap.Logger
	classifier *Classifier

	mu      sync.Mutex
	history []TransitionRecord
}

// NewTransitionManager creates a transition manager backed by the given
// classifier.
func NewTransitionManager(logger *zap.Logger, classifier *Classifier) *TransitionManager {
	return &TransitionManager{
		logger:     logger.Named("transition"),
		classifier: classifier,
	}
}

// Evaluate compares the current snapshot against the previous one and
// returns the resulting adjustment plus whether the classified regime
// changed. A nil previous snapshot means no transition and a default
// (identity) adjustment.
func (m *TransitionManager) Evaluate(previous *types.MarketSnapshot, current types.MarketSnapshot) (types.RuleAdjustment, bool) {
	if previous == nil {
		return types.NewRuleAdjustment(), false
	}

	fromRegime := m.classifier.Classify(*previous)
	toRegime := m.classifier.Classify(current)
	detected := fromRegime != toRegime

	adj := m.baseAdjustment(*previous, current)

	emergency := ""
	if override, name := m.emergencyOverride(*previous, current); name != "" {
		// Emergency protocols take precedence over the delta-driven rules.
		adj = override
		emergency = name
	}

	vixDelta := current.Vix - previous.Vix
	m.record(TransitionRecord{
		Timestamp:  time.Now().UTC(),
		FromRegime: fromRegime,
		ToRegime:   toRegime,
		VixDelta:   vixDelta,
		Detected:   detected,
		Emergency:  emergency,
		Adjustment: adj,
	})

	if detected || !adj.IsTrivial() {
		m.logger.Info("regime transition evaluated",
			zap.String("from", string(fromRegime)),
			zap.String("to", string(toRegime)),
			zap.Float64("vixDelta", vixDelta),
			zap.Bool("detected", detected),
			zap.String("emergency", emergency),
			zap.String("reason", adj.Reason))
	}

	return adj, detected
}

// baseAdjustment applies the delta-driven rules. Rules are independent of
// whether the regime enum itself changed.
func (m *TransitionManager) baseAdjustment(prev, curr types.MarketSnapshot) types.RuleAdjustment {
	adj := types.NewRuleAdjustment()

	vixDelta := curr.Vix - prev.Vix
	if math.Abs(vixDelta) > 15 {
		if vixDelta > 0 {
			adj.StopMultiplier *= 1.2 + vixDelta/50
			adj.ProfitMultiplier *= 1.1 + vixDelta/100
			adj.AppendReason(fmt.Sprintf("vix spike +%.1f", vixDelta))
		} else {
			adj.StopMultiplier *= 0.9 + vixDelta/100
			adj.ProfitMultiplier *= 0.95 + vixDelta/200
			adj.AppendReason(fmt.Sprintf("vix drop %.1f", vixDelta))
		}
	}

	if prev.T2108 != nil && curr.T2108 != nil {
		breadthDelta := *curr.T2108 - *prev.T2108
		if breadthDelta < -25 {
			adj.StopMultiplier *= 0.7
			adj.ProfitMultiplier *= 0.8
			adj.UrgencyFactor = math.Max(adj.UrgencyFactor, 2.0)
			adj.AppendReason(fmt.Sprintf("breadth deterioration %.1f", breadthDelta))
		} else if breadthDelta > 20 {
			adj.ProfitMultiplier *= 1.3
			adj.AppendReason(fmt.Sprintf("breadth expansion +%.1f", breadthDelta))
		}
	}

	if prev.MomentumRatio != nil && curr.MomentumRatio != nil && *prev.MomentumRatio > 0 {
		ratio := *curr.MomentumRatio / *prev.MomentumRatio
		if ratio < 0.5 {
			adj.StopMultiplier *= 0.8
			adj.UrgencyFactor = math.Max(adj.UrgencyFactor, 1.5)
			adj.AppendReason(fmt.Sprintf("momentum fade %.2fx", ratio))
		} else if ratio > 2.0 {
			adj.ProfitMultiplier *= 1.2
			adj.AppendReason(fmt.Sprintf("momentum surge %.2fx", ratio))
		}
	}

	return adj
}

// emergencyOverride checks the hard-override protocols. When one fires it
// replaces the base adjustment entirely. Returns the override and the
// protocol name, or an empty name when none fired.
func (m *TransitionManager) emergencyOverride(prev, curr types.MarketSnapshot) (types.RuleAdjustment, string) {
	if prev.T2108 != nil && curr.T2108 != nil {
		if *curr.T2108-*prev.T2108 < -30 {
			adj := types.NewRuleAdjustment()
			adj.StopMultiplier = 0.6
			adj.ProfitMultiplier = 0.7
			adj.UrgencyFactor = 2.0
			adj.AppendReason("emergency: breadth collapse")
			return adj, "breadth_collapse"
		}
	}

	if curr.Vix > 60 && curr.Vix-prev.Vix > 20 {
		adj := types.NewRuleAdjustment()
		adj.StopMultiplier = 1.5
		adj.ProfitMultiplier = 1.4
		adj.UrgencyFactor = 0.7
		adj.AppendReason("emergency: volatility explosion")
		return adj, "volatility_explosion"
	}

	if prev.MomentumRatio != nil && curr.MomentumRatio != nil &&
		*curr.MomentumRatio < 0.1 && *prev.MomentumRatio > 1.0 {
		adj := types.NewRuleAdjustment()
		adj.StopMultiplier = 0.5
		adj.ProfitMultiplier = 0.6
		adj.UrgencyFactor = 3.0
		adj.AppendReason("emergency: momentum collapse")
		return adj, "momentum_collapse"
	}

	return types.RuleAdjustment{}, ""
}

func (m *TransitionManager) record(rec TransitionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
}

// History returns a copy of the evaluated transition records, oldest first.
func (m *TransitionManager) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}
