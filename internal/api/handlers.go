package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bidback/risk-engine/internal/backtester"
	"github.com/bidback/risk-engine/internal/data"
	"github.com/bidback/risk-engine/internal/position"
	"github.com/bidback/risk-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// updateRequest is the daily update payload. Prices arrive as decimals.
type updateRequest struct {
	High     decimal.Decimal      `json:"high"`
	Low      decimal.Decimal      `json:"low"`
	Close    decimal.Decimal      `json:"close"`
	Snapshot types.MarketSnapshot `json:"snapshot"`
}

// closeRequest is a manual close payload.
type closeRequest struct {
	Price decimal.Decimal `json:"price"`
}

// backtestRequest carries the historical trade set inline.
type backtestRequest struct {
	Trades []backtester.HistoricalTrade `json:"trades"`
	Grid   *backtester.GridOptions      `json:"grid,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"activePositions": s.manager.ActiveCount(),
		"time":            time.Now().Unix(),
	})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req position.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.manager.Open(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.PositionsOpened.Inc()
		s.metrics.ActivePositions.Set(float64(s.manager.ActiveCount()))
	}
	s.broadcastEvent("position:opened", result)

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.manager.ActivePositions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	pos, err := s.manager.Position(symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bar := types.DailyBar{High: req.High, Low: req.Low, Close: req.Close}
	result, err := s.manager.Update(symbol, bar, req.Snapshot)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if result.Status == types.StatusClosed && s.metrics != nil {
		s.metrics.PositionsClosed.Inc()
		s.metrics.ActivePositions.Set(float64(s.manager.ActiveCount()))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	price, _ := req.Price.Float64()
	result, err := s.manager.ClosePosition(symbol, price)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.PositionsClosed.Inc()
		s.metrics.ActivePositions.Set(float64(s.manager.ActiveCount()))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Performance())
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	report := s.manager.Report()

	if err := s.store.SaveReport(report); err != nil {
		s.logger.Error("failed to persist report", zap.Error(err))
		http.Error(w, "failed to persist report", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveTradeHistory(report.Trades); err != nil {
		s.logger.Warn("failed to persist trade history", zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports := s.store.ListReports()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	report, err := s.store.LoadReport(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var snap types.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if snap.Vix <= 0 {
		http.Error(w, "vix must be positive", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime": s.classifier.Classify(snap),
		"vix":    snap.Vix,
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	history := s.transitions.History()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": history,
		"count":       len(history),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Trades) == 0 {
		http.Error(w, "empty trade set", http.StatusBadRequest)
		return
	}

	state := s.startBacktest("layers", func() (interface{}, error) {
		return s.backtester.Run(req.Trades)
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Trades) == 0 {
		http.Error(w, "empty trade set", http.StatusBadRequest)
		return
	}

	grid := backtester.DefaultGridOptions()
	if req.Grid != nil {
		grid = *req.Grid
	}

	state := s.startBacktest("optimize", func() (interface{}, error) {
		return s.backtester.Optimize(req.Trades, grid)
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	var snapshot BacktestState
	if ok {
		snapshot = *state
	}
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// startBacktest registers a run and executes it in the background,
// broadcasting completion to connected clients. Returns a snapshot of
// the freshly registered state.
func (s *Server) startBacktest(kind string, run func() (interface{}, error)) BacktestState {
	state := &BacktestState{
		ID:      uuid.NewString(),
		Kind:    kind,
		Status:  "running",
		Started: time.Now(),
	}

	s.mu.Lock()
	s.backtests[state.ID] = state
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BacktestsRun.Inc()
	}

	snapshot := *state

	go func() {
		result, err := run()

		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			s.logger.Error("backtest failed", zap.String("id", state.ID), zap.Error(err))
		} else {
			state.Status = "completed"
			state.Result = result
		}
		status := state.Status
		s.mu.Unlock()

		s.broadcastEvent("backtest:complete", map[string]interface{}{
			"id":     snapshot.ID,
			"kind":   kind,
			"status": status,
		})
	}()

	return snapshot
}

// writeError maps engine errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrDuplicatePosition):
		status = http.StatusConflict
	case errors.Is(err, types.ErrPositionNotFound), errors.Is(err, data.ErrReportNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
