package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bidback/risk-engine/internal/backtester"
	"github.com/bidback/risk-engine/internal/data"
	"github.com/bidback/risk-engine/internal/position"
	"github.com/bidback/risk-engine/internal/profits"
	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/internal/stops"
	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// newTestServer wires a full server without metrics; registering
// Prometheus collectors twice on the default registry panics.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()

	classifier := regime.NewClassifier(logger, regime.DefaultBands())
	transitions := regime.NewTransitionManager(logger, classifier)
	configs := types.DefaultRegimeConfigs()
	manager := position.NewManager(logger, configs, classifier, transitions,
		stops.NewEngine(logger), profits.NewLadder(logger))
	bt := backtester.New(logger, configs, regime.DefaultBands(), nil)

	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	config := &types.ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		WebSocketPath:  "/ws",
		MaxConnections: 4,
	}
	return NewServer(logger, config, manager, classifier, transitions, bt, store, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func openBody(symbol string) map[string]interface{} {
	return map[string]interface{}{
		"symbol":          symbol,
		"entryPrice":      45.66,
		"snapshot":        map[string]interface{}{"vix": 15.43},
		"positionSizePct": 10,
		"trueRange":       1.35,
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

func TestOpenPositionEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var result types.OpenResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Regime != types.RegimeBullNormal {
		t.Errorf("regime = %v, want bull_normal", result.Regime)
	}
	if len(result.ProfitTargets) != 3 {
		t.Errorf("profit targets = %d, want 3", len(result.ProfitTargets))
	}

	// Duplicate symbol conflicts.
	if w := doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU")); w.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", w.Code)
	}

	// Invalid payload is a bad request.
	bad := openBody("X")
	bad["entryPrice"] = 0
	if w := doJSON(t, s, "POST", "/api/v1/positions", bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid: status = %d, want 400", w.Code)
	}
}

func TestListAndGetPosition(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))

	w := doJSON(t, s, "GET", "/api/v1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	if w := doJSON(t, s, "GET", "/api/v1/positions/BIDU", nil); w.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/v1/positions/GHOST", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: status = %d, want 404", w.Code)
	}
}

func TestUpdatePositionEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))

	update := map[string]interface{}{
		"high":     46.2,
		"low":      44.8,
		"close":    45.9,
		"snapshot": map[string]interface{}{"vix": 15.5},
	}
	w := doJSON(t, s, "POST", "/api/v1/positions/BIDU/update", update)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var result types.UpdateResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.DaysHeld != 1 {
		t.Errorf("daysHeld = %d, want 1", result.DaysHeld)
	}
	if result.Status != types.StatusActive {
		t.Errorf("status = %v, want ACTIVE", result.Status)
	}

	if w := doJSON(t, s, "POST", "/api/v1/positions/GHOST/update", update); w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: status = %d, want 404", w.Code)
	}
}

func TestClosePositionEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))

	w := doJSON(t, s, "POST", "/api/v1/positions/BIDU/close", map[string]interface{}{"price": 47.0})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var result types.UpdateResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != types.StatusClosed {
		t.Errorf("status = %v, want CLOSED", result.Status)
	}
}

func TestPerformanceAndReports(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))
	doJSON(t, s, "POST", "/api/v1/positions/BIDU/close", map[string]interface{}{"price": 50.0})

	w := doJSON(t, s, "GET", "/api/v1/performance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("performance status = %d, want 200", w.Code)
	}
	var perf types.PortfolioPerformance
	if err := json.Unmarshal(w.Body.Bytes(), &perf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if perf.TotalTrades != 1 {
		t.Errorf("totalTrades = %d, want 1", perf.TotalTrades)
	}

	w = doJSON(t, s, "POST", "/api/v1/reports", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("report status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var report types.PerformanceReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.ID == "" {
		t.Fatal("report id is empty")
	}

	if w := doJSON(t, s, "GET", "/api/v1/reports/"+report.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get report status = %d, want 200", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/v1/reports/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing report: status = %d, want 404", w.Code)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/regime/classify", map[string]interface{}{"vix": 55})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["regime"] != string(types.RegimeCrisisOpportunity) {
		t.Errorf("regime = %v, want crisis_opportunity", resp["regime"])
	}

	if w := doJSON(t, s, "POST", "/api/v1/regime/classify", map[string]interface{}{"vix": 0}); w.Code != http.StatusBadRequest {
		t.Errorf("zero vix: status = %d, want 400", w.Code)
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	// The first open has no previous snapshot; only the second open
	// produces a transition record.
	doJSON(t, s, "POST", "/api/v1/positions", openBody("BIDU"))
	second := openBody("NVDA")
	second["snapshot"] = map[string]interface{}{"vix": 35}
	doJSON(t, s, "POST", "/api/v1/positions", second)

	w := doJSON(t, s, "GET", "/api/v1/regime/transitions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	s := newTestServer(t)

	trades := []map[string]interface{}{
		{
			"symbol":     "AAA",
			"entryPrice": 100,
			"vix":        15.43,
			"days": []map[string]interface{}{
				{"high": 101, "low": 99, "close": 100},
				{"high": 102, "low": 100, "close": 101},
			},
		},
	}

	w := doJSON(t, s, "POST", "/api/v1/backtest/run", map[string]interface{}{"trades": trades})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Status != "running" {
		t.Errorf("status = %q, want running", accepted.Status)
	}

	// Poll until the background run completes.
	deadline := time.Now().Add(5 * time.Second)
	var state BacktestState
	for {
		w := doJSON(t, s, "GET", "/api/v1/backtest/"+accepted.ID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("poll status = %d, want 200", w.Code)
		}
		if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if state.Status != "running" || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state.Status != "completed" {
		t.Fatalf("status = %q (error %q), want completed", state.Status, state.Error)
	}
	if state.Result == nil {
		t.Error("completed run has no result")
	}

	if w := doJSON(t, s, "GET", "/api/v1/backtest/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", w.Code)
	}
	if w := doJSON(t, s, "POST", "/api/v1/backtest/run", map[string]interface{}{"trades": []interface{}{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty trades: status = %d, want 400", w.Code)
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	s := newTestServer(t)

	body := map[string]interface{}{
		"trades": []map[string]interface{}{
			{
				"symbol":     "AAA",
				"entryPrice": 100,
				"vix":        15.43,
				"days": []map[string]interface{}{
					{"high": 101, "low": 99, "close": 100},
					{"high": 102, "low": 100, "close": 101},
				},
			},
		},
		"grid": map[string]interface{}{
			"bandCandidates": []map[string]interface{}{
				{"lowVolMax": 15, "bullMax": 30, "highVolMax": 50},
			},
			"stopScalars":   []float64{1.0},
			"profitScalars": []float64{1.0},
		},
	}

	w := doJSON(t, s, "POST", "/api/v1/backtest/optimize", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := doJSON(t, s, "GET", fmt.Sprintf("/api/v1/backtest/%s", accepted.ID), nil)
		var state BacktestState
		if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if state.Status == "completed" {
			return
		}
		if state.Status == "failed" {
			t.Fatalf("optimize failed: %s", state.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("optimize did not complete, status %q", state.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
