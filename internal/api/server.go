// Package api provides the HTTP and WebSocket boundary over the risk
// engine: position lifecycle, performance reporting, regime inspection,
// and backtest runs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bidback/risk-engine/internal/backtester"
	"github.com/bidback/risk-engine/internal/data"
	"github.com/bidback/risk-engine/internal/position"
	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	manager     *position.Manager
	classifier  *regime.Classifier
	transitions *regime.TransitionManager
	backtester  *backtester.Backtester
	store       *data.Store
	metrics     *Metrics

	backtests map[string]*BacktestState
}

// BacktestState tracks an asynchronous backtest or grid search run.
type BacktestState struct {
	ID      string      `json:"id"`
	Kind    string      `json:"kind"` // "layers" or "optimize"
	Status  string      `json:"status"`
	Started time.Time   `json:"started"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewServer wires the engine components behind HTTP routes.
func NewServer(logger *zap.Logger, config *types.ServerConfig, manager *position.Manager, classifier *regime.Classifier, transitions *regime.TransitionManager, bt *backtester.Backtester, store *data.Store, metrics *Metrics) *Server {
	server := &Server{
		logger:      logger.Named("api"),
		config:      config,
		router:      mux.NewRouter(),
		clients:     make(map[string]*Client),
		manager:     manager,
		classifier:  classifier,
		transitions: transitions,
		backtester:  bt,
		store:       store,
		metrics:     metrics,
		backtests:   make(map[string]*BacktestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // dev setup, tighten behind a proxy
			},
		},
	}

	// Rule actions fan out to metrics and connected clients.
	manager.SetActionHandler(server.onAction)

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/positions", s.handleOpenPosition).Methods("POST")
	s.router.HandleFunc("/api/v1/positions", s.handleListPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/{symbol}", s.handleGetPosition).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/{symbol}/update", s.handleUpdatePosition).Methods("POST")
	s.router.HandleFunc("/api/v1/positions/{symbol}/close", s.handleClosePosition).Methods("POST")

	s.router.HandleFunc("/api/v1/performance", s.handlePerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/reports", s.handleGenerateReport).Methods("POST")
	s.router.HandleFunc("/api/v1/reports", s.handleListReports).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/{id}", s.handleGetReport).Methods("GET")

	s.router.HandleFunc("/api/v1/regime/classify", s.handleClassify).Methods("POST")
	s.router.HandleFunc("/api/v1/regime/transitions", s.handleTransitions).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/optimize", s.handleOptimize).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the HTTP server. Blocks until shutdown or listener failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop closes all WebSocket connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// metricsMiddleware records request latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// onAction is called for every executed rule action.
func (s *Server) onAction(action types.PositionAction) {
	if s.metrics != nil {
		s.metrics.ActionsExecuted.WithLabelValues(string(action.Type)).Inc()
	}
	s.broadcastEvent("position:action", action)
}
