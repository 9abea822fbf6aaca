package api

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics exposes engine counters to Prometheus.
type Metrics struct {
	PositionsOpened prometheus.Counter
	PositionsClosed prometheus.Counter
	ActionsExecuted *prometheus.CounterVec
	ActivePositions prometheus.Gauge
	BacktestsRun    prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_engine_positions_opened_total",
			Help: "Positions opened.",
		}),
		PositionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_engine_positions_closed_total",
			Help: "Positions closed.",
		}),
		ActionsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_engine_actions_total",
			Help: "Rule actions executed, by type.",
		}, []string{"type"}),
		ActivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_engine_active_positions",
			Help: "Currently open positions.",
		}),
		BacktestsRun: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_engine_backtests_total",
			Help: "Backtest runs started.",
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_engine_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ServeMetrics runs the Prometheus scrape endpoint on its own port.
// Blocks until the listener fails.
func ServeMetrics(logger *zap.Logger, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
