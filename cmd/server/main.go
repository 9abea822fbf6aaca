// Package main provides the entry point for the risk engine server:
// regime-aware stop and profit rules behind an HTTP/WebSocket API, with
// multi-layer backtesting over historical trade sets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bidback/risk-engine/internal/api"
	"github.com/bidback/risk-engine/internal/backtester"
	"github.com/bidback/risk-engine/internal/config"
	"github.com/bidback/risk-engine/internal/data"
	"github.com/bidback/risk-engine/internal/position"
	"github.com/bidback/risk-engine/internal/profits"
	"github.com/bidback/risk-engine/internal/regime"
	"github.com/bidback/risk-engine/internal/stops"
	"github.com/bidback/risk-engine/internal/workers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Config file path (YAML)")
	dataDir := flag.String("data", "./data", "Data directory")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("starting risk engine",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", *dataDir))

	// Core rule engines.
	classifier := regime.NewClassifier(logger, cfg.Bands)
	transitions := regime.NewTransitionManager(logger, classifier)
	stopEngine := stops.NewEngine(logger)
	ladder := profits.NewLadder(logger)
	manager := position.NewManager(logger, cfg.Regimes, classifier, transitions, stopEngine, ladder)

	// Backtest sharding pool.
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("backtest"))
	pool.Start()
	bt := backtester.New(logger, cfg.Regimes, cfg.Bands, pool)

	store, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}

	var metrics *api.Metrics
	if cfg.Server.EnableMetrics {
		metrics = api.NewMetrics()
		go func() {
			if err := api.ServeMetrics(logger, cfg.Server.MetricsPort); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(logger, &cfg.Server, manager, classifier, transitions, bt, store, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)))

	<-sigChan
	logger.Info("shutdown signal received")

	// Persist trade history before going down.
	if err := store.SaveTradeHistory(manager.TradeHistory()); err != nil {
		logger.Warn("failed to persist trade history", zap.Error(err))
	}

	if err := pool.Stop(); err != nil {
		logger.Warn("worker pool shutdown", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
