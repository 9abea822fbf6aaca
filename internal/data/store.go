// Package data persists performance reports and trade history and loads
// historical trade sets for backtesting.
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bidback/risk-engine/internal/backtester"
	"github.com/bidback/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrReportNotFound is returned when a requested report id has no file.
var ErrReportNotFound = errors.New("report not found")

// ReportMetadata is the index entry for a stored report.
type ReportMetadata struct {
	ID          string    `json:"id"`
	TotalTrades int       `json:"totalTrades"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Store is a JSON file store for reports and closed-trade history.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	index   map[string]*ReportMetadata
}

// NewStore creates the store, creating the data directory and loading the
// report index if present.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:  logger.Named("store"),
		dataDir: dataDir,
		index:   make(map[string]*ReportMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadIndex(); err != nil {
		logger.Warn("failed to load report index", zap.Error(err))
	}

	return store, nil
}

// SaveReport writes a performance report and updates the index.
func (s *Store) SaveReport(report types.PerformanceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("report_%s.json", report.ID))
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	s.index[report.ID] = &ReportMetadata{
		ID:          report.ID,
		TotalTrades: report.Summary.TotalTrades,
		GeneratedAt: report.GeneratedAt,
	}
	if err := s.saveIndex(); err != nil {
		s.logger.Warn("failed to save report index", zap.Error(err))
	}

	s.logger.Info("report saved",
		zap.String("id", report.ID),
		zap.Int("trades", report.Summary.TotalTrades))

	return nil
}

// LoadReport reads one stored report by id.
func (s *Store) LoadReport(id string) (*types.PerformanceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filename := filepath.Join(s.dataDir, fmt.Sprintf("report_%s.json", id))
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("report %s: %w", id, ErrReportNotFound)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var report types.PerformanceReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

// ListReports returns index entries, newest first.
func (s *Store) ListReports() []ReportMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReportMetadata, 0, len(s.index))
	for _, meta := range s.index {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out
}

// SaveTradeHistory overwrites the persisted closed-trade log.
func (s *Store) SaveTradeHistory(trades []types.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(trades, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trade history: %w", err)
	}

	filename := filepath.Join(s.dataDir, "trade_history.json")
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write trade history: %w", err)
	}
	return nil
}

// LoadTradeHistory reads the persisted closed-trade log, oldest first.
// A missing file is an empty history.
func (s *Store) LoadTradeHistory() ([]types.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filename := filepath.Join(s.dataDir, "trade_history.json")
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read trade history: %w", err)
	}

	var trades []types.ClosedTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("failed to parse trade history: %w", err)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ClosedAt.Before(trades[j].ClosedAt)
	})
	return trades, nil
}

// LoadHistoricalTrades reads a backtest input file: a JSON array of
// historical trades with their daily bars.
func (s *Store) LoadHistoricalTrades(path string) ([]backtester.HistoricalTrade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trade set %s: %w", path, err)
	}

	var trades []backtester.HistoricalTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("failed to parse trade set %s: %w", path, err)
	}

	s.logger.Info("historical trades loaded",
		zap.String("path", path),
		zap.Int("trades", len(trades)))

	return trades, nil
}

func (s *Store) loadIndex() error {
	filename := filepath.Join(s.dataDir, "reports_index.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(data, &s.index)
}

func (s *Store) saveIndex() error {
	filename := filepath.Join(s.dataDir, "reports_index.json")

	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
