package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	saveError       error
	loadError       error
	strategies      []models.Strategy
	trades          []models.Trade
	tradeSaves      map[string]int
	saveCallCount   int
	loadCallCount   int
	mu              sync.Mutex
	failTradeStatus models.TradeStatus
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		strategies: make([]models.Strategy, 0),
		trades:     make([]models.Trade, 0),
		tradeSaves: make(map[string]int),
	}
}

// ListStrategies returns copies of the stored strategies
func (m *MockStorage) ListStrategies(_ context.Context) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	out := make([]models.Strategy, 0, len(m.strategies))
	for i := range m.strategies {
		out = append(out, *m.strategies[i].Copy())
	}
	return out, nil
}

func (m *MockStorage) GetStrategy(_ context.Context, id string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	for i := range m.strategies {
		if m.strategies[i].ID == id {
			return m.strategies[i].Copy(), nil
		}
	}
	return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
}

func (m *MockStorage) UpsertStrategy(_ context.Context, s *models.Strategy) (*models.Strategy, error) {
	stored, err := prepareStrategy(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return nil, m.saveError
	}
	for i := range m.strategies {
		if m.strategies[i].ID == stored.ID {
			m.strategies[i] = *stored
			return stored.Copy(), nil
		}
	}
	m.strategies = append(m.strategies, *stored)
	return stored.Copy(), nil
}

func (m *MockStorage) DeleteStrategy(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return false, m.saveError
	}
	for i := range m.strategies {
		if m.strategies[i].ID == id {
			m.strategies = append(m.strategies[:i], m.strategies[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStorage) ListTrades(_ context.Context, strategyID string) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	out := make([]models.Trade, 0)
	for i := range m.trades {
		if strategyID == "" || m.trades[i].StrategyID == strategyID {
			out = append(out, *m.trades[i].Copy())
		}
	}
	sortTrades(out)
	return out, nil
}

func (m *MockStorage) UpsertTrade(_ context.Context, t *models.Trade) error {
	stored, err := prepareTrade(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if m.failTradeStatus != "" && stored.Status == m.failTradeStatus {
		return fmt.Errorf("mock: refusing to save trade in status %s", stored.Status)
	}
	m.tradeSaves[stored.ID]++
	for i := range m.trades {
		if m.trades[i].ID == stored.ID {
			m.trades[i] = *stored
			return nil
		}
	}
	m.trades = append(m.trades, *stored)
	return nil
}

// Mock control methods for testing

func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// FailTradesInStatus makes UpsertTrade fail for records in the given status
func (m *MockStorage) FailTradesInStatus(status models.TradeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTradeStatus = status
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// TradeSaveCount returns how many times a trade id was persisted
func (m *MockStorage) TradeSaveCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradeSaves[id]
}
