package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/google/uuid"
)

// JSONStorage keeps strategies and trades in a single JSON document
type JSONStorage struct {
	data     *Data
	filepath string
	mu       sync.RWMutex
}

// Data is the on-disk document
type Data struct {
	LastUpdated time.Time         `json:"lastUpdated"`
	Strategies  []models.Strategy `json:"strategies"`
	Trades      []models.Trade    `json:"trades"`
}

// NewJSONStorage opens the document at path, creating an empty one on first save
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is empty")
	}
	s := &JSONStorage{
		filepath: path,
		data: &Data{
			Strategies: make([]models.Strategy, 0),
			Trades:     make([]models.Trade, 0),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage file: %w", err)
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	if d.Strategies == nil {
		d.Strategies = make([]models.Strategy, 0)
	}
	if d.Trades == nil {
		d.Trades = make([]models.Trade, 0)
	}
	s.data = &d
	return nil
}

// save writes next to disk and swaps it in. Caller holds the write lock.
func (s *JSONStorage) save(next *Data) error {
	next.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	s.data = next
	return nil
}

// clone makes a shallow copy of the document so a failed save leaves the
// in-memory state untouched.
func (s *JSONStorage) clone() *Data {
	return &Data{
		Strategies: append(make([]models.Strategy, 0, len(s.data.Strategies)+1), s.data.Strategies...),
		Trades:     append(make([]models.Trade, 0, len(s.data.Trades)+1), s.data.Trades...),
	}
}

// ListStrategies returns every stored strategy in insertion order
func (s *JSONStorage) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Strategy, 0, len(s.data.Strategies))
	for i := range s.data.Strategies {
		out = append(out, *s.data.Strategies[i].Copy())
	}
	return out, nil
}

// GetStrategy returns one strategy or ErrNotFound
func (s *JSONStorage) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Strategies {
		if s.data.Strategies[i].ID == id {
			return s.data.Strategies[i].Copy(), nil
		}
	}
	return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
}

// UpsertStrategy inserts or replaces a strategy, assigning an id when absent
func (s *JSONStorage) UpsertStrategy(ctx context.Context, strategy *models.Strategy) (*models.Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := prepareStrategy(strategy)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	replaced := false
	for i := range next.Strategies {
		if next.Strategies[i].ID == stored.ID {
			next.Strategies[i] = *stored
			replaced = true
			break
		}
	}
	if !replaced {
		next.Strategies = append(next.Strategies, *stored)
	}
	if err := s.save(next); err != nil {
		return nil, fmt.Errorf("save strategy %s: %w", stored.ID, err)
	}
	return stored.Copy(), nil
}

// DeleteStrategy removes a strategy. Its trades are kept as history.
func (s *JSONStorage) DeleteStrategy(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	for i := range next.Strategies {
		if next.Strategies[i].ID == id {
			next.Strategies = append(next.Strategies[:i], next.Strategies[i+1:]...)
			if err := s.save(next); err != nil {
				return false, fmt.Errorf("delete strategy %s: %w", id, err)
			}
			return true, nil
		}
	}
	return false, nil
}

// ListTrades returns trades ordered by creation time
func (s *JSONStorage) ListTrades(ctx context.Context, strategyID string) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Trade, 0)
	for i := range s.data.Trades {
		if strategyID != "" && s.data.Trades[i].StrategyID != strategyID {
			continue
		}
		out = append(out, *s.data.Trades[i].Copy())
	}
	sortTrades(out)
	return out, nil
}

// UpsertTrade inserts or replaces a trade record
func (s *JSONStorage) UpsertTrade(ctx context.Context, trade *models.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, err := prepareTrade(trade)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	replaced := false
	for i := range next.Trades {
		if next.Trades[i].ID == stored.ID {
			next.Trades[i] = *stored
			replaced = true
			break
		}
	}
	if !replaced {
		next.Trades = append(next.Trades, *stored)
	}
	if err := s.save(next); err != nil {
		return fmt.Errorf("save trade %s: %w", stored.ID, err)
	}
	return nil
}

// prepareStrategy copies the input, normalizes clocks and assigns an id
func prepareStrategy(strategy *models.Strategy) (*models.Strategy, error) {
	if strategy == nil {
		return nil, errors.New("strategy is nil")
	}
	stored := strategy.Copy()
	stored.Normalize()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	return stored, nil
}

// prepareTrade copies the input and assigns an id when absent
func prepareTrade(trade *models.Trade) (*models.Trade, error) {
	if trade == nil {
		return nil, errors.New("trade is nil")
	}
	if trade.StrategyID == "" {
		return nil, errors.New("trade has no strategy id")
	}
	if !trade.Status.Valid() {
		return nil, fmt.Errorf("trade %s has invalid status %q", trade.ID, trade.Status)
	}
	stored := trade.Copy()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Errors == nil {
		stored.Errors = make([]string, 0)
	}
	return stored, nil
}

func sortTrades(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
}
