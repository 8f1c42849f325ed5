package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStorage persists strategies and trades in a SQLite database. Rows
// carry the indexed columns plus the full JSON document.
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStorage opens (or creates) the database and runs migrations
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			is_active   INTEGER NOT NULL,
			day_of_week INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			data        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			data        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ListStrategies returns every stored strategy in insertion order
func (s *SQLiteStorage) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM strategies ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Strategy, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		var st models.Strategy
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStrategy returns one strategy or ErrNotFound
func (s *SQLiteStorage) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM strategies WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy %s: %w", id, err)
	}
	var st models.Strategy
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", id, err)
	}
	return &st, nil
}

// UpsertStrategy inserts or replaces a strategy, assigning an id when absent
func (s *SQLiteStorage) UpsertStrategy(ctx context.Context, strategy *models.Strategy) (*models.Strategy, error) {
	stored, err := prepareStrategy(strategy)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode strategy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO strategies (id, name, is_active, day_of_week, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			day_of_week = excluded.day_of_week,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		stored.ID, stored.Name, boolToInt(stored.IsActive), stored.DayOfWeek, time.Now().Unix(), string(raw))
	if err != nil {
		return nil, fmt.Errorf("upsert strategy %s: %w", stored.ID, err)
	}
	return stored.Copy(), nil
}

// DeleteStrategy removes a strategy. Its trades are kept as history.
func (s *SQLiteStorage) DeleteStrategy(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete strategy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete strategy %s: %w", id, err)
	}
	return n > 0, nil
}

// ListTrades returns trades ordered by creation time
func (s *SQLiteStorage) ListTrades(ctx context.Context, strategyID string) ([]models.Trade, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if strategyID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT data FROM trades ORDER BY created_at, rowid`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT data FROM trades WHERE strategy_id = ? ORDER BY created_at, rowid`, strategyID)
	}
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Trade, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var tr models.Trade
		if err := json.Unmarshal([]byte(raw), &tr); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// UpsertTrade inserts or replaces a trade record
func (s *SQLiteStorage) UpsertTrade(ctx context.Context, trade *models.Trade) error {
	stored, err := prepareTrade(trade)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO trades (id, strategy_id, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		stored.ID, stored.StrategyID, string(stored.Status),
		stored.CreatedAt.UnixNano(), stored.UpdatedAt.UnixNano(), string(raw))
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", stored.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
