package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

// Interface defines the contract for strategy and trade persistence.
//
// Implementations must be safe for concurrent use - the engine persists
// trades from several goroutines during one tick while the dashboard reads.
// Returned values are copies; mutating them never changes stored state.
type Interface interface {
	// Strategies
	ListStrategies(ctx context.Context) ([]models.Strategy, error)
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	UpsertStrategy(ctx context.Context, s *models.Strategy) (*models.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) (bool, error)

	// Trades. An empty strategyID lists every trade.
	ListTrades(ctx context.Context, strategyID string) ([]models.Trade, error)
	UpsertTrade(ctx context.Context, t *models.Trade) error
}

// Backend names accepted by New
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
)

// Options selects and configures a storage backend
type Options struct {
	Backend       string
	Path          string
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration
}

// New creates the configured storage backend. The remote backend keeps a
// local JSON mirror at Path and falls back to it when the server is down.
func New(opts Options, logger logrus.FieldLogger) (Interface, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch strings.ToLower(opts.Backend) {
	case "", BackendJSON:
		return NewJSONStorage(opts.Path)
	case BackendSQLite:
		return NewSQLiteStorage(opts.Path)
	case BackendRemote:
		remote, err := NewRemoteStorage(opts.RemoteURL,
			WithRemoteTimeout(opts.RemoteTimeout), WithRemoteToken(opts.RemoteToken))
		if err != nil {
			return nil, err
		}
		if opts.Path == "" {
			return remote, nil
		}
		local, err := NewJSONStorage(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("local mirror: %w", err)
		}
		return NewFallbackStorage(remote, local, logger.WithField("component", "storage")), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*RemoteStorage)(nil)
	_ Interface = (*FallbackStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
