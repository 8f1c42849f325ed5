package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/config"
	"github.com/eddiefleurent/scranton_calendar/internal/dashboard"
	"github.com/eddiefleurent/scranton_calendar/internal/engine"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/sirupsen/logrus"
)

type Bot struct {
	config    *config.Config
	logger    *logrus.Logger
	repo      storage.Interface
	gateway   broker.Gateway
	engine    *engine.Engine
	dashboard *dashboard.Server
}

func main() {
	var configPath, exportPath, importPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&exportPath, "export", "", "Write all strategies to this JSON file and exit")
	flag.StringVar(&importPath, "import", "", "Import strategies from this JSON file and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog := newLogger(cfg.Environment)
	defer closeLog()

	repo, err := storage.New(storage.Options{
		Backend:       cfg.Storage.Backend,
		Path:          cfg.Storage.Path,
		RemoteURL:     cfg.Storage.RemoteURL,
		RemoteToken:   cfg.Storage.RemoteToken,
		RemoteTimeout: cfg.RemoteTimeout(),
	}, logger.WithField("component", "storage"))
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStorage(repo, logger)

	if exportPath != "" || importPath != "" {
		if err := runTransfer(context.Background(), repo, exportPath, importPath, logger); err != nil {
			logger.Fatalf("Transfer failed: %v", err)
		}
		return
	}

	logger.Infof("Starting calendar spread engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Warn("LIVE TRADING MODE - Real money at risk!")
		logger.Warn("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	gateway := buildGateway(cfg, logger)
	eng := engine.New(engineConfig(cfg), repo, gateway,
		engine.WithLogger(logger.WithField("component", "engine")))

	bot := &Bot{
		config:  cfg,
		logger:  logger,
		repo:    repo,
		gateway: gateway,
		engine:  eng,
	}
	if cfg.Dashboard.Enabled {
		bot.dashboard = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, repo, eng, gateway, logger.WithField("component", "dashboard"))
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}

	logger.Info("Bot stopped successfully")
}

// engineConfig maps the file configuration onto the engine's
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Location = cfg.Location()
	ec.CheckInterval = cfg.GetCheckInterval()
	ec.CallTimeout = cfg.BrokerTimeout()
	if d := cfg.OrderPollInterval(); d > 0 {
		ec.OrderPollInterval = d
	}
	if d := cfg.CloseConfirmTimeout(); d > 0 {
		ec.CloseConfirmTimeout = d
	}
	if d := cfg.IndexCacheTTL(); d > 0 {
		ec.IndexCacheTTL = d
	}
	if cfg.Engine.MaxConcurrency > 0 {
		ec.MaxConcurrency = cfg.Engine.MaxConcurrency
	}
	if cfg.Engine.MaxTakeProfitAttempts > 0 {
		ec.MaxTakeProfitAttempts = cfg.Engine.MaxTakeProfitAttempts
	}
	if cfg.Engine.TickSize > 0 {
		ec.TickSize = cfg.Engine.TickSize
	}
	return ec
}

// Run serves the dashboard, auto-starts the engine when configured, and
// blocks until ctx is cancelled. Shutdown waits for the in-flight tick.
func (b *Bot) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	if b.dashboard != nil {
		go func() {
			if err := b.dashboard.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	if b.config.Schedule.AutoStart {
		runErr = b.autoStart(ctx)
	} else {
		b.logger.Info("Engine idle; start it from the dashboard")
	}

	if runErr == nil {
		select {
		case <-ctx.Done():
			b.logger.Info("Shutdown signal received, stopping engine...")
		case err := <-serverErr:
			runErr = fmt.Errorf("dashboard: %w", err)
		}
	}

	select {
	case <-b.engine.Stop().Done():
	case <-time.After(2 * time.Minute):
		b.logger.Warn("Timed out waiting for the current tick to finish")
	}

	if b.dashboard != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.dashboard.Shutdown(shutdownCtx); err != nil {
			b.logger.Warnf("Dashboard shutdown: %v", err)
		}
	}
	return runErr
}

// autoStart verifies the gateway and starts the engine on the configured account
func (b *Bot) autoStart(ctx context.Context) error {
	b.logger.Info("Verifying broker connection...")
	checkCtx, cancel := context.WithTimeout(ctx, b.config.BrokerTimeout())
	defer cancel()
	accounts, err := b.gateway.ListAccounts(checkCtx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	account := b.config.Broker.AccountID
	if account == "" {
		if len(accounts) != 1 {
			return fmt.Errorf("broker.account_id is required when the gateway reports %d accounts", len(accounts))
		}
		account = accounts[0].AccountID
	} else if !hasAccount(accounts, account) {
		return fmt.Errorf("account %s not available on the gateway", account)
	}

	if err := b.engine.Start(account); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	b.logger.Infof("Connected to broker, trading account %s", account)
	return nil
}
