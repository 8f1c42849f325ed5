package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/config"
	"github.com/eddiefleurent/scranton_calendar/internal/mock"
	"github.com/eddiefleurent/scranton_calendar/internal/retry"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// newLogger builds the process logger. With a log file, output goes to both
// stdout and a rotated file.
func newLogger(env config.EnvironmentConfig) (*logrus.Logger, func()) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if env.LogFile == "" {
		logger.SetOutput(os.Stdout)
		return logger, func() {}
	}
	if dir := filepath.Dir(env.LogFile); dir != "." {
		_ = os.MkdirAll(dir, 0o750)
	}
	rotator := &lumberjack.Logger{
		Filename:   env.LogFile,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return logger, func() { _ = rotator.Close() }
}

// buildGateway assembles provider, circuit breaker and retry layers
func buildGateway(cfg *config.Config, logger *logrus.Logger) broker.Gateway {
	var base broker.Gateway
	switch cfg.Broker.Provider {
	case config.ProviderIBKR:
		httpClient := &http.Client{Timeout: cfg.BrokerTimeout()}
		if cfg.Broker.InsecureSkipVerify {
			httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- local gateway with self-signed cert
			}
		}
		opts := []broker.IBKROption{
			broker.WithHTTPClient(httpClient),
			broker.WithUnderlying(cfg.Broker.Underlying),
			broker.WithLogger(logger.WithField("component", "ibkr")),
			broker.WithClock(nil, cfg.Location()),
		}
		if cfg.Broker.RateLimitPerSecond > 0 {
			opts = append(opts, broker.WithRateLimit(cfg.Broker.RateLimitPerSecond))
		}
		if len(cfg.Broker.IndexConids) > 0 {
			opts = append(opts, broker.WithIndexConids(cfg.Broker.IndexConids))
		}
		if cfg.Engine.TickSize > 0 {
			opts = append(opts, broker.WithTickSize(cfg.Engine.TickSize))
		}
		base = broker.NewIBKRClient(cfg.Broker.APIEndpoint, opts...)
	default:
		accountID := lo.Ternary(cfg.Broker.AccountID != "", cfg.Broker.AccountID, "DU0000000")
		base = mock.NewGateway(
			mock.WithClock(nil, cfg.Location()),
			mock.WithAccounts(broker.Account{ID: accountID, AccountID: accountID, AccountTitle: "Simulated paper account"}),
		)
		logger.Info("Using the simulated market gateway")
	}

	breakerSettings := broker.DefaultCircuitBreakerSettings()
	cb := cfg.CircuitBreaker
	if cb.MaxRequests > 0 {
		breakerSettings.MaxRequests = cb.MaxRequests
	}
	if cb.MinRequests > 0 {
		breakerSettings.MinRequests = cb.MinRequests
	}
	if cb.FailureRatio > 0 {
		breakerSettings.FailureRatio = cb.FailureRatio
	}
	interval, timeout := cfg.BreakerIntervals()
	if interval > 0 {
		breakerSettings.Interval = interval
	}
	if timeout > 0 {
		breakerSettings.Timeout = timeout
	}
	breaker := broker.NewCircuitBreakerGateway(base, breakerSettings, logger.WithField("component", "breaker"))

	retryCfg := retry.DefaultConfig
	if cfg.Retry.MaxRetries > 0 {
		retryCfg.MaxRetries = cfg.Retry.MaxRetries
	}
	retryCfg.InitialBackoff, retryCfg.MaxBackoff = cfg.RetryBackoff()
	return retry.NewGateway(breaker, logger.WithField("component", "retry"), retryCfg)
}

func hasAccount(accounts []broker.Account, id string) bool {
	return lo.ContainsBy(accounts, func(a broker.Account) bool {
		return a.AccountID == id || a.ID == id
	})
}

// runTransfer performs the -export / -import command line actions
func runTransfer(ctx context.Context, repo storage.Interface, exportPath, importPath string, logger logrus.FieldLogger) error {
	if importPath != "" {
		f, err := os.Open(importPath) // #nosec G304 -- operator-supplied path
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer func() { _ = f.Close() }()

		report, err := storage.Import(ctx, repo, f)
		if err != nil {
			return err
		}
		for _, skip := range report.Skipped {
			logger.Warnf("Skipped entry %d: %s", skip.Index, skip.Reason)
		}
		for _, id := range report.IDs {
			logger.Debugf("Imported strategy %s", shortID(id))
		}
		logger.Infof("Imported %d strategies from %s", report.Imported, importPath)
	}

	if exportPath != "" {
		f, err := os.Create(exportPath) // #nosec G304 -- operator-supplied path
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		n, err := storage.Export(ctx, repo, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		logger.Infof("Exported %d strategies to %s", n, exportPath)
	}
	return nil
}

// closeStorage releases backends that hold a handle
func closeStorage(repo storage.Interface, logger logrus.FieldLogger) {
	if c, ok := repo.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warnf("Closing storage: %v", err)
		}
	}
}
