// Package retry wraps a broker gateway with bounded, jittered retries for
// calls that are safe to repeat.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Gateway retries read-only calls and cancellations on transient errors.
// Order submissions are not idempotent and pass straight through.
type Gateway struct {
	gateway broker.Gateway
	logger  logrus.FieldLogger
	config  Config
}

// Ensure Gateway implements broker.Gateway at compile time.
var _ broker.Gateway = (*Gateway)(nil)

func NewGateway(gateway broker.Gateway, logger logrus.FieldLogger, config ...Config) *Gateway {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Gateway{
		gateway: gateway,
		logger:  logger,
		config:  cfg,
	}
}

func withRetry[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := g.config.InitialBackoff

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		select {
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out after %v: %w", op, g.config.Timeout, opCtx.Err())
		default:
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				g.logger.WithField("op", op).Infof("Succeeded on attempt %d", attempt+1)
			}
			return res, nil
		}

		lastErr = err
		if !isTransientError(err) || attempt == g.config.MaxRetries {
			break
		}

		g.logger.WithField("op", op).Warnf("Attempt %d/%d failed: %v; retrying in %v",
			attempt+1, g.config.MaxRetries+1, err, backoff)
		select {
		case <-time.After(backoff):
			backoff = g.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed: %w", op, lastErr)
}

func (g *Gateway) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > g.config.MaxBackoff {
		backoff = g.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			g.logger.Warnf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, broker.ErrOrderRejected) || errors.Is(err, context.Canceled) {
		return false
	}
	// an open breaker fails fast; retrying only burns the backoff budget
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func (g *Gateway) ListAccounts(ctx context.Context) ([]broker.Account, error) {
	return withRetry(ctx, g, "list accounts", g.gateway.ListAccounts)
}

func (g *Gateway) FindOptions(ctx context.Context, delta float64, offsetDays []int, right string) ([]broker.Contract, error) {
	return withRetry(ctx, g, "find options", func(c context.Context) ([]broker.Contract, error) {
		return g.gateway.FindOptions(c, delta, offsetDays, right)
	})
}

func (g *Gateway) GetIndexValue(ctx context.Context, symbol string) (float64, error) {
	v, err := withRetry(ctx, g, "index "+symbol, func(c context.Context) (float64, error) {
		return g.gateway.GetIndexValue(c, symbol)
	})
	if err != nil {
		return broker.IndexValueUnavailable, err
	}
	return v, nil
}

func (g *Gateway) GetQuotes(ctx context.Context, conids []string) (map[string]broker.Quote, error) {
	return withRetry(ctx, g, "quotes", func(c context.Context) (map[string]broker.Quote, error) {
		return g.gateway.GetQuotes(c, conids)
	})
}

func (g *Gateway) GetOrderStatus(ctx context.Context, accountID, orderID string) (*broker.OrderStatus, error) {
	return withRetry(ctx, g, "order status "+orderID, func(c context.Context) (*broker.OrderStatus, error) {
		return g.gateway.GetOrderStatus(c, accountID, orderID)
	})
}

// CancelOrder is retried: cancelling twice is harmless.
func (g *Gateway) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	return withRetry(ctx, g, "cancel "+orderID, func(c context.Context) (bool, error) {
		return g.gateway.CancelOrder(c, accountID, orderID)
	})
}

func (g *Gateway) SubmitCombinationOrder(ctx context.Context, accountID string, legs []broker.Leg, maxCost float64) (*broker.OrderResult, error) {
	return g.gateway.SubmitCombinationOrder(ctx, accountID, legs, maxCost)
}

func (g *Gateway) SubmitDependentOrder(ctx context.Context, accountID, parentOrderID string, targetPrice float64, quantity int) (*broker.OrderResult, error) {
	return g.gateway.SubmitDependentOrder(ctx, accountID, parentOrderID, targetPrice, quantity)
}

func (g *Gateway) SubmitMarketOrder(ctx context.Context, accountID, conid, side string, quantity int) (*broker.OrderResult, error) {
	return g.gateway.SubmitMarketOrder(ctx, accountID, conid, side, quantity)
}
