// Package orders provides order status polling for the execution engine.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/sirupsen/logrus"
)

// ErrPollTimeout is returned when an order does not reach a terminal state in time
var ErrPollTimeout = errors.New("order polling timed out")

// Config contains configuration for the order manager.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	Timeout:      5 * time.Second,
	CallTimeout:  5 * time.Second,
}

// quantityEpsilon handles floating point noise in reported quantities
const quantityEpsilon = 1e-6

// Manager handles order status polling.
type Manager struct {
	gateway broker.Gateway
	logger  logrus.FieldLogger
	config  Config
}

// NewManager creates a new order manager instance.
func NewManager(gateway broker.Gateway, logger logrus.FieldLogger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "orders")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if gateway == nil {
		panic("orders.NewManager: gateway must not be nil")
	}

	return &Manager{
		gateway: gateway,
		logger:  logger,
		config:  cfg,
	}
}

// Check fetches one status snapshot for an order. A fully executed order is
// reported as filled even if the gateway still labels it working.
func (m *Manager) Check(ctx context.Context, accountID, orderID string) (*broker.OrderStatus, error) {
	if orderID == "" {
		return nil, errors.New("order id is empty")
	}
	statusCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	status, err := m.gateway.GetOrderStatus(statusCtx, accountID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}
	if status == nil {
		return nil, fmt.Errorf("nil order status for %s", orderID)
	}

	if status.State != broker.OrderStateFilled && isOrderCompletelyFilled(status) {
		m.logger.WithField("order_id", orderID).
			Debugf("Order reports %q but nothing remains; treating as filled", status.RawStatus)
		status.State = broker.OrderStateFilled
	}
	return status, nil
}

// WaitForFill polls until the order is terminal or timeout elapses. A zero
// timeout uses the configured default. The last observed status is returned
// alongside ErrPollTimeout.
func (m *Manager) WaitForFill(ctx context.Context, accountID, orderID string, timeout time.Duration) (*broker.OrderStatus, error) {
	if timeout <= 0 {
		timeout = m.config.Timeout
	}
	log := m.logger.WithField("order_id", orderID)

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last *broker.OrderStatus
	check := func() bool {
		status, err := m.Check(pollCtx, accountID, orderID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return false
			}
			log.Warnf("Error checking order status: %v", err)
			return false
		}
		last = status
		if status.State == broker.OrderStateUnknown {
			log.Warnf("Unknown order status %q", status.RawStatus)
			return false
		}
		return status.IsTerminal()
	}

	if check() {
		return last, nil
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("order %s: %w", orderID, ctx.Err())
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return last, fmt.Errorf("order %s: %w", orderID, ctx.Err())
			}
			log.Infof("Order not terminal after %v", timeout)
			return last, fmt.Errorf("order %s: %w", orderID, ErrPollTimeout)
		case <-ticker.C:
			if check() {
				log.Infof("Order reached %s", last.State)
				return last, nil
			}
		}
	}
}

// isOrderCompletelyFilled reports a fill from quantities when the status string lags
func isOrderCompletelyFilled(status *broker.OrderStatus) bool {
	if status == nil {
		return false
	}
	if status.State == broker.OrderStateFilled {
		return true
	}
	if status.State == broker.OrderStateCancelled || status.State == broker.OrderStateRejected {
		return false
	}
	nothingExecuted := status.FilledQuantity <= quantityEpsilon
	hasZeroRemaining := status.RemainingQuantity <= quantityEpsilon
	return !nothingExecuted && hasZeroRemaining
}
