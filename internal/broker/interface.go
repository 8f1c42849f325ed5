// Package broker provides market and brokerage gateway clients for calendar spread execution.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// IndexValueUnavailable is returned by GetIndexValue when no quote could be obtained
const IndexValueUnavailable = -1.0

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// ErrOrderRejected is wrapped when the gateway answers with an explicit error payload
var ErrOrderRejected = errors.New("order rejected")

// Gateway defines the market data and order routing operations the engine depends on.
// Every call is a network round trip that may fail or time out. None of the
// order submissions are idempotent.
type Gateway interface {
	// Accounts
	ListAccounts(ctx context.Context) ([]Account, error)

	// Market data
	FindOptions(ctx context.Context, delta float64, offsetDays []int, right string) ([]Contract, error)
	GetIndexValue(ctx context.Context, symbol string) (float64, error)
	GetQuotes(ctx context.Context, conids []string) (map[string]Quote, error)

	// Order placement
	// SubmitCombinationOrder: maxCost is the total notional cap for the whole order
	SubmitCombinationOrder(ctx context.Context, accountID string, legs []Leg, maxCost float64) (*OrderResult, error)
	SubmitDependentOrder(ctx context.Context, accountID, parentOrderID string, targetPrice float64, quantity int) (*OrderResult, error)
	SubmitMarketOrder(ctx context.Context, accountID, conid, side string, quantity int) (*OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (bool, error)

	// Order status
	GetOrderStatus(ctx context.Context, accountID, orderID string) (*OrderStatus, error)
}

// Account is a brokerage account the engine can trade in
type Account struct {
	ID           string `json:"id"`
	AccountID    string `json:"accountId"`
	AccountTitle string `json:"accountTitle"`
}

// Contract is an option contract returned by FindOptions
type Contract struct {
	Expiry time.Time `json:"expiry"`
	Conid  string    `json:"conid"`
	Symbol string    `json:"symbol"`
	Right  string    `json:"right"`
	Strike float64   `json:"strike"`
	Delta  float64   `json:"delta"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
}

// Quote is a bid/ask/last snapshot for a contract
type Quote struct {
	Conid string  `json:"conid"`
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Last  float64 `json:"last"`
}

// Mid returns the bid/ask midpoint, falling back to last when either side is missing
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return q.Last
	}
	return (q.Bid + q.Ask) / 2
}

// Leg is one side of a combination order
type Leg struct {
	Conid    string `json:"conid"`
	Side     string `json:"side"`
	Quantity int    `json:"quantity"`
}

// OrderResult is the gateway's answer to an order submission
type OrderResult struct {
	ID      string `json:"id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts an explicit error payload or a missing order id into an error
func (r *OrderResult) Err() error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrOrderRejected)
	}
	if strings.TrimSpace(r.Error) != "" {
		return fmt.Errorf("%w: %s", ErrOrderRejected, r.Error)
	}
	if strings.TrimSpace(r.ID) == "" {
		reason := r.Message
		if reason == "" {
			reason = "no order id returned"
		}
		return fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}
	return nil
}

// Normalized order states
const (
	OrderStateWorking   = "working"
	OrderStateFilled    = "filled"
	OrderStateCancelled = "cancelled"
	OrderStateRejected  = "rejected"
	OrderStateUnknown   = "unknown"
)

// OrderStatus is a point-in-time view of an order
type OrderStatus struct {
	ID                string  `json:"id"`
	State             string  `json:"state"`
	RawStatus         string  `json:"rawStatus"`
	Price             float64 `json:"price"`
	AvgFillPrice      float64 `json:"avgFillPrice"`
	FilledQuantity    float64 `json:"filledQuantity"`
	RemainingQuantity float64 `json:"remainingQuantity"`
}

// IsFilled reports whether the order has filled completely
func (s *OrderStatus) IsFilled() bool {
	return s != nil && s.State == OrderStateFilled
}

// IsTerminal reports whether the order can no longer change
func (s *OrderStatus) IsTerminal() bool {
	if s == nil {
		return false
	}
	switch s.State {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// FillPrice returns the average fill price, or the limit price when the
// gateway reports no average.
func (s *OrderStatus) FillPrice() float64 {
	if s.AvgFillPrice > 0 {
		return s.AvgFillPrice
	}
	return s.Price
}

// NormalizeOrderState maps gateway-specific status strings onto the normalized states
func NormalizeOrderState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled":
		return OrderStateFilled
	case "cancelled", "canceled", "apicancelled", "pendingcancel":
		return OrderStateCancelled
	case "inactive", "rejected", "expired", "error":
		return OrderStateRejected
	case "submitted", "presubmitted", "pendingsubmit", "apipending", "working", "partially_filled", "open", "pending":
		return OrderStateWorking
	default:
		return OrderStateUnknown
	}
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used when none are configured
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with the given settings
func NewCircuitBreakerGateway(gateway Gateway, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Explicit rejections are business answers, not gateway faults.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrOrderRejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker's current state
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// ListAccounts wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ListAccounts(ctx context.Context) ([]Account, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Account, error) { return g.ListAccounts(ctx) })
}

// FindOptions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) FindOptions(ctx context.Context, delta float64, offsetDays []int, right string) ([]Contract, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Contract, error) {
		return g.FindOptions(ctx, delta, offsetDays, right)
	})
}

// GetIndexValue wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetIndexValue(ctx context.Context, symbol string) (float64, error) {
	v, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (float64, error) {
		return g.GetIndexValue(ctx, symbol)
	})
	if err != nil {
		return IndexValueUnavailable, err
	}
	return v, nil
}

// GetQuotes wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetQuotes(ctx context.Context, conids []string) (map[string]Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (map[string]Quote, error) {
		return g.GetQuotes(ctx, conids)
	})
}

// SubmitCombinationOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SubmitCombinationOrder(ctx context.Context, accountID string, legs []Leg, maxCost float64) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.SubmitCombinationOrder(ctx, accountID, legs, maxCost)
	})
}

// SubmitDependentOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SubmitDependentOrder(ctx context.Context, accountID, parentOrderID string, targetPrice float64, quantity int) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.SubmitDependentOrder(ctx, accountID, parentOrderID, targetPrice, quantity)
	})
}

// SubmitMarketOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SubmitMarketOrder(ctx context.Context, accountID, conid, side string, quantity int) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.SubmitMarketOrder(ctx, accountID, conid, side, quantity)
	})
}

// CancelOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (bool, error) {
		return g.CancelOrder(ctx, accountID, orderID)
	})
}

// GetOrderStatus wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOrderStatus(ctx context.Context, accountID, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderStatus, error) {
		return g.GetOrderStatus(ctx, accountID, orderID)
	})
}

// DaysBetween calculates the number of calendar days between two dates
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

// SameDay reports whether a and b fall on the same calendar date in loc
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc != nil {
		a, b = a.In(loc), b.In(loc)
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
