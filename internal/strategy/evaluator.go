// Package strategy holds the calendar spread decision rules: entry gating,
// leg selection and sizing, and the averaging policy.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// VolatilityIndex is the index symbol behind the strategy's vix range
const VolatilityIndex = "VIX"

// IndexProvider returns the current value of an index. Failures are reported
// as broker.IndexValueUnavailable and/or an error.
type IndexProvider interface {
	GetIndexValue(ctx context.Context, symbol string) (float64, error)
}

// Evaluator decides whether a strategy may open a trade right now
type Evaluator struct {
	index    IndexProvider
	logger   logrus.FieldLogger
	location *time.Location
	filters  []VolatilityFilter
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithLocation sets the timezone strategy clocks are expressed in
func WithLocation(loc *time.Location) EvaluatorOption {
	return func(e *Evaluator) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithVolatilityFilters replaces the overnight/intraday filter chain
func WithVolatilityFilters(filters ...VolatilityFilter) EvaluatorOption {
	return func(e *Evaluator) { e.filters = filters }
}

// NewEvaluator creates an evaluator reading index values from index
func NewEvaluator(index IndexProvider, logger logrus.FieldLogger, opts ...EvaluatorOption) *Evaluator {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "evaluator")
	}
	e := &Evaluator{
		index:    index,
		logger:   logger,
		location: time.UTC,
	}
	e.filters = DefaultVolatilityFilters(logger)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the timezone strategy clocks are evaluated in
func (e *Evaluator) Location() *time.Location {
	return e.location
}

// IsEntryTime reports whether now is the strategy's entry day and minute.
// The match is exact to the minute; there is no window.
func (e *Evaluator) IsEntryTime(s *models.Strategy, now time.Time) bool {
	local := now.In(e.location)
	return int(local.Weekday()) == s.DayOfWeek && models.MatchesClock(s.T1, local)
}

// CheckEntryConditions runs the entry gate for one strategy. The reason
// explains the first failed check.
func (e *Evaluator) CheckEntryConditions(ctx context.Context, s *models.Strategy, now time.Time) (bool, string) {
	if !s.IsActive {
		return false, "strategy inactive"
	}
	if !e.IsEntryTime(s, now) {
		return false, "not entry time"
	}

	if s.VIX != nil {
		value, err := e.index.GetIndexValue(ctx, VolatilityIndex)
		if err != nil || value == broker.IndexValueUnavailable {
			if err != nil {
				e.logger.WithField("strategy_id", s.ID).Warnf("%s unavailable: %v", VolatilityIndex, err)
			}
			return false, fmt.Sprintf("%s value unavailable", VolatilityIndex)
		}
		if !s.VIX.Contains(value) {
			return false, fmt.Sprintf("%s %.2f outside [%.2f, %.2f]", VolatilityIndex, value, s.VIX.Min, s.VIX.Max)
		}
	}

	for _, f := range e.filters {
		if ok, reason := f.Allow(ctx, s, now); !ok {
			return false, fmt.Sprintf("%s: %s", f.Name(), reason)
		}
	}
	return true, "entry conditions met"
}

// HasOpenTrade reports whether the strategy already has a non-terminal trade
func HasOpenTrade(trades []models.Trade, strategyID string) bool {
	return lo.ContainsBy(trades, func(t models.Trade) bool {
		return t.StrategyID == strategyID && !t.IsTerminal()
	})
}
