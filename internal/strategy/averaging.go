package strategy

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/shopspring/decimal"
)

// AveragingDecision is the outcome of an averaging check
type AveragingDecision struct {
	Reason    string
	Contracts int
	Trigger   bool
}

// AveragingPolicy decides whether to add to an open position
type AveragingPolicy interface {
	Evaluate(s *models.Strategy, t *models.Trade, spread float64, now time.Time) AveragingDecision
}

// DropAveraging adds averagingAmount worth of spreads at an averaging time
// when the spread has fallen at least averagingDropPct below the entry price.
type DropAveraging struct{}

// Evaluate applies the price-drop rule. now must already be in the
// strategy's timezone.
func (DropAveraging) Evaluate(s *models.Strategy, t *models.Trade, spread float64, now time.Time) AveragingDecision {
	if !s.HasAveraging() {
		return AveragingDecision{Reason: "averaging not configured"}
	}
	if t.Status != models.StatusTakeProfitPlaced {
		return AveragingDecision{Reason: fmt.Sprintf("status %s", t.Status)}
	}
	if t.PendingAveraging() != nil {
		return AveragingDecision{Reason: "averaging order pending"}
	}
	if !IsAveragingTime(s, now) {
		return AveragingDecision{Reason: "not an averaging time"}
	}
	if alreadyAveraged(t, now) {
		return AveragingDecision{Reason: "already averaged in this slot"}
	}
	entry := t.EntryPriceValue()
	if entry <= 0 || spread <= 0 {
		return AveragingDecision{Reason: "no usable price"}
	}

	threshold := AveragingThreshold(entry, *s.AveragingDropPct)
	if spread > threshold {
		return AveragingDecision{Reason: fmt.Sprintf("spread %.2f above threshold %.2f", spread, threshold)}
	}
	n := ContractCount(*s.AveragingAmount, spread)
	if n <= 0 {
		return AveragingDecision{Reason: "averaging amount below one contract"}
	}
	return AveragingDecision{
		Trigger:   true,
		Contracts: n,
		Reason:    fmt.Sprintf("spread %.2f <= %.2f", spread, threshold),
	}
}

// AveragingThreshold is entry × (1 − dropPct/100)
func AveragingThreshold(entry, dropPct float64) float64 {
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(dropPct).Div(decimal.NewFromInt(100)))
	v, _ := decimal.NewFromFloat(entry).Mul(factor).Float64()
	return v
}

// IsAveragingTime reports whether now matches one of the averaging clocks
func IsAveragingTime(s *models.Strategy, now time.Time) bool {
	for _, at := range s.AveragingTimes {
		if models.MatchesClock(at, now) {
			return true
		}
	}
	return false
}

// alreadyAveraged reports an averaging submitted in the same day and minute
func alreadyAveraged(t *models.Trade, now time.Time) bool {
	for _, a := range t.Averagings {
		sub := a.SubmittedAt.In(now.Location())
		if sub.Year() == now.Year() && sub.YearDay() == now.YearDay() &&
			models.ClockOf(sub) == models.ClockOf(now) {
			return true
		}
	}
	return false
}
