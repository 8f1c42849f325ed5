package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidStrategy is wrapped by every strategy validation failure
var ErrInvalidStrategy = errors.New("invalid strategy")

// ValueRange is an inclusive range serialized as {"min":..,"max":..}. The
// two-element array form [min, max] is accepted on input.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// UnmarshalJSON accepts both the object and the array form
func (r *ValueRange) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("range needs two bounds, got %d", len(pair))
		}
		r.Min, r.Max = pair[0], pair[1]
		return nil
	}
	type plain ValueRange
	var v plain
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*r = ValueRange(v)
	return nil
}

// Contains reports whether v lies within the inclusive range
func (r ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// StrategyResults are the realized statistics of a strategy's completed trades
type StrategyResults struct {
	TotalPnL  float64 `json:"totalPnL"`
	WinCount  int     `json:"winCount"`
	LossCount int     `json:"lossCount"`
	WinRate   float64 `json:"winRate"`
	AvgWin    float64 `json:"avgWin"`
	AvgLoss   float64 `json:"avgLoss"`
}

// Record folds one realized P&L into the running statistics.
// A breakeven trade adds to the total but counts as neither win nor loss.
func (r *StrategyResults) Record(pnl float64) {
	r.TotalPnL += pnl

	if pnl > 0 {
		r.WinCount++
		r.AvgWin = (r.AvgWin*float64(r.WinCount-1) + pnl) / float64(r.WinCount)
	} else if pnl < 0 {
		r.LossCount++
		r.AvgLoss = (r.AvgLoss*float64(r.LossCount-1) + pnl) / float64(r.LossCount)
	}

	decided := r.WinCount + r.LossCount
	if decided > 0 {
		r.WinRate = float64(r.WinCount) / float64(decided) * 100
	}
}

// Strategy is a recurring schedule describing when and how to open a
// calendar spread.
type Strategy struct {
	LastExecuted      *time.Time       `json:"lastExecuted,omitempty"`
	Results           *StrategyResults `json:"results,omitempty"`
	VIX               *ValueRange      `json:"vix,omitempty"`
	VIXOvernightRange *ValueRange      `json:"vixOvernightRange,omitempty"`
	VIXIntradayRange  *ValueRange      `json:"vixIntradayRange,omitempty"`
	AveragingDropPct  *float64         `json:"averagingDropPct,omitempty"`
	AveragingAmount   *float64         `json:"averagingAmount,omitempty"`
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	T1                string           `json:"t1"`
	T2                string           `json:"t2"`
	AveragingTimes    []string         `json:"averagingTimes,omitempty"`
	DayOfWeek         int              `json:"dayOfWeek"`
	D1                int              `json:"d1"`
	D2                int              `json:"d2"`
	Delta             float64          `json:"delta"`
	TP                float64          `json:"tp"`
	MaxCost           float64          `json:"maxCost"`
	IsActive          bool             `json:"isActive"`
}

// Right returns the option right selected by the sign of Delta
func (s *Strategy) Right() string {
	if s.Delta < 0 {
		return RightPut
	}
	return RightCall
}

// HasAveraging reports whether a complete averaging policy is configured
func (s *Strategy) HasAveraging() bool {
	return s.AveragingDropPct != nil && s.AveragingAmount != nil &&
		*s.AveragingAmount > 0 && len(s.AveragingTimes) > 0
}

// Validate checks the strategy invariants
func (s *Strategy) Validate() error {
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("%w: dayOfWeek must be in [0,6] (current: %d)", ErrInvalidStrategy, s.DayOfWeek)
	}
	if _, err := ParseClock(s.T1); err != nil {
		return fmt.Errorf("%w: t1: %v", ErrInvalidStrategy, err)
	}
	if _, err := ParseClock(s.T2); err != nil {
		return fmt.Errorf("%w: t2: %v", ErrInvalidStrategy, err)
	}
	if s.MaxCost <= 0 {
		return fmt.Errorf("%w: maxCost must be > 0 (current: %v)", ErrInvalidStrategy, s.MaxCost)
	}
	if s.D1 < 0 || s.D2 < 0 {
		return fmt.Errorf("%w: expiration offsets cannot be negative (current: %d, %d)",
			ErrInvalidStrategy, s.D1, s.D2)
	}
	if s.D2 <= s.D1 {
		return fmt.Errorf("%w: d2 must be after d1 (current: %d, %d)", ErrInvalidStrategy, s.D1, s.D2)
	}
	if s.TP < 0 {
		return fmt.Errorf("%w: tp cannot be negative (current: %v)", ErrInvalidStrategy, s.TP)
	}
	for name, r := range map[string]*ValueRange{
		"vix":               s.VIX,
		"vixOvernightRange": s.VIXOvernightRange,
		"vixIntradayRange":  s.VIXIntradayRange,
	} {
		if r != nil && r.Min > r.Max {
			return fmt.Errorf("%w: %s min %v exceeds max %v", ErrInvalidStrategy, name, r.Min, r.Max)
		}
	}
	for _, at := range s.AveragingTimes {
		if _, err := ParseClock(at); err != nil {
			return fmt.Errorf("%w: averagingTimes: %v", ErrInvalidStrategy, err)
		}
	}
	if s.AveragingDropPct != nil && *s.AveragingDropPct < 0 {
		return fmt.Errorf("%w: averagingDropPct cannot be negative", ErrInvalidStrategy)
	}
	if s.AveragingAmount != nil && *s.AveragingAmount < 0 {
		return fmt.Errorf("%w: averagingAmount cannot be negative", ErrInvalidStrategy)
	}
	return nil
}

// Normalize rewrites clock fields to the canonical HH-MM form. Malformed
// values are left as they are for Validate to report.
func (s *Strategy) Normalize() {
	s.T1 = normalizeClock(s.T1)
	s.T2 = normalizeClock(s.T2)
	for i, at := range s.AveragingTimes {
		s.AveragingTimes[i] = normalizeClock(at)
	}
	s.Name = strings.TrimSpace(s.Name)
}

// Copy creates a deep copy of the strategy
func (s *Strategy) Copy() *Strategy {
	if s == nil {
		return nil
	}
	c := *s
	c.LastExecuted = copyTime(s.LastExecuted)
	c.AveragingDropPct = copyFloat(s.AveragingDropPct)
	c.AveragingAmount = copyFloat(s.AveragingAmount)
	if s.Results != nil {
		r := *s.Results
		c.Results = &r
	}
	c.VIX = copyRange(s.VIX)
	c.VIXOvernightRange = copyRange(s.VIXOvernightRange)
	c.VIXIntradayRange = copyRange(s.VIXIntradayRange)
	if s.AveragingTimes != nil {
		c.AveragingTimes = append([]string(nil), s.AveragingTimes...)
	}
	return &c
}

func copyRange(r *ValueRange) *ValueRange {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

// Clock is a wall-clock time of day at minute granularity
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH-MM" (or "HH:MM") 24h clock strings
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "-:")
	if sep <= 0 || sep > 2 || len(s)-sep-1 != 2 {
		return Clock{}, fmt.Errorf("malformed time %q, expected HH-MM", s)
	}
	h, err := strconv.Atoi(s[:sep])
	if err != nil {
		return Clock{}, fmt.Errorf("malformed hour in %q", s)
	}
	m, err := strconv.Atoi(s[sep+1:])
	if err != nil {
		return Clock{}, fmt.Errorf("malformed minute in %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("time %q out of range", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// ClockOf returns the wall-clock minute of t in t's location
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute()}
}

// String formats the clock as HH-MM
func (c Clock) String() string {
	return fmt.Sprintf("%02d-%02d", c.Hour, c.Minute)
}

// MatchesClock reports whether t falls in the minute described by s
func MatchesClock(s string, t time.Time) bool {
	c, err := ParseClock(s)
	if err != nil {
		return false
	}
	return c == ClockOf(t)
}

func normalizeClock(s string) string {
	c, err := ParseClock(s)
	if err != nil {
		return s
	}
	return c.String()
}
