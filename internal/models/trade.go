package models

import (
	"fmt"
	"strings"
	"time"
)

// ContractMultiplier converts a per-share option price to a per-contract notional
const ContractMultiplier = 100.0

// Option rights
const (
	RightPut  = "P"
	RightCall = "C"
)

// Position holds both legs of a calendar spread. It is either absent from a
// trade or fully populated.
type Position struct {
	NearExpiration time.Time `json:"nearExpiration"`
	FarExpiration  time.Time `json:"farExpiration"`
	NearSymbol     string    `json:"nearSymbol"`
	NearConid      string    `json:"nearConid"`
	FarSymbol      string    `json:"farSymbol"`
	FarConid       string    `json:"farConid"`
	Right          string    `json:"right"`
	Strike         float64   `json:"strike"`
}

// Validate reports the first missing leg detail
func (p *Position) Validate() error {
	switch {
	case p.NearSymbol == "" || p.NearConid == "":
		return fmt.Errorf("near leg symbol/conid missing")
	case p.FarSymbol == "" || p.FarConid == "":
		return fmt.Errorf("far leg symbol/conid missing")
	case p.NearExpiration.IsZero() || p.FarExpiration.IsZero():
		return fmt.Errorf("leg expiration missing")
	case !p.NearExpiration.Before(p.FarExpiration):
		return fmt.Errorf("near expiration %s must be before far expiration %s",
			p.NearExpiration.Format("2006-01-02"), p.FarExpiration.Format("2006-01-02"))
	case p.Right != RightPut && p.Right != RightCall:
		return fmt.Errorf("invalid option right %q", p.Right)
	case p.Strike <= 0:
		return fmt.Errorf("strike must be positive (current: %.2f)", p.Strike)
	}
	return nil
}

// Averaging records one averaging order against an open trade
type Averaging struct {
	SubmittedAt time.Time  `json:"submittedAt"`
	FilledAt    *time.Time `json:"filledAt,omitempty"`
	OrderID     string     `json:"orderId"`
	Contracts   int        `json:"contracts"`
	Price       float64    `json:"price"`
}

// Trade is the lifecycle record for one activation of a strategy.
type Trade struct {
	machine            *StateMachine
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	EntryTime          *time.Time  `json:"entryTime,omitempty"`
	ExitTime           *time.Time  `json:"exitTime,omitempty"`
	EntryPrice         *float64    `json:"entryPrice,omitempty"`
	ExitPrice          *float64    `json:"exitPrice,omitempty"`
	PnL                *float64    `json:"pnl,omitempty"`
	Position           *Position   `json:"position,omitempty"`
	ID                 string      `json:"id"`
	StrategyID         string      `json:"strategyId"`
	Status             TradeStatus `json:"status"`
	EntryOrderID       string      `json:"entryOrderId,omitempty"`
	TakeProfitOrderID  string      `json:"takeProfitOrderId,omitempty"`
	ExitOrderID        string      `json:"exitOrderId,omitempty"`
	ExitFarOrderID     string      `json:"exitFarOrderId,omitempty"`
	AveragingOrderID   string      `json:"averagingOrderId,omitempty"`
	Averagings         []Averaging `json:"averagings,omitempty"`
	Errors             []string    `json:"errors"`
	Contracts          int         `json:"contracts"`
	TakeProfitAttempts int         `json:"takeProfitAttempts,omitempty"`
}

// NewTrade creates a trade in StatusWaiting
func NewTrade(id, strategyID string, now time.Time) *Trade {
	return &Trade{
		ID:         id,
		StrategyID: strategyID,
		Status:     StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
		Errors:     make([]string, 0),
		machine:    NewStateMachine(),
	}
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (t *Trade) ensureMachine() *StateMachine {
	if t.machine == nil || t.machine.GetCurrentState() != t.Status {
		t.machine = NewStateMachineFromState(t.Status)
	}
	return t.machine
}

// TransitionStatus moves the trade to a new status
func (t *Trade) TransitionStatus(to TradeStatus, condition string, at time.Time) error {
	if err := t.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("trade %s state transition failed: %w", t.ID, err)
	}
	t.Status = to
	t.UpdatedAt = at
	return nil
}

// Fail appends msg to the error log and moves the trade to StatusError.
// A trade that is already terminal only gets the error appended.
func (t *Trade) Fail(msg string, at time.Time) {
	t.AppendError(msg, at)
	if t.Status.IsTerminal() {
		return
	}
	// Error is reachable from every non-terminal status.
	_ = t.TransitionStatus(StatusError, "", at)
}

// AppendError adds a timestamped entry to the append-only error log
func (t *Trade) AppendError(msg string, at time.Time) {
	t.Errors = append(t.Errors, fmt.Sprintf("%s %s", at.UTC().Format(time.RFC3339), strings.TrimSpace(msg)))
	t.UpdatedAt = at
}

// IsTerminal reports whether the trade has reached completed or error
func (t *Trade) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// SetPosition records both legs at once. Incomplete detail is rejected and
// leaves the trade untouched.
func (t *Trade) SetPosition(p Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("trade %s: incomplete position: %w", t.ID, err)
	}
	t.Position = &p
	return nil
}

// RecordEntry stores the sized entry economics
func (t *Trade) RecordEntry(price float64, contracts int, at time.Time) {
	entryTime := at
	t.EntryPrice = &price
	t.EntryTime = &entryTime
	t.Contracts = contracts
	t.UpdatedAt = at
}

// RecordExit stores the exit price and computes realized P&L for the full
// contract count.
func (t *Trade) RecordExit(price float64, at time.Time) {
	exitTime := at
	t.ExitPrice = &price
	t.ExitTime = &exitTime
	pnl := (price - t.EntryPriceValue()) * float64(t.Contracts) * ContractMultiplier
	t.PnL = &pnl
	t.UpdatedAt = at
}

// EntryPriceValue returns the entry price or 0 when unknown
func (t *Trade) EntryPriceValue() float64 {
	if t.EntryPrice == nil {
		return 0
	}
	return *t.EntryPrice
}

// PendingAveraging returns the averaging event whose order has not filled yet
func (t *Trade) PendingAveraging() *Averaging {
	for i := len(t.Averagings) - 1; i >= 0; i-- {
		if t.Averagings[i].OrderID == t.AveragingOrderID && t.Averagings[i].FilledAt == nil {
			return &t.Averagings[i]
		}
	}
	return nil
}

// ApplyAveragingFill folds a filled averaging lot into the trade: the contract
// count grows and the entry price becomes the contract-weighted average.
func (t *Trade) ApplyAveragingFill(fillPrice float64, at time.Time) error {
	pending := t.PendingAveraging()
	if pending == nil {
		return fmt.Errorf("trade %s has no pending averaging order", t.ID)
	}
	filledAt := at
	pending.FilledAt = &filledAt
	pending.Price = fillPrice

	total := t.Contracts + pending.Contracts
	if total > 0 {
		avg := (t.EntryPriceValue()*float64(t.Contracts) + fillPrice*float64(pending.Contracts)) / float64(total)
		t.EntryPrice = &avg
	}
	t.Contracts = total
	t.AveragingOrderID = ""
	t.UpdatedAt = at
	return nil
}

// GetStateDescription returns a human-readable state description
func (t *Trade) GetStateDescription() string {
	return DescribeStatus(t.Status)
}

// ValidateState ensures the trade is consistent with its status
func (t *Trade) ValidateState() error {
	if !t.Status.Valid() {
		return fmt.Errorf("trade %s: unknown status %q", t.ID, t.Status)
	}
	if t.Contracts < 0 {
		return fmt.Errorf("trade %s in state %s: contracts cannot be negative (current: %d)",
			t.ID, t.Status, t.Contracts)
	}
	if t.Position != nil {
		if err := t.Position.Validate(); err != nil {
			return fmt.Errorf("trade %s in state %s: partial position detail: %w", t.ID, t.Status, err)
		}
	}

	if t.Status.RequiresPosition() {
		if t.Position == nil {
			return fmt.Errorf("trade %s in state %s: position detail must be set", t.ID, t.Status)
		}
		if t.Contracts <= 0 {
			return fmt.Errorf("trade %s in state %s: contracts must be > 0 (current: %d)",
				t.ID, t.Status, t.Contracts)
		}
		if t.EntryPrice == nil || t.EntryTime == nil {
			return fmt.Errorf("trade %s in state %s: entry price and time must be set", t.ID, t.Status)
		}
	}

	switch t.Status {
	case StatusWaiting:
		if t.Position != nil {
			return fmt.Errorf("trade %s in state %s: position must be empty before sizing", t.ID, t.Status)
		}
	case StatusTakeProfitPlaced:
		if t.TakeProfitOrderID == "" {
			return fmt.Errorf("trade %s in state %s: take-profit order id must be set", t.ID, t.Status)
		}
	case StatusAveraging:
		if t.AveragingOrderID == "" {
			return fmt.Errorf("trade %s in state %s: averaging order id must be set", t.ID, t.Status)
		}
	case StatusExitedByTime:
		if t.ExitTime == nil {
			return fmt.Errorf("trade %s in state %s: exit time must be set", t.ID, t.Status)
		}
	}

	if t.EntryTime != nil && t.ExitTime != nil && t.ExitTime.Before(*t.EntryTime) {
		return fmt.Errorf("trade %s in state %s: entry time (%v) must not be after exit time (%v)",
			t.ID, t.Status, *t.EntryTime, *t.ExitTime)
	}
	return nil
}

// Copy creates a deep copy of the trade
func (t *Trade) Copy() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	c.machine = t.machine.Copy()
	c.EntryTime = copyTime(t.EntryTime)
	c.ExitTime = copyTime(t.ExitTime)
	c.EntryPrice = copyFloat(t.EntryPrice)
	c.ExitPrice = copyFloat(t.ExitPrice)
	c.PnL = copyFloat(t.PnL)
	if t.Position != nil {
		p := *t.Position
		c.Position = &p
	}
	if t.Averagings != nil {
		c.Averagings = make([]Averaging, len(t.Averagings))
		for i, a := range t.Averagings {
			a.FilledAt = copyTime(a.FilledAt)
			c.Averagings[i] = a
		}
	}
	c.Errors = append(make([]string, 0, len(t.Errors)), t.Errors...)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
