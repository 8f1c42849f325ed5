// Package models provides the strategy and trade data structures and the trade lifecycle state machine.
package models

import (
	"fmt"
	"time"
)

// TradeStatus represents the lifecycle status of a trade record
type TradeStatus string

const (
	StatusWaiting            TradeStatus = "waiting"               // Record created, legs not yet identified
	StatusEntered            TradeStatus = "entered"               // Legs identified and sized, entry order pending or placed
	StatusTakeProfitPlaced   TradeStatus = "takeProfitOrderPlaced" // Standing take-profit order working
	StatusTakeProfitExecuted TradeStatus = "takeProfitExecuted"    // Take-profit filled
	StatusExitedByTime       TradeStatus = "exitedByTime"          // Closed at market on the exit deadline, awaiting confirmation
	StatusAveraging          TradeStatus = "averaging"             // Averaging order working
	StatusCompleted          TradeStatus = "completed"             // Terminal: position closed and settled
	StatusError              TradeStatus = "error"                 // Terminal: unrecoverable failure
)

// AllStatuses lists every known status in lifecycle order
var AllStatuses = []TradeStatus{
	StatusWaiting,
	StatusEntered,
	StatusTakeProfitPlaced,
	StatusTakeProfitExecuted,
	StatusExitedByTime,
	StatusAveraging,
	StatusCompleted,
	StatusError,
}

// Valid returns true if the status is one of the defined constants
func (s TradeStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s
func (s TradeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// RequiresPosition reports whether a record in s must carry full position detail
func (s TradeStatus) RequiresPosition() bool {
	switch s {
	case StatusEntered, StatusTakeProfitPlaced, StatusTakeProfitExecuted, StatusExitedByTime, StatusAveraging:
		return true
	default:
		return false
	}
}

// StateTransition defines valid state transitions
type StateTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions is the trade lifecycle table. Transitions to StatusError
// from any non-terminal status are handled separately.
var ValidTransitions = []StateTransition{
	// Entry
	{StatusWaiting, StatusEntered, "position_sized", "Legs identified and contract count computed"},
	{StatusEntered, StatusTakeProfitPlaced, "take_profit_placed", "Dependent take-profit order accepted"},

	// Exit
	{StatusEntered, StatusExitedByTime, "time_exit", "Exit deadline reached before take-profit was placed"},
	{StatusTakeProfitPlaced, StatusTakeProfitExecuted, "take_profit_filled", "Take-profit order filled"},
	{StatusTakeProfitPlaced, StatusExitedByTime, "time_exit", "Exit deadline reached on near expiration"},
	{StatusAveraging, StatusExitedByTime, "time_exit", "Exit deadline reached while averaging"},
	{StatusTakeProfitExecuted, StatusCompleted, "settled", "Take-profit fill recorded"},
	{StatusExitedByTime, StatusCompleted, "close_confirmed", "Closing orders confirmed filled"},

	// Averaging
	{StatusTakeProfitPlaced, StatusAveraging, "averaging_submitted", "Averaging order submitted"},
	{StatusAveraging, StatusTakeProfitPlaced, "averaging_filled", "Averaging filled and take-profit resized"},
	{StatusAveraging, StatusTakeProfitPlaced, "averaging_failed", "Averaging order cancelled or rejected; original take-profit stands"},
	{StatusAveraging, StatusTakeProfitExecuted, "take_profit_filled", "Take-profit filled while averaging was pending"},

	// Take-profit recovery
	{StatusTakeProfitPlaced, StatusEntered, "take_profit_lost", "Take-profit order cancelled or rejected remotely"},
	{StatusAveraging, StatusEntered, "take_profit_lost", "Take-profit could not be replaced after averaging"},
}

// StateMachine manages trade status transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[TradeStatus]int
	currentState    TradeStatus
	previousState   TradeStatus
}

// NewStateMachine creates a new state machine in StatusWaiting
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatusWaiting)
}

// NewStateMachineFromState creates a state machine resumed at a persisted status
func NewStateMachineFromState(state TradeStatus) *StateMachine {
	if state == "" {
		state = StatusWaiting
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TradeStatus]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() TradeStatus {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() TradeStatus {
	return sm.previousState
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to TradeStatus, condition string) error {
	if sm.currentState.IsTerminal() {
		return fmt.Errorf("invalid transition from terminal state %s to %s", sm.currentState, to)
	}
	if to == StatusError {
		return nil
	}
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to &&
			conditionMatches(transition.Condition, condition) {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// conditionMatches checks if the condition requirements are satisfied
func conditionMatches(transitionCondition, providedCondition string) bool {
	if transitionCondition == "" {
		return true
	}
	return providedCondition == transitionCondition
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to TradeStatus, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine) GetTransitionCount(state TradeStatus) int {
	return sm.transitionCount[state]
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	return DescribeStatus(sm.currentState)
}

// DescribeStatus returns a human-readable description of a status
func DescribeStatus(s TradeStatus) string {
	switch s {
	case StatusWaiting:
		return "Waiting: locating option legs"
	case StatusEntered:
		return "Entered: calendar spread sized, take-profit not yet working"
	case StatusTakeProfitPlaced:
		return "Take-profit order working"
	case StatusTakeProfitExecuted:
		return "Take-profit filled, settling"
	case StatusExitedByTime:
		return "Closed at market on exit deadline, awaiting fill confirmation"
	case StatusAveraging:
		return "Averaging order working"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Error state - manual intervention required"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	newSM.transitionCount = make(map[TradeStatus]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
