package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 10, 9, 32, 0, 0, time.UTC)

func testPosition() Position {
	return Position{
		NearSymbol:     "SPX 250313P05700000",
		NearConid:      "701",
		NearExpiration: time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC),
		FarSymbol:      "SPX 250314P05700000",
		FarConid:       "702",
		FarExpiration:  time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Right:          RightPut,
		Strike:         5700,
	}
}

func enteredTrade(t *testing.T) *Trade {
	t.Helper()
	tr := NewTrade("trade-1", "strat-1", testNow)
	if err := tr.SetPosition(testPosition()); err != nil {
		t.Fatalf("SetPosition failed: %v", err)
	}
	tr.RecordEntry(51, 1, testNow)
	if err := tr.TransitionStatus(StatusEntered, "position_sized", testNow); err != nil {
		t.Fatalf("transition to entered failed: %v", err)
	}
	return tr
}

func TestNewTrade(t *testing.T) {
	tr := NewTrade("trade-1", "strat-1", testNow)

	if tr.Status != StatusWaiting {
		t.Errorf("New trade should be waiting, got %s", tr.Status)
	}
	if tr.Position != nil || tr.Contracts != 0 {
		t.Error("New trade should have no position detail")
	}
	if tr.Errors == nil {
		t.Error("Error log should be initialized so it serializes as an empty list")
	}
	if err := tr.ValidateState(); err != nil {
		t.Errorf("New trade should validate: %v", err)
	}
}

func TestTrade_SetPositionIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Position)
	}{
		{"missing near symbol", func(p *Position) { p.NearSymbol = "" }},
		{"missing far conid", func(p *Position) { p.FarConid = "" }},
		{"missing expiration", func(p *Position) { p.FarExpiration = time.Time{} }},
		{"inverted expirations", func(p *Position) { p.NearExpiration, p.FarExpiration = p.FarExpiration, p.NearExpiration }},
		{"bad right", func(p *Position) { p.Right = "X" }},
		{"zero strike", func(p *Position) { p.Strike = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTrade("trade-1", "strat-1", testNow)
			p := testPosition()
			tt.mutate(&p)
			if err := tr.SetPosition(p); err == nil {
				t.Error("Expected incomplete position to be rejected")
			}
			if tr.Position != nil {
				t.Error("Rejected position must not be stored")
			}
		})
	}
}

func TestTrade_TransitionStatus(t *testing.T) {
	tr := enteredTrade(t)
	later := testNow.Add(time.Minute)

	if err := tr.TransitionStatus(StatusCompleted, "settled", later); err == nil {
		t.Error("entered -> completed should be rejected")
	}
	if tr.Status != StatusEntered {
		t.Errorf("Status should be unchanged after rejected transition, got %s", tr.Status)
	}

	tr.TakeProfitOrderID = "tp-1"
	if err := tr.TransitionStatus(StatusTakeProfitPlaced, "take_profit_placed", later); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if !tr.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt should follow the transition time, got %v", tr.UpdatedAt)
	}
}

func TestTrade_TransitionResumesFromPersistedStatus(t *testing.T) {
	var tr Trade
	raw := `{"id":"t","strategyId":"s","status":"exitedByTime","errors":[]}`
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		t.Fatal(err)
	}
	if err := tr.TransitionStatus(StatusCompleted, "close_confirmed", testNow); err != nil {
		t.Errorf("Loaded trade should resume its state machine: %v", err)
	}
}

func TestTrade_FailAppendsAndTerminates(t *testing.T) {
	tr := enteredTrade(t)
	tr.Fail("entry order rejected: insufficient margin", testNow)

	if tr.Status != StatusError {
		t.Fatalf("Expected error status, got %s", tr.Status)
	}
	if len(tr.Errors) != 1 || !strings.Contains(tr.Errors[0], "insufficient margin") {
		t.Errorf("Expected error to be logged, got %v", tr.Errors)
	}

	tr.Fail("second failure", testNow)
	if tr.Status != StatusError {
		t.Errorf("Terminal trade should stay in error, got %s", tr.Status)
	}
	if len(tr.Errors) != 2 {
		t.Errorf("Error log is append-only; expected 2 entries, got %d", len(tr.Errors))
	}
}

func TestTrade_RecordExitComputesPnL(t *testing.T) {
	tr := enteredTrade(t)
	tr.Contracts = 3
	tr.RecordExit(61.2, testNow.Add(time.Hour))

	if tr.PnL == nil {
		t.Fatal("PnL should be set")
	}
	want := (61.2 - 51) * 3 * 100
	if diff := *tr.PnL - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("PnL = %v, want %v", *tr.PnL, want)
	}
}

func TestTrade_ApplyAveragingFill(t *testing.T) {
	tr := enteredTrade(t)
	tr.Contracts = 2
	tr.AveragingOrderID = "avg-1"
	tr.Averagings = append(tr.Averagings, Averaging{SubmittedAt: testNow, OrderID: "avg-1", Contracts: 2, Price: 40})

	if err := tr.ApplyAveragingFill(41, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyAveragingFill failed: %v", err)
	}

	if tr.Contracts != 4 {
		t.Errorf("Contracts = %d, want 4", tr.Contracts)
	}
	if got := tr.EntryPriceValue(); got != 46 {
		t.Errorf("Weighted entry price = %v, want 46", got)
	}
	if tr.AveragingOrderID != "" {
		t.Error("Averaging order id should be cleared after fill")
	}
	if tr.Averagings[0].FilledAt == nil || tr.Averagings[0].Price != 41 {
		t.Errorf("Averaging event should record the fill, got %+v", tr.Averagings[0])
	}

	if err := tr.ApplyAveragingFill(41, testNow); err == nil {
		t.Error("Applying a fill without a pending averaging order should fail")
	}
}

func TestTrade_ValidateState(t *testing.T) {
	tests := []struct {
		name    string
		build   func(t *testing.T) *Trade
		wantErr string
	}{
		{
			name:  "entered trade is valid",
			build: enteredTrade,
		},
		{
			name: "entered without position",
			build: func(t *testing.T) *Trade {
				tr := enteredTrade(t)
				tr.Position = nil
				return tr
			},
			wantErr: "position detail must be set",
		},
		{
			name: "partial position",
			build: func(t *testing.T) *Trade {
				tr := enteredTrade(t)
				tr.Position.FarSymbol = ""
				return tr
			},
			wantErr: "partial position detail",
		},
		{
			name: "negative contracts",
			build: func(t *testing.T) *Trade {
				tr := NewTrade("t", "s", testNow)
				tr.Contracts = -1
				return tr
			},
			wantErr: "cannot be negative",
		},
		{
			name: "take profit placed without order id",
			build: func(t *testing.T) *Trade {
				tr := enteredTrade(t)
				tr.Status = StatusTakeProfitPlaced
				return tr
			},
			wantErr: "take-profit order id",
		},
		{
			name: "exit before entry",
			build: func(t *testing.T) *Trade {
				tr := enteredTrade(t)
				before := testNow.Add(-time.Hour)
				tr.ExitTime = &before
				return tr
			},
			wantErr: "must not be after exit time",
		},
		{
			name: "error trade needs no position",
			build: func(t *testing.T) *Trade {
				tr := NewTrade("t", "s", testNow)
				tr.Fail("no contracts", testNow)
				return tr
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build(t).ValidateState()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid trade, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTrade_CopyIsDeep(t *testing.T) {
	tr := enteredTrade(t)
	tr.AppendError("first", testNow)
	tr.Averagings = []Averaging{{OrderID: "a", Contracts: 1}}

	cp := tr.Copy()
	*cp.EntryPrice = 99
	cp.Position.Strike = 1
	cp.Errors[0] = "changed"
	cp.Averagings[0].Contracts = 5
	if err := cp.TransitionStatus(StatusError, "", testNow); err != nil {
		t.Fatal(err)
	}

	if tr.EntryPriceValue() != 51 {
		t.Error("EntryPrice shared between copies")
	}
	if tr.Position.Strike != 5700 {
		t.Error("Position shared between copies")
	}
	if strings.Contains(tr.Errors[0], "changed") {
		t.Error("Errors shared between copies")
	}
	if tr.Averagings[0].Contracts != 1 {
		t.Error("Averagings shared between copies")
	}
	if tr.Status != StatusEntered {
		t.Error("Status changed through copy")
	}

	var nilTrade *Trade
	if nilTrade.Copy() != nil {
		t.Error("Copy of nil trade should be nil")
	}
}

func TestTrade_JSONKeys(t *testing.T) {
	tr := enteredTrade(t)
	tr.EntryOrderID = "entry-1"
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"strategyId"`, `"status":"entered"`, `"entryOrderId"`, `"nearExpiration"`, `"errors":[]`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Serialized trade missing %s: %s", key, data)
		}
	}
	if strings.Contains(string(data), "machine") {
		t.Error("Runtime state machine must not be serialized")
	}
}
