package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/sirupsen/logrus/hooks/test"
)

// scriptedGateway returns statuses in order, repeating the last one
type scriptedGateway struct {
	broker.Gateway

	mu        sync.Mutex
	statuses  []*broker.OrderStatus
	errs      []error
	callCount int
}

func (g *scriptedGateway) GetOrderStatus(_ context.Context, _, orderID string) (*broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.callCount
	g.callCount++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if len(g.statuses) == 0 {
		return nil, nil
	}
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	st := *g.statuses[i]
	st.ID = orderID
	return &st, nil
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callCount
}

func working() *broker.OrderStatus {
	return &broker.OrderStatus{State: broker.OrderStateWorking, RawStatus: "Submitted", RemainingQuantity: 1}
}

func testConfig() Config {
	return Config{PollInterval: 2 * time.Millisecond, Timeout: 200 * time.Millisecond, CallTimeout: 50 * time.Millisecond}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(&scriptedGateway{}, nil, Config{})
	if m.config != DefaultConfig {
		t.Errorf("config = %+v, want defaults %+v", m.config, DefaultConfig)
	}
	if m.logger == nil {
		t.Error("logger should default")
	}

	defer func() {
		if recover() == nil {
			t.Error("NewManager should panic on nil gateway")
		}
	}()
	NewManager(nil, nil)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		status    *broker.OrderStatus
		err       error
		wantState string
		wantErr   bool
	}{
		{name: "filled", status: &broker.OrderStatus{State: broker.OrderStateFilled}, wantState: broker.OrderStateFilled},
		{name: "working", status: working(), wantState: broker.OrderStateWorking},
		{
			name:      "working but fully executed",
			status:    &broker.OrderStatus{State: broker.OrderStateWorking, FilledQuantity: 2, RemainingQuantity: 0},
			wantState: broker.OrderStateFilled,
		},
		{
			name:      "rejected with nothing executed",
			status:    &broker.OrderStatus{State: broker.OrderStateRejected},
			wantState: broker.OrderStateRejected,
		},
		{name: "gateway error", err: errors.New("boom"), wantErr: true},
		{name: "nil status", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &scriptedGateway{errs: []error{tt.err}}
			if tt.status != nil {
				g.statuses = []*broker.OrderStatus{tt.status}
			}
			m := NewManager(g, nil, testConfig())

			st, err := m.Check(context.Background(), "U1", "o-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && st.State != tt.wantState {
				t.Errorf("state = %s, want %s", st.State, tt.wantState)
			}
		})
	}

	m := NewManager(&scriptedGateway{}, nil, testConfig())
	if _, err := m.Check(context.Background(), "U1", ""); err == nil {
		t.Error("empty order id should be rejected")
	}
}

func TestWaitForFill_PollsUntilFilled(t *testing.T) {
	g := &scriptedGateway{statuses: []*broker.OrderStatus{
		working(),
		working(),
		{State: broker.OrderStateFilled, AvgFillPrice: 61.25},
	}}
	logger, hook := test.NewNullLogger()
	m := NewManager(g, logger, testConfig())

	st, err := m.WaitForFill(context.Background(), "U1", "tp-1", 0)
	if err != nil {
		t.Fatalf("WaitForFill error: %v", err)
	}
	if !st.IsFilled() || st.FillPrice() != 61.25 {
		t.Errorf("unexpected status: %+v", st)
	}
	if g.calls() != 3 {
		t.Errorf("expected 3 polls, got %d", g.calls())
	}
	if hook.LastEntry() == nil {
		t.Error("expected completion to be logged")
	}
}

func TestWaitForFill_ReturnsCancelledImmediately(t *testing.T) {
	g := &scriptedGateway{statuses: []*broker.OrderStatus{{State: broker.OrderStateCancelled, RawStatus: "Cancelled"}}}
	m := NewManager(g, nil, testConfig())

	st, err := m.WaitForFill(context.Background(), "U1", "tp-1", 0)
	if err != nil {
		t.Fatalf("terminal non-fill is not an error: %v", err)
	}
	if st.IsFilled() || !st.IsTerminal() {
		t.Errorf("expected cancelled terminal status, got %+v", st)
	}
	if g.calls() != 1 {
		t.Errorf("expected a single poll, got %d", g.calls())
	}
}

func TestWaitForFill_TimesOutWithLastStatus(t *testing.T) {
	g := &scriptedGateway{statuses: []*broker.OrderStatus{working()}}
	m := NewManager(g, nil, testConfig())

	st, err := m.WaitForFill(context.Background(), "U1", "x-1", 20*time.Millisecond)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	if st == nil || st.State != broker.OrderStateWorking {
		t.Errorf("expected last working status, got %+v", st)
	}
}

func TestWaitForFill_ToleratesTransientErrors(t *testing.T) {
	g := &scriptedGateway{
		errs:     []error{errors.New("connection reset"), nil},
		statuses: []*broker.OrderStatus{working(), {State: broker.OrderStateFilled}},
	}
	m := NewManager(g, nil, testConfig())

	st, err := m.WaitForFill(context.Background(), "U1", "x-1", 0)
	if err != nil {
		t.Fatalf("WaitForFill error: %v", err)
	}
	if !st.IsFilled() {
		t.Errorf("expected fill after transient error, got %+v", st)
	}
}

func TestWaitForFill_ParentContextCancelled(t *testing.T) {
	g := &scriptedGateway{statuses: []*broker.OrderStatus{working()}}
	m := NewManager(g, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.WaitForFill(ctx, "U1", "x-1", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
