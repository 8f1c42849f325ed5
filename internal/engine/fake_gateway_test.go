package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
)

type comboCall struct {
	legs    []broker.Leg
	maxCost float64
}

type dependentCall struct {
	parentID string
	target   float64
	quantity int
}

type marketCall struct {
	conid    string
	side     string
	quantity int
}

// fakeGateway is a scripted broker.Gateway. Unknown order ids report working.
type fakeGateway struct {
	findErr     error
	indexErr    error
	comboErr    error
	tpErr       error
	marketErr   map[string]error
	statuses    map[string]*broker.OrderStatus
	quotes      map[string]broker.Quote
	contracts   []broker.Contract
	combos      []comboCall
	dependents  []dependentCall
	markets     []marketCall
	cancels     []string
	indexValue  float64
	findCalls   int
	indexCalls  int
	statusCalls int
	nextID      int
	mu          sync.Mutex
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		indexValue: 18,
		marketErr:  make(map[string]error),
		statuses:   make(map[string]*broker.OrderStatus),
		quotes:     make(map[string]broker.Quote),
	}
}

func (f *fakeGateway) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeGateway) setStatus(orderID, state string, avgPrice float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[orderID] = &broker.OrderStatus{ID: orderID, State: state, RawStatus: state, AvgFillPrice: avgPrice}
}

func (f *fakeGateway) ListAccounts(context.Context) ([]broker.Account, error) {
	return []broker.Account{{ID: "U1", AccountID: "U1"}}, nil
}

func (f *fakeGateway) FindOptions(_ context.Context, _ float64, _ []int, _ string) ([]broker.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]broker.Contract(nil), f.contracts...), nil
}

func (f *fakeGateway) GetIndexValue(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls++
	if f.indexErr != nil {
		return broker.IndexValueUnavailable, f.indexErr
	}
	return f.indexValue, nil
}

func (f *fakeGateway) GetQuotes(_ context.Context, conids []string) (map[string]broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]broker.Quote, len(conids))
	for _, c := range conids {
		if q, ok := f.quotes[c]; ok {
			out[c] = q
		}
	}
	return out, nil
}

func (f *fakeGateway) SubmitCombinationOrder(_ context.Context, _ string, legs []broker.Leg, maxCost float64) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combos = append(f.combos, comboCall{legs: legs, maxCost: maxCost})
	if f.comboErr != nil {
		return nil, f.comboErr
	}
	return &broker.OrderResult{ID: f.id("combo"), Status: "Submitted"}, nil
}

func (f *fakeGateway) SubmitDependentOrder(_ context.Context, _, parentID string, target float64, quantity int) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dependents = append(f.dependents, dependentCall{parentID: parentID, target: target, quantity: quantity})
	if f.tpErr != nil {
		return nil, f.tpErr
	}
	return &broker.OrderResult{ID: f.id("tp"), Status: "Submitted"}, nil
}

func (f *fakeGateway) SubmitMarketOrder(_ context.Context, _, conid, side string, quantity int) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, marketCall{conid: conid, side: side, quantity: quantity})
	if err := f.marketErr[side]; err != nil {
		return nil, err
	}
	return &broker.OrderResult{ID: f.id("mkt"), Status: "Submitted"}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	f.statuses[orderID] = &broker.OrderStatus{ID: orderID, State: broker.OrderStateCancelled}
	return true, nil
}

func (f *fakeGateway) GetOrderStatus(_ context.Context, _, orderID string) (*broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if st, ok := f.statuses[orderID]; ok {
		c := *st
		return &c, nil
	}
	return &broker.OrderStatus{ID: orderID, State: broker.OrderStateWorking, RawStatus: "Submitted"}, nil
}

func (f *fakeGateway) snapshot() (combos []comboCall, dependents []dependentCall, markets []marketCall, cancels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]comboCall(nil), f.combos...),
		append([]dependentCall(nil), f.dependents...),
		append([]marketCall(nil), f.markets...),
		append([]string(nil), f.cancels...)
}
