// Package mock provides a simulated market and order gateway for paper runs and tests.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/util"
	"github.com/google/uuid"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

const (
	strikeInterval = 5.0
	quoteHalfWidth = 0.5
)

// Simulated order kinds
const (
	OrderKindCombo      = "combo"
	OrderKindTakeProfit = "take_profit"
	OrderKindMarket     = "market"
)

type contractSpec struct {
	expiry time.Time
	right  string
	strike float64
}

type simOrder struct {
	legs      []broker.Leg
	id        string
	kind      string
	parentID  string
	conid     string
	side      string
	state     string
	limit     float64
	fillPrice float64
	quantity  int
}

// Gateway simulates an options market with calendar-spread pricing. Prices
// are a deterministic function of spot, volatility and time to expiry; spot
// only moves when Step is called.
type Gateway struct {
	now        func() time.Time
	location   *time.Location
	contracts  map[string]contractSpec
	orders     map[string]*simOrder
	indexes    map[string]float64
	failures   map[string]error
	accounts   []broker.Account
	underlying string
	spot       float64
	vol        float64
	tick       float64
	mu         sync.Mutex
}

// Ensure Gateway implements broker.Gateway at compile time.
var _ broker.Gateway = (*Gateway)(nil)

// Option configures a simulated gateway
type Option func(*Gateway)

// WithSpot sets the underlying price
func WithSpot(spot float64) Option {
	return func(g *Gateway) { g.spot = spot }
}

// WithVolatility sets the annualized volatility used for pricing (0.15 = 15%)
func WithVolatility(vol float64) Option {
	return func(g *Gateway) { g.vol = vol }
}

// WithClock sets the time source and market time zone
func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
		if loc != nil {
			g.location = loc
		}
	}
}

// WithAccounts replaces the default paper account
func WithAccounts(accounts ...broker.Account) Option {
	return func(g *Gateway) { g.accounts = accounts }
}

// NewGateway creates a simulated gateway around an SPX-like underlying
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		now:        time.Now,
		location:   time.UTC,
		contracts:  make(map[string]contractSpec),
		orders:     make(map[string]*simOrder),
		indexes:    map[string]float64{"VIX": 14 + secureFloat64()*8},
		failures:   make(map[string]error),
		accounts:   []broker.Account{{ID: "DU0000000", AccountID: "DU0000000", AccountTitle: "Simulated paper account"}},
		underlying: "SPX",
		spot:       5700,
		vol:        0.15,
		tick:       0.05,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetIndexValue sets the value reported for an index such as VIX
func (g *Gateway) SetIndexValue(symbol string, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.indexes[strings.ToUpper(symbol)] = v
}

// SetSpot moves the underlying and re-evaluates working orders on next status check
func (g *Gateway) SetSpot(spot float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spot = spot
}

// SetVolatility changes the pricing volatility
func (g *Gateway) SetVolatility(vol float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vol = vol
}

// Step applies a small random walk to spot
func (g *Gateway) Step() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spot += (secureFloat64() - 0.5) * g.spot * 0.002
}

// FailNext makes the next call of the named operation (e.g. "SubmitMarketOrder") fail with err
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = err
}

// OrderState returns the state of a simulated order
func (g *Gateway) OrderState(orderID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return "", false
	}
	return o.state, true
}

// Orders returns the sorted ids of all orders of a kind; empty kind lists every order
func (g *Gateway) Orders(kind string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, o := range g.orders {
		if kind == "" || o.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (g *Gateway) takeFailure(op string) error {
	err, ok := g.failures[op]
	if !ok {
		return nil
	}
	delete(g.failures, op)
	return err
}

// ============ Pricing ============

func (g *Gateway) yearsTo(expiry time.Time) float64 {
	hours := expiry.Add(16 * time.Hour).Sub(g.now().In(g.location)).Hours()
	if hours < 1 {
		hours = 1
	}
	return hours / (24 * 365)
}

// midPrice prices an option as intrinsic value plus a time value that decays
// with distance from spot.
func (g *Gateway) midPrice(spec contractSpec) float64 {
	t := g.yearsTo(spec.expiry)
	sd := g.vol * g.spot * math.Sqrt(t)
	var intrinsic float64
	if spec.right == "C" {
		intrinsic = math.Max(0, g.spot-spec.strike)
	} else {
		intrinsic = math.Max(0, spec.strike-g.spot)
	}
	moneyness := math.Abs(g.spot-spec.strike) / sd
	timeValue := 0.4 * sd * math.Exp(-moneyness*moneyness/2)
	return util.RoundToTick(intrinsic+math.Max(timeValue, g.tick), g.tick)
}

// delta approximates the signed option delta with a logistic curve
func (g *Gateway) delta(spec contractSpec) float64 {
	t := g.yearsTo(spec.expiry)
	sd := g.vol * g.spot * math.Sqrt(t)
	z := (g.spot - spec.strike) / sd
	callDelta := 1 / (1 + math.Exp(-1.7*z))
	if spec.right == "C" {
		return callDelta
	}
	return callDelta - 1
}

func (g *Gateway) quote(conid string) (broker.Quote, bool) {
	spec, ok := g.contracts[conid]
	if !ok {
		return broker.Quote{}, false
	}
	mid := g.midPrice(spec)
	bid := math.Max(0, mid-quoteHalfWidth)
	return broker.Quote{Conid: conid, Bid: bid, Ask: mid + quoteHalfWidth, Last: mid}, true
}

// comboMid is the per-share value of a leg list, positive for net debit
func (g *Gateway) comboMid(legs []broker.Leg) float64 {
	var total float64
	for _, l := range legs {
		q, ok := g.quote(l.Conid)
		if !ok {
			continue
		}
		if l.Side == broker.SideBuy {
			total += q.Mid()
		} else {
			total -= q.Mid()
		}
	}
	return total
}

func conidFor(expiry time.Time, right string, strike float64) string {
	rightCode := 0
	if right == "C" {
		rightCode = 1
	}
	return fmt.Sprintf("9%s%d%05d", expiry.Format("060102"), rightCode, int(strike))
}

func normalizeDelta(delta float64) float64 {
	d := math.Abs(delta)
	if d > 1 {
		d /= 100
	}
	return math.Min(math.Max(d, 0.01), 0.99)
}

// ============ broker.Gateway ============

func (g *Gateway) ListAccounts(_ context.Context) ([]broker.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("ListAccounts"); err != nil {
		return nil, err
	}
	return append([]broker.Account(nil), g.accounts...), nil
}

// FindOptions lists three strikes around the target delta for every offset expiry.
// The strike grid is shared across expiries so calendars can pair legs.
func (g *Gateway) FindOptions(_ context.Context, delta float64, offsetDays []int, right string) ([]broker.Contract, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("FindOptions"); err != nil {
		return nil, err
	}
	if right != "P" && right != "C" {
		return nil, fmt.Errorf("invalid right %q", right)
	}
	if len(offsetDays) == 0 {
		return nil, nil
	}

	today := g.now().In(g.location)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, g.location)

	// Centre strike from the nearest expiry: invert the logistic delta curve.
	target := normalizeDelta(delta)
	callTarget := target
	if right == "P" {
		callTarget = 1 - target
	}
	first := today.AddDate(0, 0, offsetDays[0])
	sd := g.vol * g.spot * math.Sqrt(g.yearsTo(first))
	z := math.Log(callTarget/(1-callTarget)) / 1.7
	centre := math.Round((g.spot-z*sd)/strikeInterval) * strikeInterval

	var out []broker.Contract
	for _, d := range offsetDays {
		expiry := today.AddDate(0, 0, d)
		for _, strike := range []float64{centre - strikeInterval, centre, centre + strikeInterval} {
			spec := contractSpec{expiry: expiry, right: right, strike: strike}
			conid := conidFor(expiry, right, strike)
			g.contracts[conid] = spec
			q, _ := g.quote(conid)
			out = append(out, broker.Contract{
				Conid:  conid,
				Symbol: fmt.Sprintf("%s %s%s%08d", g.underlying, expiry.Format("060102"), right, int(strike*1000)),
				Right:  right,
				Strike: strike,
				Expiry: expiry,
				Delta:  g.delta(spec),
				Bid:    q.Bid,
				Ask:    q.Ask,
				Last:   q.Last,
			})
		}
	}
	return out, nil
}

func (g *Gateway) GetIndexValue(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("GetIndexValue"); err != nil {
		return broker.IndexValueUnavailable, err
	}
	v, ok := g.indexes[strings.ToUpper(symbol)]
	if !ok {
		return broker.IndexValueUnavailable, fmt.Errorf("%s: %w", symbol, broker.ErrNoQuote)
	}
	return v, nil
}

func (g *Gateway) GetQuotes(_ context.Context, conids []string) (map[string]broker.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("GetQuotes"); err != nil {
		return nil, err
	}
	out := make(map[string]broker.Quote, len(conids))
	for _, c := range conids {
		if q, ok := g.quote(c); ok {
			out[c] = q
		}
	}
	return out, nil
}

func (g *Gateway) newOrder(o *simOrder) *broker.OrderResult {
	o.id = "sim-" + uuid.NewString()[:8]
	g.orders[o.id] = o
	g.evaluate(o)
	return &broker.OrderResult{ID: o.id, Status: o.state}
}

// evaluate fills a working order when the market reaches its limit
func (g *Gateway) evaluate(o *simOrder) {
	if o.state != broker.OrderStateWorking {
		return
	}
	switch o.kind {
	case OrderKindCombo:
		if mid := g.comboMid(o.legs); mid <= o.limit {
			o.state, o.fillPrice = broker.OrderStateFilled, util.RoundToTick(mid, g.tick)
		}
	case OrderKindTakeProfit:
		parent, ok := g.orders[o.parentID]
		if !ok {
			o.state = broker.OrderStateRejected
			return
		}
		if mid := g.comboMid(parent.legs); mid >= o.limit {
			o.state, o.fillPrice = broker.OrderStateFilled, util.RoundToTick(mid, g.tick)
		}
	case OrderKindMarket:
		q, ok := g.quote(o.conid)
		if !ok {
			o.state = broker.OrderStateRejected
			return
		}
		price := q.Ask
		if o.side == broker.SideSell {
			price = q.Bid
		}
		o.state, o.fillPrice = broker.OrderStateFilled, price
	}
}

func (g *Gateway) SubmitCombinationOrder(_ context.Context, _ string, legs []broker.Leg, maxCost float64) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("SubmitCombinationOrder"); err != nil {
		return nil, err
	}
	if len(legs) == 0 || legs[0].Quantity <= 0 {
		res := &broker.OrderResult{Error: "invalid combination"}
		return res, res.Err()
	}
	for _, l := range legs {
		if _, ok := g.contracts[l.Conid]; !ok {
			res := &broker.OrderResult{Error: "unknown contract " + l.Conid}
			return res, res.Err()
		}
	}
	limit := util.LimitPerShare(maxCost, legs[0].Quantity, g.tick)
	return g.newOrder(&simOrder{
		kind:     OrderKindCombo,
		legs:     append([]broker.Leg(nil), legs...),
		limit:    limit,
		quantity: legs[0].Quantity,
		state:    broker.OrderStateWorking,
	}), nil
}

func (g *Gateway) SubmitDependentOrder(_ context.Context, _, parentOrderID string, targetPrice float64, quantity int) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("SubmitDependentOrder"); err != nil {
		return nil, err
	}
	if _, ok := g.orders[parentOrderID]; !ok {
		res := &broker.OrderResult{Error: "unknown parent order " + parentOrderID}
		return res, res.Err()
	}
	return g.newOrder(&simOrder{
		kind:     OrderKindTakeProfit,
		parentID: parentOrderID,
		limit:    targetPrice,
		quantity: quantity,
		state:    broker.OrderStateWorking,
	}), nil
}

func (g *Gateway) SubmitMarketOrder(_ context.Context, _, conid, side string, quantity int) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("SubmitMarketOrder"); err != nil {
		return nil, err
	}
	return g.newOrder(&simOrder{
		kind:     OrderKindMarket,
		conid:    conid,
		side:     side,
		quantity: quantity,
		state:    broker.OrderStateWorking,
	}), nil
}

func (g *Gateway) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("CancelOrder"); err != nil {
		return false, err
	}
	o, ok := g.orders[orderID]
	if !ok || o.state != broker.OrderStateWorking {
		return false, nil
	}
	o.state = broker.OrderStateCancelled
	return true, nil
}

func (g *Gateway) GetOrderStatus(_ context.Context, _, orderID string) (*broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("GetOrderStatus"); err != nil {
		return nil, err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "order " + orderID + " not found"}
	}
	g.evaluate(o)

	st := &broker.OrderStatus{
		ID:        o.id,
		State:     o.state,
		RawStatus: o.state,
		Price:     o.limit,
	}
	if o.state == broker.OrderStateFilled {
		st.AvgFillPrice = o.fillPrice
		st.FilledQuantity = float64(o.quantity)
	} else {
		st.RemainingQuantity = float64(o.quantity)
	}
	return st, nil
}

// ErrSimulated is a ready-made error for FailNext
var ErrSimulated = errors.New("simulated gateway failure")
