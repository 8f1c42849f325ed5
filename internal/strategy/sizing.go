package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/util"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ErrInsufficientContracts is returned when the chain cannot form both legs
var ErrInsufficientContracts = errors.New("fewer than two option contracts")

// ErrInsufficientFunds is returned when maxCost cannot buy one spread
var ErrInsufficientFunds = errors.New("insufficient funds for one contract")

// DefaultTickSize is the index option price increment
const DefaultTickSize = 0.05

// Legs is a calendar spread: short the near expiry, long the far expiry
type Legs struct {
	Near broker.Contract
	Far  broker.Contract
}

// SelectLegs picks the spread from a search result. Candidates are ordered by
// expiration; the near leg is the earliest-expiry contract closest to the
// target delta and the far leg is the next expiry at the same strike (or the
// nearest strike when that one is missing).
func SelectLegs(contracts []broker.Contract, delta float64) (Legs, error) {
	if len(contracts) < 2 {
		return Legs{}, fmt.Errorf("%w: got %d", ErrInsufficientContracts, len(contracts))
	}

	sorted := append([]broker.Contract(nil), contracts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Expiry.Before(sorted[j].Expiry)
	})

	nearExpiry := sorted[0].Expiry
	nearGroup := lo.Filter(sorted, func(c broker.Contract, _ int) bool { return c.Expiry.Equal(nearExpiry) })
	farIdx := len(nearGroup)
	if farIdx >= len(sorted) {
		return Legs{}, fmt.Errorf("%w: only one expiration (%s)", ErrInsufficientContracts, nearExpiry.Format("2006-01-02"))
	}
	farExpiry := sorted[farIdx].Expiry
	farGroup := lo.Filter(sorted, func(c broker.Contract, _ int) bool { return c.Expiry.Equal(farExpiry) })

	target := targetDelta(delta)
	near := lo.MinBy(nearGroup, func(a, b broker.Contract) bool {
		return math.Abs(math.Abs(a.Delta)-target) < math.Abs(math.Abs(b.Delta)-target)
	})
	far := lo.MinBy(farGroup, func(a, b broker.Contract) bool {
		return math.Abs(a.Strike-near.Strike) < math.Abs(b.Strike-near.Strike)
	})
	return Legs{Near: near, Far: far}, nil
}

// targetDelta converts a strategy delta (percent or fraction, either sign)
// to an absolute fraction
func targetDelta(delta float64) float64 {
	d := math.Abs(delta)
	if d > 1 {
		d /= 100
	}
	return d
}

// LegsFromPosition rebuilds the legs of an open trade, without quotes
func LegsFromPosition(p models.Position) Legs {
	return Legs{
		Near: broker.Contract{
			Conid: p.NearConid, Symbol: p.NearSymbol, Expiry: p.NearExpiration,
			Strike: p.Strike, Right: p.Right,
		},
		Far: broker.Contract{
			Conid: p.FarConid, Symbol: p.FarSymbol, Expiry: p.FarExpiration,
			Strike: p.Strike, Right: p.Right,
		},
	}
}

// HasQuotes reports whether both legs carry a usable price
func (l Legs) HasQuotes() bool {
	near, far := l.Quotes()
	return near.Mid() > 0 && far.Mid() > 0
}

// WithQuotes returns the legs priced from a quote snapshot
func (l Legs) WithQuotes(quotes map[string]broker.Quote) Legs {
	if q, ok := quotes[l.Near.Conid]; ok {
		l.Near.Bid, l.Near.Ask, l.Near.Last = q.Bid, q.Ask, q.Last
	}
	if q, ok := quotes[l.Far.Conid]; ok {
		l.Far.Bid, l.Far.Ask, l.Far.Last = q.Bid, q.Ask, q.Last
	}
	return l
}

// Quotes returns bid/ask/last of both legs as quotes
func (l Legs) Quotes() (near, far broker.Quote) {
	near = broker.Quote{Conid: l.Near.Conid, Bid: l.Near.Bid, Ask: l.Near.Ask, Last: l.Near.Last}
	far = broker.Quote{Conid: l.Far.Conid, Bid: l.Far.Bid, Ask: l.Far.Ask, Last: l.Far.Last}
	return near, far
}

// SpreadPrice is far mid minus near mid, per share
func (l Legs) SpreadPrice() float64 {
	near, far := l.Quotes()
	return SpreadPrice(near, far)
}

// Position converts the legs into trade position detail
func (l Legs) Position() models.Position {
	return models.Position{
		NearSymbol:     l.Near.Symbol,
		NearConid:      l.Near.Conid,
		NearExpiration: l.Near.Expiry,
		FarSymbol:      l.Far.Symbol,
		FarConid:       l.Far.Conid,
		FarExpiration:  l.Far.Expiry,
		Strike:         l.Near.Strike,
		Right:          l.Near.Right,
	}
}

// OrderLegs returns the combination order legs: sell near, buy far
func (l Legs) OrderLegs(quantity int) []broker.Leg {
	return []broker.Leg{
		{Conid: l.Near.Conid, Side: broker.SideSell, Quantity: quantity},
		{Conid: l.Far.Conid, Side: broker.SideBuy, Quantity: quantity},
	}
}

// SpreadPrice computes farMid - nearMid, per share
func SpreadPrice(near, far broker.Quote) float64 {
	v, _ := decimal.NewFromFloat(far.Mid()).Sub(decimal.NewFromFloat(near.Mid())).Float64()
	return v
}

// ContractCount is floor(budget / (spread × 100)). A non-positive spread
// buys nothing.
func ContractCount(budget, spread float64) int {
	if budget <= 0 || spread <= 0 {
		return 0
	}
	perContract := decimal.NewFromFloat(spread).Mul(decimal.NewFromInt(util.ContractMultiplier))
	return int(decimal.NewFromFloat(budget).Div(perContract).Floor().IntPart())
}

// SizePosition returns the contract count for maxCost or ErrInsufficientFunds
func SizePosition(maxCost, spread float64) (int, error) {
	n := ContractCount(maxCost, spread)
	if n <= 0 {
		return 0, fmt.Errorf("%w: spread %.2f, max cost %.2f", ErrInsufficientFunds, spread, maxCost)
	}
	return n, nil
}

// TakeProfitTarget is entry × (1 + tp/100), rounded to the tick
func TakeProfitTarget(entryPrice, tpPct, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTickSize
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(tpPct).Div(decimal.NewFromInt(100)))
	target, _ := decimal.NewFromFloat(entryPrice).Mul(factor).Float64()
	return util.RoundToTick(target, tick)
}
