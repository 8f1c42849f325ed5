package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/strategy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// enter opens a calendar spread for s. Every step is persisted before the
// next gateway call so an interrupted entry stays inspectable.
func (e *Engine) enter(ctx context.Context, account string, s *models.Strategy, now time.Time) {
	trade := models.NewTrade(uuid.NewString(), s.ID, now)
	log := e.logger.WithFields(logrus.Fields{
		"trade_id":    shortID(trade.ID),
		"strategy_id": shortID(s.ID),
	})
	if err := e.save(ctx, trade); err != nil {
		return
	}

	contracts, err := e.gateway.FindOptions(ctx, s.Delta, []int{s.D1, s.D2}, s.Right())
	if err != nil {
		e.fail(ctx, trade, fmt.Sprintf("option search failed: %v", err))
		return
	}
	legs, err := strategy.SelectLegs(contracts, s.Delta)
	if err != nil {
		e.fail(ctx, trade, fmt.Sprintf("no calendar spread for delta %v, offsets %d/%d: %v", s.Delta, s.D1, s.D2, err))
		return
	}

	if !legs.HasQuotes() {
		quotes, qerr := e.gateway.GetQuotes(ctx, []string{legs.Near.Conid, legs.Far.Conid})
		if qerr != nil {
			e.fail(ctx, trade, fmt.Sprintf("quote request failed: %v", qerr))
			return
		}
		legs = legs.WithQuotes(quotes)
	}
	spread := legs.SpreadPrice()

	size, err := strategy.SizePosition(s.MaxCost, spread)
	if err != nil {
		e.fail(ctx, trade, err.Error())
		return
	}

	if err := trade.SetPosition(legs.Position()); err != nil {
		e.fail(ctx, trade, fmt.Sprintf("invalid legs: %v", err))
		return
	}
	trade.RecordEntry(spread, size, now)
	if err := trade.TransitionStatus(models.StatusEntered, "position_sized", now); err != nil {
		e.fail(ctx, trade, err.Error())
		return
	}
	if err := e.save(ctx, trade); err != nil {
		return
	}
	log.Infof("Sized %d x %s/%s strike %.0f at %.2f (%s)",
		size, legs.Near.Expiry.Format("01-02"), legs.Far.Expiry.Format("01-02"),
		legs.Near.Strike, spread, money(spread*float64(size)*models.ContractMultiplier))

	res, err := e.gateway.SubmitCombinationOrder(ctx, account, legs.OrderLegs(size), s.MaxCost)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		e.fail(ctx, trade, fmt.Sprintf("entry order rejected: %v", err))
		return
	}
	trade.EntryOrderID = res.ID
	trade.UpdatedAt = e.now()
	e.commit(ctx, trade)
	log.Infof("Entry order %s accepted", res.ID)

	e.placeTakeProfit(ctx, account, trade, s)
}

// placeTakeProfit submits the dependent take-profit for the full size. A
// failure is recorded on the trade, which stays entered.
func (e *Engine) placeTakeProfit(ctx context.Context, account string, t *models.Trade, s *models.Strategy) bool {
	log := e.logger.WithField("trade_id", shortID(t.ID))
	target := strategy.TakeProfitTarget(t.EntryPriceValue(), s.TP, e.cfg.TickSize)
	t.TakeProfitAttempts++

	res, err := e.gateway.SubmitDependentOrder(ctx, account, t.EntryOrderID, target, t.Contracts)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		msg := fmt.Sprintf("take-profit order failed (attempt %d): %v", t.TakeProfitAttempts, err)
		log.Warn(msg)
		t.AppendError(msg, e.now())
		e.commit(ctx, t)
		return false
	}

	t.TakeProfitOrderID = res.ID
	if err := t.TransitionStatus(models.StatusTakeProfitPlaced, "take_profit_placed", e.now()); err != nil {
		t.AppendError(err.Error(), e.now())
	}
	e.commit(ctx, t)
	log.Infof("Take-profit %s placed at %.2f for %d", res.ID, target, t.Contracts)
	return true
}

func money(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 2)
}

var errNoPosition = errors.New("trade has no position detail")
