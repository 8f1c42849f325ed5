package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/orders"
	"github.com/eddiefleurent/scranton_calendar/internal/strategy"
	"github.com/sirupsen/logrus"
)

// monitorTrade supervises one open trade. s is nil when the strategy no
// longer exists.
func (e *Engine) monitorTrade(ctx context.Context, account string, t *models.Trade, s *models.Strategy, now time.Time) {
	switch {
	case s == nil:
		e.fail(ctx, t, fmt.Sprintf("strategy %s no longer exists", t.StrategyID))
		return
	case t.Status == models.StatusWaiting:
		e.fail(ctx, t, "entry interrupted before the entry order was submitted")
		return
	case t.Status == models.StatusEntered && t.EntryOrderID == "":
		e.fail(ctx, t, "entry interrupted before the entry order was accepted")
		return
	case t.Position == nil && t.Status != models.StatusTakeProfitExecuted:
		e.fail(ctx, t, errNoPosition.Error())
		return
	}

	switch t.Status {
	case models.StatusEntered:
		if e.isExitTime(s, t, now) {
			e.timeExit(ctx, account, t, now)
			return
		}
		if t.TakeProfitOrderID == "" && t.TakeProfitAttempts < e.cfg.MaxTakeProfitAttempts {
			e.placeTakeProfit(ctx, account, t, s)
		}

	case models.StatusTakeProfitPlaced:
		if e.checkTakeProfit(ctx, account, t) {
			return
		}
		if e.isExitTime(s, t, now) {
			e.timeExit(ctx, account, t, now)
			return
		}
		e.maybeAverage(ctx, account, t, s, now)

	case models.StatusAveraging:
		if e.checkTakeProfit(ctx, account, t) {
			return
		}
		if e.isExitTime(s, t, now) {
			e.timeExit(ctx, account, t, now)
			return
		}
		e.checkAveraging(ctx, account, t, s)

	case models.StatusTakeProfitExecuted:
		e.settle(ctx, t)

	case models.StatusExitedByTime:
		e.closeLegs(ctx, account, t)
		e.confirmClose(ctx, account, t)
	}
}

// isExitTime reports whether now is the exit minute on the near expiration date
func (e *Engine) isExitTime(s *models.Strategy, t *models.Trade, now time.Time) bool {
	if t.Position == nil {
		return false
	}
	y, m, d := t.Position.NearExpiration.Date()
	ny, nm, nd := now.Date()
	return y == ny && m == nm && d == nd && models.MatchesClock(s.T2, now)
}

// checkTakeProfit polls the take-profit order. It returns true when the
// trade left its state (filled or lost).
func (e *Engine) checkTakeProfit(ctx context.Context, account string, t *models.Trade) bool {
	if t.TakeProfitOrderID == "" {
		return false
	}
	log := e.logger.WithFields(logrus.Fields{"trade_id": shortID(t.ID), "order_id": t.TakeProfitOrderID})
	status, err := e.orders.Check(ctx, account, t.TakeProfitOrderID)
	if err != nil {
		log.Warnf("Take-profit status unavailable: %v", err)
		return false
	}

	now := e.now()
	switch status.State {
	case broker.OrderStateFilled:
		if t.Status == models.StatusAveraging && t.AveragingOrderID != "" {
			e.cancelBestEffort(ctx, account, t.AveragingOrderID, "averaging")
			t.AveragingOrderID = ""
		}
		price := status.FillPrice()
		t.RecordExit(price, now)
		if err := t.TransitionStatus(models.StatusTakeProfitExecuted, "take_profit_filled", now); err != nil {
			t.AppendError(err.Error(), now)
		}
		e.commit(ctx, t)
		log.Infof("Take-profit filled at %.2f, P&L %s", price, money(*t.PnL))
		e.settle(ctx, t)
		return true

	case broker.OrderStateCancelled, broker.OrderStateRejected:
		msg := fmt.Sprintf("take-profit order %s was %s remotely", t.TakeProfitOrderID, status.State)
		log.Warn(msg)
		t.AppendError(msg, now)
		t.TakeProfitOrderID = ""
		if t.Status == models.StatusAveraging && t.AveragingOrderID != "" {
			e.cancelBestEffort(ctx, account, t.AveragingOrderID, "averaging")
			t.AveragingOrderID = ""
		}
		if err := t.TransitionStatus(models.StatusEntered, "take_profit_lost", now); err != nil {
			t.AppendError(err.Error(), now)
		}
		e.commit(ctx, t)
		return true
	}
	return false
}

// settle completes a trade whose take-profit filled
func (e *Engine) settle(ctx context.Context, t *models.Trade) {
	if err := t.TransitionStatus(models.StatusCompleted, "settled", e.now()); err != nil {
		e.logger.WithField("trade_id", shortID(t.ID)).Errorf("Cannot settle: %v", err)
		return
	}
	if e.commit(ctx, t) {
		e.recordResult(ctx, t)
	}
}

// timeExit force-closes the spread at the exit minute. The trade is marked
// exited before any order goes out; the close orders are then submitted and
// confirmed, and retried on later ticks when needed.
func (e *Engine) timeExit(ctx context.Context, account string, t *models.Trade, now time.Time) {
	log := e.logger.WithField("trade_id", shortID(t.ID))
	log.Infof("Exit time reached, closing %d spreads", t.Contracts)

	if err := t.TransitionStatus(models.StatusExitedByTime, "time_exit", now); err != nil {
		log.Errorf("Cannot start time exit: %v", err)
		return
	}
	exitAt := now
	t.ExitTime = &exitAt
	if err := e.save(ctx, t); err != nil {
		return
	}

	if t.TakeProfitOrderID != "" {
		e.cancelBestEffort(ctx, account, t.TakeProfitOrderID, "take-profit")
	}
	if t.AveragingOrderID != "" {
		e.cancelBestEffort(ctx, account, t.AveragingOrderID, "averaging")
		t.AveragingOrderID = ""
	}

	e.closeLegs(ctx, account, t)
	e.confirmClose(ctx, account, t)
}

// cancelBestEffort cancels an order and only logs failures
func (e *Engine) cancelBestEffort(ctx context.Context, account, orderID, what string) {
	ok, err := e.gateway.CancelOrder(ctx, account, orderID)
	log := e.logger.WithField("order_id", orderID)
	switch {
	case err != nil:
		log.Warnf("Failed to cancel %s order: %v", what, err)
	case !ok:
		log.Warnf("Cancel of %s order not acknowledged", what)
	default:
		log.Infof("Cancelled %s order", what)
	}
}

// closeLegs submits whichever closing market orders are still missing:
// buy back the near leg first, then sell the far leg.
func (e *Engine) closeLegs(ctx context.Context, account string, t *models.Trade) {
	pos := t.Position
	if pos == nil {
		return
	}
	if t.ExitOrderID == "" {
		id, err := e.submitClose(ctx, account, t, pos.NearConid, broker.SideBuy, "near")
		if err != nil {
			return
		}
		t.ExitOrderID = id
		e.commit(ctx, t)
	}
	if t.ExitFarOrderID == "" {
		id, err := e.submitClose(ctx, account, t, pos.FarConid, broker.SideSell, "far")
		if err != nil {
			return
		}
		t.ExitFarOrderID = id
		e.commit(ctx, t)
	}
}

func (e *Engine) submitClose(ctx context.Context, account string, t *models.Trade, conid, side, leg string) (string, error) {
	res, err := e.gateway.SubmitMarketOrder(ctx, account, conid, side, t.Contracts)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		msg := fmt.Sprintf("time exit: %s leg close order failed: %v", leg, err)
		e.logger.WithField("trade_id", shortID(t.ID)).Error(msg)
		t.AppendError(msg, e.now())
		e.commit(ctx, t)
		return "", err
	}
	return res.ID, nil
}

// confirmClose waits for both closing orders. Confirmed fills complete the
// trade; a dead order is cleared so the next tick resubmits it; a timeout
// leaves the trade exited for the next tick to poll again.
func (e *Engine) confirmClose(ctx context.Context, account string, t *models.Trade) {
	if t.ExitOrderID == "" || t.ExitFarOrderID == "" {
		return
	}
	log := e.logger.WithField("trade_id", shortID(t.ID))

	deadline := time.Now().Add(e.cfg.CloseConfirmTimeout)
	near, nearErr := e.orders.WaitForFill(ctx, account, t.ExitOrderID, e.cfg.CloseConfirmTimeout)
	far, farErr := e.orders.WaitForFill(ctx, account, t.ExitFarOrderID, max(time.Until(deadline), time.Millisecond))

	cleared := false
	if nearErr == nil && near != nil && !near.IsFilled() {
		t.AppendError(fmt.Sprintf("near leg close order %s %s", t.ExitOrderID, near.State), e.now())
		t.ExitOrderID = ""
		cleared = true
	}
	if farErr == nil && far != nil && !far.IsFilled() {
		t.AppendError(fmt.Sprintf("far leg close order %s %s", t.ExitFarOrderID, far.State), e.now())
		t.ExitFarOrderID = ""
		cleared = true
	}
	if cleared {
		e.commit(ctx, t)
		return
	}

	if !near.IsFilled() || !far.IsFilled() {
		if errors.Is(nearErr, orders.ErrPollTimeout) || errors.Is(farErr, orders.ErrPollTimeout) {
			log.Info("Close orders not confirmed yet; will poll again next tick")
		} else if nearErr != nil || farErr != nil {
			log.Warnf("Close confirmation failed: %v", errors.Join(nearErr, farErr))
		}
		return
	}

	now := e.now()
	exitPrice := far.FillPrice() - near.FillPrice()
	t.RecordExit(exitPrice, now)
	if err := t.TransitionStatus(models.StatusCompleted, "close_confirmed", now); err != nil {
		log.Errorf("Cannot complete trade: %v", err)
		return
	}
	log.Infof("Closed at %.2f, P&L %s", exitPrice, money(*t.PnL))
	if e.commit(ctx, t) {
		e.recordResult(ctx, t)
	}
}

// maybeAverage applies the averaging policy at an averaging time
func (e *Engine) maybeAverage(ctx context.Context, account string, t *models.Trade, s *models.Strategy, now time.Time) {
	if !s.HasAveraging() || !strategy.IsAveragingTime(s, now) {
		return
	}
	log := e.logger.WithField("trade_id", shortID(t.ID))

	legs := strategy.LegsFromPosition(*t.Position)
	quotes, err := e.gateway.GetQuotes(ctx, []string{legs.Near.Conid, legs.Far.Conid})
	if err != nil {
		log.Warnf("Averaging skipped, quotes unavailable: %v", err)
		return
	}
	legs = legs.WithQuotes(quotes)
	spread := legs.SpreadPrice()

	decision := e.averaging.Evaluate(s, t, spread, now)
	if !decision.Trigger {
		log.Debugf("No averaging: %s", decision.Reason)
		return
	}

	res, err := e.gateway.SubmitCombinationOrder(ctx, account, legs.OrderLegs(decision.Contracts), *s.AveragingAmount)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		msg := fmt.Sprintf("averaging order failed: %v", err)
		log.Warn(msg)
		t.AppendError(msg, now)
		e.commit(ctx, t)
		return
	}

	t.AveragingOrderID = res.ID
	t.Averagings = append(t.Averagings, models.Averaging{
		OrderID:     res.ID,
		Contracts:   decision.Contracts,
		Price:       spread,
		SubmittedAt: now,
	})
	if err := t.TransitionStatus(models.StatusAveraging, "averaging_submitted", now); err != nil {
		t.AppendError(err.Error(), now)
	}
	e.commit(ctx, t)
	log.Infof("Averaging %d at %.2f (%s)", decision.Contracts, spread, decision.Reason)
}

// checkAveraging polls a pending averaging order. A fill grows the position
// and replaces the take-profit for the new size.
func (e *Engine) checkAveraging(ctx context.Context, account string, t *models.Trade, s *models.Strategy) {
	log := e.logger.WithFields(logrus.Fields{"trade_id": shortID(t.ID), "order_id": t.AveragingOrderID})
	status, err := e.orders.Check(ctx, account, t.AveragingOrderID)
	if err != nil {
		log.Warnf("Averaging status unavailable: %v", err)
		return
	}
	now := e.now()

	switch status.State {
	case broker.OrderStateFilled:
		fill := status.FillPrice()
		if pending := t.PendingAveraging(); pending != nil && fill <= 0 {
			fill = pending.Price
		}
		if err := t.ApplyAveragingFill(fill, now); err != nil {
			log.Errorf("Cannot apply averaging fill: %v", err)
			return
		}
		e.commit(ctx, t)
		log.Infof("Averaging filled at %.2f; now %d at %.2f", fill, t.Contracts, t.EntryPriceValue())

		if t.TakeProfitOrderID != "" {
			e.cancelBestEffort(ctx, account, t.TakeProfitOrderID, "take-profit")
			t.TakeProfitOrderID = ""
		}
		target := strategy.TakeProfitTarget(t.EntryPriceValue(), s.TP, e.cfg.TickSize)
		res, err := e.gateway.SubmitDependentOrder(ctx, account, t.EntryOrderID, target, t.Contracts)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			msg := fmt.Sprintf("take-profit resize after averaging failed: %v", err)
			log.Warn(msg)
			t.AppendError(msg, now)
			if terr := t.TransitionStatus(models.StatusEntered, "take_profit_lost", now); terr != nil {
				t.AppendError(terr.Error(), now)
			}
			e.commit(ctx, t)
			return
		}
		t.TakeProfitOrderID = res.ID
		if err := t.TransitionStatus(models.StatusTakeProfitPlaced, "averaging_filled", now); err != nil {
			t.AppendError(err.Error(), now)
		}
		e.commit(ctx, t)
		log.Infof("Take-profit %s resized to %d at %.2f", res.ID, t.Contracts, target)

	case broker.OrderStateCancelled, broker.OrderStateRejected:
		msg := fmt.Sprintf("averaging order %s was %s", t.AveragingOrderID, status.State)
		log.Warn(msg)
		t.AppendError(msg, now)
		t.AveragingOrderID = ""
		if err := t.TransitionStatus(models.StatusTakeProfitPlaced, "averaging_failed", now); err != nil {
			t.AppendError(err.Error(), now)
		}
		e.commit(ctx, t)
	}
}
