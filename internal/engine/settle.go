package engine

import (
	"context"
	"time"

	"funding-arb/internal/events"
	"funding-arb/internal/history"
	"funding-arb/internal/subscription"
	"funding-arb/internal/tpsl"

	"go.uber.org/zap"
)

// settle books the cycle P&L and moves the subscription to its next state.
func (e *Engine) settle(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime, res exitResult, openedAt time.Time) {
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	fills := make([]tpsl.Fill, 0, len(legs))
	for _, l := range legs {
		l.leg.ExitPrice = res.prices[l.name]
		fills = append(fills, tpsl.Fill{
			Direction: l.dir,
			Entry:     l.leg.EntryPrice,
			Exit:      l.leg.ExitPrice,
			Quantity:  l.leg.Quantity,
		})
	}
	pnl := tpsl.ComputePnL(fills, res.funding, e.opts.FeeRate)

	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.AddRealized(bookCtx, sub.ID, pnl.Realized, pnl.Fees); err != nil {
		log.Error("realized pnl not booked", zap.Float64("realized", pnl.Realized), zap.Error(err))
	} else {
		sub.RealizedPnL += pnl.Realized
		sub.TotalFees += pnl.Fees
		sub.Cycles++
	}
	closedAt := e.opts.Now().UTC()
	if e.history != nil {
		e.history.Enqueue(cycleRow(sub, res, pnl, openedAt, closedAt))
	}
	e.metrics.CyclesCompleted.Inc()
	log.Info("cycle completed",
		zap.String("reason", res.reason),
		zap.String("close_strategy", string(res.strategy)),
		zap.Float64("trade_pnl", pnl.Trade),
		zap.Float64("fees", pnl.Fees),
		zap.Float64("funding", pnl.Funding),
		zap.Float64("realized", pnl.Realized),
	)
	data := map[string]any{
		"reason":         res.reason,
		"close_strategy": string(res.strategy),
		"trade_pnl":      pnl.Trade,
		"fees":           pnl.Fees,
		"funding":        pnl.Funding,
		"realized":       pnl.Realized,
		"primary_entry":  sub.Primary.EntryPrice,
		"primary_exit":   sub.Primary.ExitPrice,
	}
	if sub.Hedge != nil {
		data["hedge_entry"] = sub.Hedge.EntryPrice
		data["hedge_exit"] = sub.Hedge.ExitPrice
	}
	e.emit(sub, events.CycleCompleted, "", data)

	switch {
	case e.isWithdrawn(sub.ID):
		_ = subscription.Apply(sub, subscription.EventCancel)
		_ = e.save(ctx, sub)
		e.removeReferences(sub)
		e.mu.Lock()
		delete(e.subs, sub.ID)
		e.mu.Unlock()
		log.Info("withdrawn subscription cancelled after its cycle")
	case sub.Recurring:
		sub.ResetCycle()
		sub.FundingAt = nextFunding(sub.FundingAt, sub.FundingInterval, closedAt)
		_ = subscription.Apply(sub, subscription.EventRearm)
		_ = e.save(ctx, sub)
		if base, err := e.baseContext(); err == nil && base.Err() == nil {
			e.arm(base, sub)
		}
		log.Info("recurring subscription re-armed", zap.Time("funding_at", sub.FundingAt))
	default:
		_ = subscription.Apply(sub, subscription.EventComplete)
		_ = e.save(ctx, sub)
		e.removeReferences(sub)
	}
}

// nextFunding advances from by whole intervals until it is after now.
func nextFunding(from time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		interval = subscription.DefaultFundingInterval
	}
	next := from.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

func cycleRow(sub *subscription.Subscription, res exitResult, pnl tpsl.PnL, openedAt, closedAt time.Time) history.Cycle {
	row := history.Cycle{
		SubscriptionID:  sub.ID,
		UserID:          sub.UserID,
		Symbol:          sub.Symbol,
		Mode:            string(sub.Mode),
		Direction:       string(sub.Direction),
		Cycle:           sub.Cycles,
		Quantity:        sub.Primary.Quantity,
		PrimaryExchange: sub.Primary.Exchange,
		PrimaryEntry:    sub.Primary.EntryPrice,
		PrimaryExit:     sub.Primary.ExitPrice,
		ExpectedFunding: sub.ExpectedFunding,
		Trade:           pnl.Trade,
		Fees:            pnl.Fees,
		Funding:         pnl.Funding,
		Realized:        pnl.Realized,
		Reason:          res.reason,
		CloseStrategy:   string(res.strategy),
		OpenedAt:        openedAt,
		ClosedAt:        closedAt,
	}
	if sub.Hedge != nil {
		row.HedgeExchange = sub.Hedge.Exchange
		row.HedgeEntry = sub.Hedge.EntryPrice
		row.HedgeExit = sub.Hedge.ExitPrice
	}
	return row
}
