package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"funding-arb/internal/closer"
	"funding-arb/internal/connector"
	"funding-arb/internal/events"
	"funding-arb/internal/funding"
	"funding-arb/internal/subscription"
	"funding-arb/internal/tpsl"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	legPrimary = "primary"
	legHedge   = "hedge"
)

// legRuntime binds a subscription leg to its live connector for one cycle.
type legRuntime struct {
	name     string
	leg      *subscription.Leg
	conn     connector.Connector
	dir      connector.Direction
	mark     float64
	attached bool
}

func (l *legRuntime) closeLeg(symbol string) closer.Leg {
	return closer.Leg{
		Name:     l.name,
		Conn:     l.conn,
		Symbol:   symbol,
		Side:     l.dir.CloseSide(),
		Quantity: l.leg.Quantity,
	}
}

func closeLegs(symbol string, legs []*legRuntime) []closer.Leg {
	out := make([]closer.Leg, len(legs))
	for i, l := range legs {
		out[i] = l.closeLeg(symbol)
	}
	return out
}

// runCycle drives one open/hold/close cycle for sub.
func (e *Engine) runCycle(ctx context.Context, sub *subscription.Subscription) {
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	if err := subscription.Apply(sub, subscription.EventExecute); err != nil {
		log.Warn("execution rejected", zap.Error(err))
		return
	}
	sub.LastError = ""
	sub.Critical = false
	openedAt := e.opts.Now().UTC()
	e.metrics.CyclesStarted.Inc()
	if err := e.save(ctx, sub); err != nil {
		e.fail(ctx, sub, fmt.Errorf("persist executing state: %w", err), false)
		return
	}

	legs, err := e.acquire(ctx, sub)
	if err == nil {
		err = e.resolveQuantities(ctx, sub, legs)
	}
	if err == nil {
		err = e.syncLeverage(ctx, sub, legs)
	}
	if err != nil {
		if ctx.Err() != nil {
			e.rearmInterrupted(ctx, sub)
			return
		}
		e.fail(ctx, sub, err, false)
		return
	}

	if err := e.openPrimary(ctx, sub, legs); err != nil {
		e.fail(ctx, sub, err, isCritical(err))
		return
	}
	sub.ExpectedFunding = math.Abs(sub.FundingRate) * sub.Primary.Quantity * sub.Primary.EntryPrice
	// The payment lands at FundingAt, while the hedge is still being placed.
	pending := e.armDetector(ctx, sub, legs)
	defer pending.Stop()
	if sub.Hedged() {
		if err := e.openHedge(ctx, sub, legs); err != nil {
			e.fail(ctx, sub, err, isCritical(err))
			return
		}
	}

	watches := e.armStops(ctx, sub, legs)
	if err := e.save(ctx, sub); err != nil {
		log.Warn("executing state not persisted, continuing with open legs", zap.Error(err))
	}
	log.Info("legs open",
		zap.Float64("primary_entry", sub.Primary.EntryPrice),
		zap.Float64("expected_funding", sub.ExpectedFunding),
		zap.Bool("tpsl", watches != nil),
	)
	e.exit(ctx, sub, legs, watches, pending, openedAt)
}

func (e *Engine) armDetector(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) *funding.Pending {
	return e.detector.Arm(ctx, legs[0].conn, funding.Request{
		SubscriptionID:  sub.ID,
		FundingAt:       sub.FundingAt,
		ExpectedFunding: sub.ExpectedFunding,
	})
}

func isCritical(err error) bool {
	var rb *RollbackError
	if errors.As(err, &rb) {
		return rb.Critical()
	}
	var ce *CloseError
	return errors.As(err, &ce)
}

// rearmInterrupted returns a subscription to active when shutdown interrupts
// a cycle before any order was placed.
func (e *Engine) rearmInterrupted(ctx context.Context, sub *subscription.Subscription) {
	if err := subscription.Apply(sub, subscription.EventRearm); err != nil {
		return
	}
	_ = e.save(ctx, sub)
	e.log.Info("cycle interrupted before orders, subscription re-armed on restart", zap.String("subscription_id", sub.ID))
}

func (e *Engine) acquire(ctx context.Context, sub *subscription.Subscription) ([]*legRuntime, error) {
	names := []string{legPrimary, legHedge}
	dirs := []connector.Direction{sub.Direction, sub.Direction.Opposite()}
	var legs []*legRuntime
	for i, leg := range sub.Legs() {
		conn, err := e.pool.Acquire(ctx, sub.UserID, leg.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("acquire %s connector: %w", names[i], err)
		}
		if err := e.pool.AddReference(sub.UserID, leg.CredentialID, sub.ID); err != nil {
			e.log.Debug("pool reference not added", zap.String("subscription_id", sub.ID), zap.Error(err))
		}
		leg.Exchange = conn.Exchange()
		legs = append(legs, &legRuntime{name: names[i], leg: leg, conn: conn, dir: dirs[i]})
	}
	return legs, nil
}

// resolveQuantities sizes each leg to the same notional value when a margin
// budget is configured, falling back to the raw quantity.
func (e *Engine) resolveQuantities(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) error {
	for _, l := range legs {
		l.leg.Quantity = sub.Quantity
	}
	if sub.Margin <= 0 || sub.Leverage <= 0 {
		if sub.Quantity <= 0 {
			return fmt.Errorf("%w: no quantity configured", subscription.ErrInvalidConfig)
		}
		return nil
	}
	prices := make([]float64, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range legs {
		g.Go(func() error {
			price, err := l.conn.MarkPrice(gctx, sub.Symbol)
			if err != nil {
				return fmt.Errorf("%s mark price on %s: %w", l.name, l.conn.Exchange(), err)
			}
			if price <= 0 {
				return fmt.Errorf("%s mark price on %s is not positive", l.name, l.conn.Exchange())
			}
			prices[i] = price
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if sub.Quantity > 0 {
			e.log.Warn("mark price fetch failed, using configured quantity",
				zap.String("subscription_id", sub.ID),
				zap.Float64("quantity", sub.Quantity),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("size legs: %w", err)
	}
	notional := sub.Margin * float64(sub.Leverage)
	for i, l := range legs {
		l.mark = prices[i]
		l.leg.Quantity = notional / prices[i]
	}
	return nil
}

func (e *Engine) syncLeverage(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) error {
	if sub.Leverage <= 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range legs {
		g.Go(func() error {
			return e.syncLegLeverage(gctx, sub, l)
		})
	}
	return g.Wait()
}

func (e *Engine) syncLegLeverage(ctx context.Context, sub *subscription.Subscription, l *legRuntime) error {
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("exchange", l.conn.Exchange()), zap.String("leg", l.name))
	pos, err := l.conn.Position(ctx, sub.Symbol)
	if err == nil && !pos.IsFlat() {
		log.Warn("position already open, leaving leverage unchanged", zap.Float64("size", pos.Size), zap.Int("leverage", pos.Leverage))
		return nil
	}
	err = l.conn.SetLeverage(ctx, sub.Symbol, sub.Leverage)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connector.ErrUnsupported):
		log.Debug("leverage not configurable on exchange")
		return nil
	case connector.IsPositionConflict(err):
		return fmt.Errorf("%s leverage sync on %s: %w", l.name, l.conn.Exchange(), err)
	case connector.IsTransient(err):
		log.Warn("leverage sync failed transiently, using current leverage", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("%s leverage sync on %s: %w", l.name, l.conn.Exchange(), err)
	}
}

func (e *Engine) openPrimary(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) error {
	l := legs[0]
	req := connector.OrderRequest{
		Symbol:   sub.Symbol,
		Side:     l.dir.OpenSide(),
		Quantity: l.leg.Quantity,
	}
	if sub.HasTPSL() && sub.TPSLMode == subscription.TPSLPricePercent && l.conn.Capabilities().AttachedTPSL {
		if l.mark <= 0 {
			if mark, err := l.conn.MarkPrice(ctx, sub.Symbol); err == nil {
				l.mark = mark
			}
		}
		if l.mark > 0 {
			lv := tpsl.Compute(tpsl.LevelInput{
				Mode:          sub.TPSLMode,
				Direction:     l.dir,
				Entry:         l.mark,
				TakeProfitPct: sub.TakeProfitPct,
				StopLossPct:   sub.StopLossPct,
			})
			req.TakeProfit, req.StopLoss = lv.TakeProfit, lv.StopLoss
			l.attached = true
		}
	}
	e.emit(sub, events.OrderExecuting, "", map[string]any{
		"exchange": l.conn.Exchange(),
		"side":     string(req.Side),
		"quantity": req.Quantity,
	})
	ack, err := l.conn.PlaceMarketOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("primary order on %s: %w", l.conn.Exchange(), err)
	}
	entry, err := e.resolveEntry(ctx, sub, l, ack)
	if err != nil {
		return e.abort(ctx, sub, legs[:1], err)
	}
	l.leg.EntryPrice = entry
	e.emit(sub, events.OrderExecuted, "", map[string]any{
		"exchange":    l.conn.Exchange(),
		"entry_price": entry,
		"quantity":    l.leg.Quantity,
	})
	return nil
}

// openHedge waits for the funding timestamp and opens the offsetting leg. Any
// failure, including shutdown during the wait, rolls the primary back.
func (e *Engine) openHedge(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) error {
	primary, hedge := legs[0], legs[1]
	if err := sleepUntil(ctx, sub.FundingAt, e.opts.Now()); err != nil {
		return e.rollback(ctx, sub, primary, fmt.Errorf("interrupted before hedge: %w", err))
	}
	e.emit(sub, events.HedgeExecuting, "", map[string]any{
		"exchange": hedge.conn.Exchange(),
		"side":     string(hedge.dir.OpenSide()),
		"quantity": hedge.leg.Quantity,
	})
	ack, err := hedge.conn.PlaceMarketOrder(ctx, connector.OrderRequest{
		Symbol:   sub.Symbol,
		Side:     hedge.dir.OpenSide(),
		Quantity: hedge.leg.Quantity,
	})
	if err != nil {
		return e.rollback(ctx, sub, primary, fmt.Errorf("hedge order on %s: %w", hedge.conn.Exchange(), err))
	}
	entry, err := e.resolveEntry(ctx, sub, hedge, ack)
	if err != nil {
		return e.abort(ctx, sub, legs, err)
	}
	hedge.leg.EntryPrice = entry
	e.emit(sub, events.HedgeExecuted, "", map[string]any{
		"exchange":    hedge.conn.Exchange(),
		"entry_price": entry,
		"quantity":    hedge.leg.Quantity,
	})
	return nil
}

// rollback makes exactly one safe close attempt on the primary leg.
func (e *Engine) rollback(ctx context.Context, sub *subscription.Subscription, primary *legRuntime, hedgeErr error) error {
	e.metrics.HedgeRollbacks.Inc()
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	log.Warn("hedge leg failed, rolling back primary", zap.Error(hedgeErr))
	res := e.closer.Executor().CloseLeg(context.WithoutCancel(ctx), primary.closeLeg(sub.Symbol))
	rb := &RollbackError{Symbol: sub.Symbol, HedgeErr: hedgeErr}
	if !res.Success {
		e.metrics.RollbackFailures.Inc()
		rb.RollbackErr = res.Err
		return rb
	}
	sub.Primary.ExitPrice = res.FillPrice
	log.Info("primary rolled back", zap.String("method", string(res.Method)), zap.Float64("fill_price", res.FillPrice))
	return rb
}

// abort flattens legs already opened when the cycle cannot continue.
func (e *Engine) abort(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime, cause error) error {
	out := e.closer.Executor().CloseAll(context.WithoutCancel(ctx), closeLegs(sub.Symbol, legs))
	if !out.FullyClosed() {
		return &CloseError{Residual: out.Residual(), Err: errors.Join(cause, out.Err())}
	}
	return cause
}

// resolveEntry prefers the ack price and otherwise polls the position.
func (e *Engine) resolveEntry(ctx context.Context, sub *subscription.Subscription, l *legRuntime, ack connector.OrderAck) (float64, error) {
	if ack.AvgPrice > 0 {
		return ack.AvgPrice, nil
	}
	var entry float64
	err := retry(ctx, e.opts.EntryPriceAttempts, e.opts.EntryPriceBackoff, func() error {
		pos, err := l.conn.Position(ctx, sub.Symbol)
		if err != nil {
			return err
		}
		if pos.EntryPrice <= 0 {
			return errors.New("position entry price not reported yet")
		}
		entry = pos.EntryPrice
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s leg on %s: %v", ErrEntryPriceUnavailable, l.name, l.conn.Exchange(), err)
	}
	return entry, nil
}

// armStops computes TP/SL per leg and places them natively where possible.
// It returns nil when no leg has exit levels.
func (e *Engine) armStops(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime) []tpsl.Watch {
	if !sub.HasTPSL() {
		return nil
	}
	watches := make([]tpsl.Watch, 0, len(legs))
	armed := false
	for _, l := range legs {
		lv := tpsl.Compute(tpsl.LevelInput{
			Mode:            sub.TPSLMode,
			Direction:       l.dir,
			Entry:           l.leg.EntryPrice,
			Quantity:        l.leg.Quantity,
			ExpectedFunding: sub.ExpectedFunding,
			TakeProfitPct:   sub.TakeProfitPct,
			StopLossPct:     sub.StopLossPct,
		})
		l.leg.TakeProfit, l.leg.StopLoss = lv.TakeProfit, lv.StopLoss
		native, err := tpsl.Submit(ctx, l.conn, sub.Symbol, l.dir, lv)
		if err != nil {
			e.log.Warn("native stop rejected, enforcing levels in software",
				zap.String("subscription_id", sub.ID),
				zap.String("leg", l.name),
				zap.Error(err),
			)
		} else if !native && l.attached {
			native = true
		}
		armed = armed || !lv.Empty()
		watches = append(watches, tpsl.Watch{
			Leg:       l.closeLeg(sub.Symbol),
			Direction: l.dir,
			Levels:    lv,
			Native:    native,
		})
	}
	if !armed {
		return nil
	}
	return watches
}

type exitResult struct {
	reason   string
	strategy closer.Strategy
	prices   map[string]float64
	funding  float64
}

// exit waits for the exit signal, closes the legs and settles the cycle.
// pending is the funding watch armed when the primary opened; a nil pending
// is armed here.
func (e *Engine) exit(ctx context.Context, sub *subscription.Subscription, legs []*legRuntime, watches []tpsl.Watch, pending *funding.Pending, openedAt time.Time) {
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	res := exitResult{funding: sub.ExpectedFunding}
	if watches != nil {
		if pending != nil {
			pending.Stop()
		}
		mon, err := e.tpsl.Monitor(ctx, watches)
		if err != nil {
			log.Warn("tp/sl monitoring interrupted, legs left for recovery", zap.Error(err))
			return
		}
		res.reason = string(mon.Reason)
		res.prices = mon.ExitPrices
		res.strategy = mon.Forced.Strategy
		e.emit(sub, events.Closing, res.reason, nil)
		if err := mon.Err(); err != nil {
			e.fail(ctx, sub, &CloseError{Residual: mon.Forced.Residual(), Err: err}, true)
			return
		}
	} else {
		if pending == nil {
			pending = e.armDetector(ctx, sub, legs)
			defer pending.Stop()
		}
		det, err := pending.Wait(ctx)
		if err != nil {
			log.Warn("funding wait interrupted, legs left for recovery", zap.Error(err))
			return
		}
		if det.Trigger == funding.TriggerDetected {
			res.funding = det.Increase
		}
		res.reason = "funding_" + string(det.Trigger)
		e.emit(sub, events.Closing, res.reason, map[string]any{"trigger": string(det.Trigger)})
		outcome := e.closer.Close(context.WithoutCancel(ctx), closeLegs(sub.Symbol, legs))
		res.strategy = outcome.Strategy
		if !outcome.FullyClosed() {
			e.fail(ctx, sub, &CloseError{Residual: outcome.Residual(), Err: outcome.Err()}, true)
			return
		}
		res.prices = make(map[string]float64, len(outcome.Legs))
		for _, r := range outcome.Legs {
			res.prices[r.Leg] = r.FillPrice
		}
	}
	for _, l := range legs {
		if res.prices[l.name] > 0 {
			continue
		}
		if mark, err := l.conn.MarkPrice(context.WithoutCancel(ctx), sub.Symbol); err == nil {
			res.prices[l.name] = mark
		}
	}
	e.settle(ctx, sub, legs, res, openedAt)
}
