package engine

import (
	"context"
	"fmt"

	"funding-arb/internal/subscription"
	"funding-arb/internal/tpsl"

	"go.uber.org/zap"
)

// restore reloads live subscriptions after a restart. Active ones are re-armed
// (the countdown expires those whose funding passed), executing ones inside
// the countdown's executing expiry resume exit monitoring and older ones are errored.
func (e *Engine) restore(ctx context.Context) error {
	subs, err := e.store.FindByStatus(ctx, []subscription.Status{
		subscription.StatusActive,
		subscription.StatusExecuting,
		subscription.StatusError,
	}, "")
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	var resumed, armed int
	for _, sub := range subs {
		e.mu.Lock()
		e.subs[sub.ID] = sub.Clone()
		e.mu.Unlock()
		if sub.Status != subscription.StatusError {
			e.reference(ctx, sub)
		}
		switch sub.Status {
		case subscription.StatusActive:
			e.arm(ctx, sub)
			armed++
		case subscription.StatusExecuting:
			if e.countdown.Interrupted(sub.FundingAt) {
				e.fail(ctx, sub, fmt.Errorf("cycle interrupted and funding passed at %s; check positions on %s", sub.FundingAt.Format("2006-01-02T15:04:05Z07:00"), exchanges(sub)), true)
				continue
			}
			if err := e.launch(sub.ID, true); err != nil {
				e.log.Warn("resume failed", zap.String("subscription_id", sub.ID), zap.Error(err))
				continue
			}
			resumed++
		}
	}
	e.log.Info("subscriptions recovered", zap.Int("loaded", len(subs)), zap.Int("armed", armed), zap.Int("resumed", resumed))
	return nil
}

// reference pre-warms the connectors of a recovered subscription so the pool
// keeps them while it is live. Failures are retried at execution time.
func (e *Engine) reference(ctx context.Context, sub *subscription.Subscription) {
	for _, leg := range sub.Legs() {
		if _, err := e.pool.Acquire(ctx, sub.UserID, leg.CredentialID); err != nil {
			e.log.Warn("connector unavailable during recovery", zap.String("subscription_id", sub.ID), zap.String("credential_id", leg.CredentialID), zap.Error(err))
			continue
		}
		if err := e.pool.AddReference(sub.UserID, leg.CredentialID, sub.ID); err != nil {
			e.log.Debug("pool reference not added", zap.String("subscription_id", sub.ID), zap.Error(err))
		}
	}
}

// resume continues an executing cycle from its persisted entry state.
func (e *Engine) resume(ctx context.Context, sub *subscription.Subscription) {
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	legs, err := e.acquire(ctx, sub)
	if err != nil {
		e.fail(ctx, sub, fmt.Errorf("resume: %w", err), true)
		return
	}
	if sub.Primary.EntryPrice <= 0 {
		// No entry was recorded; make sure nothing is open before re-arming.
		out := e.closer.Executor().CloseAll(context.WithoutCancel(ctx), closeLegs(sub.Symbol, legs))
		if !out.FullyClosed() {
			e.fail(ctx, sub, &CloseError{Residual: out.Residual(), Err: out.Err()}, true)
			return
		}
		sub.ResetCycle()
		if err := subscription.Apply(sub, subscription.EventRearm); err != nil {
			e.fail(ctx, sub, err, false)
			return
		}
		_ = e.save(ctx, sub)
		if base, err := e.baseContext(); err == nil {
			e.arm(base, sub)
		}
		log.Info("interrupted cycle had no open legs, re-armed")
		return
	}
	var watches []tpsl.Watch
	if sub.HasTPSL() {
		for _, l := range legs {
			lv := tpsl.Levels{TakeProfit: l.leg.TakeProfit, StopLoss: l.leg.StopLoss}
			watches = append(watches, tpsl.Watch{
				Leg:       l.closeLeg(sub.Symbol),
				Direction: l.dir,
				Levels:    lv,
				Native:    l.conn.Capabilities().TradingStop || lv.Empty(),
			})
		}
	}
	log.Info("resuming exit monitoring", zap.Bool("tpsl", watches != nil))
	e.exit(ctx, sub, legs, watches, nil, sub.UpdatedAt)
}

func exchanges(sub *subscription.Subscription) string {
	out := sub.Primary.Exchange
	if out == "" {
		out = sub.Primary.CredentialID
	}
	if sub.Hedge != nil {
		hedge := sub.Hedge.Exchange
		if hedge == "" {
			hedge = sub.Hedge.CredentialID
		}
		out += "," + hedge
	}
	return out
}
