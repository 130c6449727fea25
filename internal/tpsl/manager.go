package tpsl

import (
	"context"
	"errors"
	"time"

	"funding-arb/internal/closer"
	"funding-arb/internal/connector"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxHold      = 2 * time.Hour
)

type Reason string

const (
	ReasonTakeProfit Reason = "take_profit"
	ReasonStopLoss   Reason = "stop_loss"
	ReasonClosed     Reason = "closed"
	ReasonMaxHold    Reason = "max_hold"
)

// StopSetter is the connector surface used to place exchange-side stops.
type StopSetter interface {
	Capabilities() connector.Capabilities
	SetTradingStop(ctx context.Context, stop connector.TradingStop) error
}

// Submit places levels through the native trading-stop call. It reports
// false when the exchange has no such call and the manager must enforce the
// levels itself.
func Submit(ctx context.Context, s StopSetter, symbol string, dir connector.Direction, levels Levels) (bool, error) {
	if levels.Empty() {
		return true, nil
	}
	if !s.Capabilities().TradingStop {
		return false, nil
	}
	err := s.SetTradingStop(ctx, connector.TradingStop{
		Symbol:     symbol,
		Direction:  dir,
		TakeProfit: levels.TakeProfit,
		StopLoss:   levels.StopLoss,
	})
	if errors.Is(err, connector.ErrUnsupported) {
		return false, nil
	}
	return err == nil, err
}

// Watch is one open leg under TP/SL supervision.
type Watch struct {
	Leg       closer.Leg
	Direction connector.Direction
	Levels    Levels
	// Native is true when the exchange holds the stop orders.
	Native bool
}

type LegCloser interface {
	CloseAll(ctx context.Context, legs []closer.Leg) closer.Outcome
}

type StrategyCloser interface {
	Close(ctx context.Context, legs []closer.Leg) closer.Outcome
}

type Options struct {
	PollInterval time.Duration
	MaxHold      time.Duration
}

type Outcome struct {
	Reason     Reason
	ExitPrices map[string]float64
	// Forced holds the results of closes the manager placed itself.
	Forced closer.Outcome
}

func (o Outcome) Err() error {
	return o.Forced.Err()
}

type Manager struct {
	opts     Options
	safe     LegCloser
	strategy StrategyCloser
	log      *zap.Logger
}

func NewManager(opts Options, safe LegCloser, strategy StrategyCloser, log *zap.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = DefaultMaxHold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{opts: opts, safe: safe, strategy: strategy, log: log}
}

type legState struct {
	watch    Watch
	lastMark float64
	closed   bool
}

// Monitor polls the legs until all of them are flat. When one leg of a pair
// closes the other is flattened immediately; the max-hold timer force-closes
// whatever is still open.
func (m *Manager) Monitor(ctx context.Context, watches []Watch) (Outcome, error) {
	states := make([]*legState, len(watches))
	for i, w := range watches {
		states[i] = &legState{watch: w}
	}
	out := Outcome{ExitPrices: make(map[string]float64, len(watches))}
	maxHold := time.NewTimer(m.opts.MaxHold)
	defer maxHold.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-maxHold.C:
			open := openLegs(states)
			m.log.Warn("max hold reached, force closing", zap.Int("open_legs", len(open)), zap.Duration("max_hold", m.opts.MaxHold))
			if out.Reason == "" {
				out.Reason = ReasonMaxHold
			}
			m.forceClose(ctx, open, m.strategy.Close, &out)
			return out, nil
		case <-ticker.C:
		}

		var software []*legState
		for _, st := range states {
			if st.closed {
				continue
			}
			pos, err := st.watch.Leg.Conn.Position(ctx, st.watch.Leg.Symbol)
			if err != nil && !connector.IsNoPosition(err) {
				m.log.Debug("position poll failed", zap.String("leg", st.watch.Leg.Name), zap.Error(err))
				continue
			}
			if err == nil && pos.MarkPrice > 0 {
				st.lastMark = pos.MarkPrice
			}
			if err != nil || pos.IsFlat() {
				reason, price := st.watch.Levels.Nearest(st.lastMark)
				st.closed = true
				out.ExitPrices[st.watch.Leg.Name] = price
				if out.Reason == "" {
					out.Reason = reason
				}
				m.log.Info("leg closed on exchange", zap.String("leg", st.watch.Leg.Name), zap.String("reason", string(reason)), zap.Float64("exit_price", price))
				continue
			}
			if !st.watch.Native {
				if reason, hit := st.watch.Levels.Crossed(st.watch.Direction, st.lastMark); hit {
					if out.Reason == "" {
						out.Reason = reason
					}
					software = append(software, st)
				}
			}
		}
		if len(software) > 0 {
			m.forceClose(ctx, software, m.safe.CloseAll, &out)
		}

		open := openLegs(states)
		if len(open) == 0 {
			return out, nil
		}
		if len(open) < len(states) {
			m.log.Info("counterpart leg closed, flattening the rest", zap.Int("open_legs", len(open)))
			m.forceClose(ctx, open, m.safe.CloseAll, &out)
			return out, nil
		}
	}
}

func (m *Manager) forceClose(ctx context.Context, open []*legState, closeFn func(context.Context, []closer.Leg) closer.Outcome, out *Outcome) {
	if len(open) == 0 {
		return
	}
	legs := make([]closer.Leg, len(open))
	for i, st := range open {
		legs[i] = st.watch.Leg
	}
	res := closeFn(ctx, legs)
	if out.Forced.Strategy == "" {
		out.Forced.Strategy = res.Strategy
	}
	out.Forced.Elapsed += res.Elapsed
	for i, leg := range res.Legs {
		st := open[i]
		out.Forced.Legs = append(out.Forced.Legs, leg)
		if !leg.Success {
			continue
		}
		st.closed = true
		price := leg.FillPrice
		if price <= 0 {
			price = st.lastMark
		}
		out.ExitPrices[st.watch.Leg.Name] = price
	}
}

func openLegs(states []*legState) []*legState {
	var out []*legState
	for _, st := range states {
		if !st.closed {
			out = append(out, st)
		}
	}
	return out
}
