package closer

import (
	"context"
	"time"

	"funding-arb/internal/connector"

	"go.uber.org/zap"
)

const (
	DefaultLimitTimeout      = 5 * time.Second
	DefaultLimitOffsetBps    = 10.0
	DefaultLimitPollInterval = 250 * time.Millisecond
)

type Options struct {
	LimitTimeout      time.Duration
	LimitOffsetBps    float64
	LimitPollInterval time.Duration
	UltraFastTarget   time.Duration
	HybridTarget      time.Duration
}

// Closer runs the selected close strategy over a set of legs.
type Closer struct {
	exec *Executor
	opts Options
	log  *zap.Logger
}

func New(exec *Executor, opts Options, log *zap.Logger) *Closer {
	if opts.LimitTimeout <= 0 {
		opts.LimitTimeout = DefaultLimitTimeout
	}
	if opts.LimitOffsetBps <= 0 {
		opts.LimitOffsetBps = DefaultLimitOffsetBps
	}
	if opts.LimitPollInterval <= 0 {
		opts.LimitPollInterval = DefaultLimitPollInterval
	}
	if opts.UltraFastTarget <= 0 {
		opts.UltraFastTarget = DefaultUltraFastTarget
	}
	if opts.HybridTarget <= 0 {
		opts.HybridTarget = DefaultHybridTarget
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Closer{exec: exec, opts: opts, log: log}
}

func (c *Closer) Executor() *Executor {
	return c.exec
}

func (c *Closer) Close(ctx context.Context, legs []Leg) Outcome {
	strategy := Select(legCapabilities(legs)...)
	target := c.opts.HybridTarget
	closeFn := c.hybridLeg
	if strategy == UltraFast {
		target = c.opts.UltraFastTarget
		closeFn = c.exec.CloseLeg
	}
	out := runLegs(ctx, legs, closeFn)
	out.Strategy = strategy
	if out.Elapsed > target {
		c.log.Warn("close exceeded target",
			zap.String("strategy", string(strategy)),
			zap.Duration("elapsed", out.Elapsed),
			zap.Duration("target", target),
		)
	}
	return out
}

// hybridLeg rests a reduce-only limit through the mark, then cancels and hands
// any remainder to the safe chain once the limit window passes.
func (c *Closer) hybridLeg(ctx context.Context, leg Leg) Result {
	limiter, ok := leg.Conn.(connector.LimitCloser)
	if !ok || !leg.Conn.Capabilities().ReduceOnlyLimit {
		return c.exec.CloseLeg(ctx, leg)
	}
	log := c.log.With(zap.String("exchange", leg.Conn.Exchange()), zap.String("symbol", leg.Symbol), zap.String("leg", leg.Name))
	pos, err := leg.Conn.Position(ctx, leg.Symbol)
	if err != nil || pos.IsFlat() || pos.MarkPrice <= 0 {
		return c.exec.CloseLeg(ctx, leg)
	}
	side := pos.Direction().CloseSide()
	qty := pos.AbsSize()
	price := limitPrice(pos.MarkPrice, side, c.opts.LimitOffsetBps)
	ack, err := limiter.PlaceLimitOrder(ctx, connector.LimitOrder{
		Symbol:     leg.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		if connector.IsNoPosition(err) {
			return alreadyClosed(Result{Leg: leg.Name, Exchange: leg.Conn.Exchange(), Symbol: leg.Symbol})
		}
		log.Warn("reduce-only limit rejected, using safe close", zap.Error(err))
		return c.exec.CloseLeg(ctx, leg)
	}
	res := Result{Leg: leg.Name, Exchange: leg.Conn.Exchange(), Symbol: leg.Symbol, Quantity: qty}
	if ack.FilledQty >= qty {
		return filled(res, MethodReduceOnlyLimit, ack, price)
	}
	if c.waitFlat(ctx, leg) {
		return filled(res, MethodReduceOnlyLimit, ack, price)
	}
	if err := limiter.CancelOrder(ctx, ack.OrderID, leg.Symbol); err != nil {
		log.Warn("cancel unfilled limit failed", zap.String("order_id", ack.OrderID), zap.Error(err))
	}
	log.Info("limit close timed out, falling back to safe close", zap.Duration("timeout", c.opts.LimitTimeout))
	return c.exec.CloseLeg(ctx, leg)
}

func (c *Closer) waitFlat(ctx context.Context, leg Leg) bool {
	deadline := time.NewTimer(c.opts.LimitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.LimitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			pos, err := leg.Conn.Position(ctx, leg.Symbol)
			if err == nil && pos.IsFlat() {
				return true
			}
			if err != nil && connector.IsNoPosition(err) {
				return true
			}
		}
	}
}

func limitPrice(mark float64, side connector.Side, offsetBps float64) float64 {
	offset := mark * offsetBps / 10000
	if side == connector.SideSell {
		return mark - offset
	}
	return mark + offset
}
