package closer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding-arb/internal/connector"
	"funding-arb/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Method string

const (
	MethodReduceOnly      Method = "reduce-only-order"
	MethodNativeClose     Method = "native-close-api"
	MethodAlreadyClosed   Method = "already-closed"
	MethodReduceOnlyLimit Method = "reduce-only-limit"
)

// Leg is one position to flatten. Conn is deliberately the narrow SafeCloser
// surface: nothing reachable from here can open a position.
type Leg struct {
	Name     string
	Conn     connector.SafeCloser
	Symbol   string
	Side     connector.Side
	Quantity float64
}

type Result struct {
	Leg       string
	Exchange  string
	Symbol    string
	Success   bool
	Method    Method
	FillPrice float64
	Quantity  float64
	Err       error
}

// FatalCloseError means every safe method failed and a position is still open.
type FatalCloseError struct {
	Exchange      string
	Symbol        string
	Side          connector.Side
	Quantity      float64
	ReduceOnlyErr error
	NativeErr     error
}

func (e *FatalCloseError) Error() string {
	return fmt.Sprintf("MANUAL INTERVENTION REQUIRED: %s position %s still open (close side %s, qty %g): reduce-only: %v; native close: %v",
		e.Exchange, e.Symbol, e.Side, e.Quantity, describe(e.ReduceOnlyErr), describe(e.NativeErr))
}

func (e *FatalCloseError) Unwrap() []error {
	var errs []error
	if e.ReduceOnlyErr != nil {
		errs = append(errs, e.ReduceOnlyErr)
	}
	if e.NativeErr != nil {
		errs = append(errs, e.NativeErr)
	}
	return errs
}

var errSkipped = errors.New("not supported")

func describe(err error) string {
	if err == nil {
		return "not attempted"
	}
	return err.Error()
}

type Executor struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewExecutor(m *metrics.Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log, metrics: metrics.OrNoop(m)}
}

// CloseLeg flattens the live position with a reduce-only order, falling back
// to the exchange's native close. A flat position places no order.
func (e *Executor) CloseLeg(ctx context.Context, leg Leg) Result {
	res := Result{Leg: leg.Name, Exchange: leg.Conn.Exchange(), Symbol: leg.Symbol}
	log := e.log.With(zap.String("exchange", res.Exchange), zap.String("symbol", leg.Symbol), zap.String("leg", leg.Name))

	side, qty, mark := leg.Side, leg.Quantity, 0.0
	pos, err := leg.Conn.Position(ctx, leg.Symbol)
	switch {
	case err != nil && connector.IsNoPosition(err):
		return alreadyClosed(res)
	case err != nil:
		log.Warn("position check failed, closing requested size", zap.Error(err))
	case pos.IsFlat():
		return alreadyClosed(res)
	default:
		liveSide := pos.Direction().CloseSide()
		if side != "" && side != liveSide {
			log.Warn("live position side differs from requested close", zap.String("requested", string(side)), zap.String("live", string(liveSide)))
		}
		side, qty, mark = liveSide, pos.AbsSize(), pos.MarkPrice
	}
	res.Quantity = qty
	if qty <= 0 || side == "" {
		res.Err = fmt.Errorf("close %s %s: unknown position size", res.Exchange, leg.Symbol)
		return res
	}

	caps := leg.Conn.Capabilities()
	roErr := errSkipped
	if caps.ReduceOnly {
		ack, err := leg.Conn.PlaceReduceOnlyOrder(ctx, leg.Symbol, side, qty)
		switch {
		case err == nil:
			return filled(res, MethodReduceOnly, ack, mark)
		case connector.IsNoPosition(err):
			return alreadyClosed(res)
		case errors.Is(err, connector.ErrUnsupported):
			roErr = err
		default:
			roErr = err
			log.Warn("reduce-only close failed, trying native close", zap.Error(err))
		}
	}

	nativeErr := errSkipped
	if caps.NativeClose {
		if !errors.Is(roErr, errSkipped) && !errors.Is(roErr, connector.ErrUnsupported) {
			e.metrics.CloseFallbacks.Inc()
		}
		ack, err := leg.Conn.ClosePosition(ctx, leg.Symbol)
		switch {
		case err == nil:
			return filled(res, MethodNativeClose, ack, mark)
		case connector.IsNoPosition(err):
			return alreadyClosed(res)
		default:
			nativeErr = err
		}
	}

	fatal := &FatalCloseError{
		Exchange:      res.Exchange,
		Symbol:        leg.Symbol,
		Side:          side,
		Quantity:      qty,
		ReduceOnlyErr: roErr,
		NativeErr:     nativeErr,
	}
	e.metrics.CloseFailures.Inc()
	log.Error("all safe close methods failed", zap.Error(fatal))
	res.Err = fatal
	return res
}

func alreadyClosed(res Result) Result {
	res.Success = true
	res.Method = MethodAlreadyClosed
	return res
}

func filled(res Result, method Method, ack connector.OrderAck, mark float64) Result {
	res.Success = true
	res.Method = method
	res.FillPrice = ack.AvgPrice
	if res.FillPrice <= 0 {
		res.FillPrice = mark
	}
	return res
}

type Outcome struct {
	Strategy Strategy
	Legs     []Result
	Elapsed  time.Duration
}

func (o Outcome) FullyClosed() bool {
	for _, leg := range o.Legs {
		if !leg.Success {
			return false
		}
	}
	return len(o.Legs) > 0
}

// Err joins the failures of every leg that is still open.
func (o Outcome) Err() error {
	var errs []error
	for _, leg := range o.Legs {
		if !leg.Success {
			errs = append(errs, fmt.Errorf("%s leg on %s: %w", leg.Leg, leg.Exchange, leg.Err))
		}
	}
	return errors.Join(errs...)
}

// Residual names the legs that failed to close.
func (o Outcome) Residual() []string {
	var out []string
	for _, leg := range o.Legs {
		if !leg.Success {
			out = append(out, fmt.Sprintf("%s:%s", leg.Leg, leg.Exchange))
		}
	}
	return out
}

// CloseAll closes every leg concurrently. A failing leg never cancels the
// others; each result is reported independently.
func (e *Executor) CloseAll(ctx context.Context, legs []Leg) Outcome {
	return runLegs(ctx, legs, e.CloseLeg)
}

func runLegs(ctx context.Context, legs []Leg, closeFn func(context.Context, Leg) Result) Outcome {
	start := time.Now()
	results := make([]Result, len(legs))
	var g errgroup.Group
	for i, leg := range legs {
		g.Go(func() error {
			results[i] = closeFn(ctx, leg)
			return nil
		})
	}
	_ = g.Wait()
	return Outcome{Legs: results, Elapsed: time.Since(start)}
}
