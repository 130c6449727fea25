package tpsl

import (
	"funding-arb/internal/connector"
	"funding-arb/internal/subscription"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Levels are absolute trigger prices; zero means unset.
type Levels struct {
	TakeProfit float64
	StopLoss   float64
}

func (l Levels) Empty() bool {
	return l.TakeProfit <= 0 && l.StopLoss <= 0
}

type LevelInput struct {
	Mode      subscription.TPSLMode
	Direction connector.Direction
	Entry     float64
	Quantity  float64
	// ExpectedFunding is used by funding_percent mode.
	ExpectedFunding float64
	TakeProfitPct   float64
	StopLossPct     float64
}

// Compute converts percentage distances into prices for one leg. Long legs
// profit above entry and stop below it; short legs are inverted.
func Compute(in LevelInput) Levels {
	if in.Entry <= 0 {
		return Levels{}
	}
	entry := decimal.NewFromFloat(in.Entry)
	var tpDist, slDist decimal.Decimal
	switch in.Mode {
	case subscription.TPSLFundingPercent:
		if in.Quantity <= 0 || in.ExpectedFunding <= 0 {
			return Levels{}
		}
		perUnit := decimal.NewFromFloat(in.ExpectedFunding).Div(decimal.NewFromFloat(in.Quantity))
		tpDist = perUnit.Mul(decimal.NewFromFloat(in.TakeProfitPct)).Div(hundred)
		slDist = perUnit.Mul(decimal.NewFromFloat(in.StopLossPct)).Div(hundred)
	default:
		tpDist = entry.Mul(decimal.NewFromFloat(in.TakeProfitPct)).Div(hundred)
		slDist = entry.Mul(decimal.NewFromFloat(in.StopLossPct)).Div(hundred)
	}
	sign := one
	if in.Direction == connector.Short {
		sign = one.Neg()
	}
	var out Levels
	if in.TakeProfitPct > 0 {
		out.TakeProfit = entry.Add(tpDist.Mul(sign)).InexactFloat64()
	}
	if in.StopLossPct > 0 {
		out.StopLoss = entry.Sub(slDist.Mul(sign)).InexactFloat64()
	}
	return out
}

// Crossed reports whether mark has reached a level for a position in dir.
func (l Levels) Crossed(dir connector.Direction, mark float64) (Reason, bool) {
	if mark <= 0 {
		return "", false
	}
	if dir == connector.Long {
		if l.TakeProfit > 0 && mark >= l.TakeProfit {
			return ReasonTakeProfit, true
		}
		if l.StopLoss > 0 && mark <= l.StopLoss {
			return ReasonStopLoss, true
		}
		return "", false
	}
	if l.TakeProfit > 0 && mark <= l.TakeProfit {
		return ReasonTakeProfit, true
	}
	if l.StopLoss > 0 && mark >= l.StopLoss {
		return ReasonStopLoss, true
	}
	return "", false
}

// Nearest infers which level filled from the last observed mark.
func (l Levels) Nearest(mark float64) (Reason, float64) {
	switch {
	case l.TakeProfit <= 0 && l.StopLoss <= 0:
		return ReasonClosed, mark
	case l.StopLoss <= 0:
		return ReasonTakeProfit, l.TakeProfit
	case l.TakeProfit <= 0:
		return ReasonStopLoss, l.StopLoss
	}
	m := decimal.NewFromFloat(mark)
	tpGap := m.Sub(decimal.NewFromFloat(l.TakeProfit)).Abs()
	slGap := m.Sub(decimal.NewFromFloat(l.StopLoss)).Abs()
	if tpGap.LessThanOrEqual(slGap) {
		return ReasonTakeProfit, l.TakeProfit
	}
	return ReasonStopLoss, l.StopLoss
}
