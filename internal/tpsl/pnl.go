package tpsl

import (
	"funding-arb/internal/connector"

	"github.com/shopspring/decimal"
)

type Fill struct {
	Direction connector.Direction
	Entry     float64
	Exit      float64
	Quantity  float64
}

type PnL struct {
	Trade    float64
	Fees     float64
	Funding  float64
	Realized float64
}

// ComputePnL charges round-trip fees on entry notional for every leg and adds
// the funding earned over the cycle.
func ComputePnL(fills []Fill, funding, feeRate float64) PnL {
	trade := decimal.Zero
	fees := decimal.Zero
	rate := decimal.NewFromFloat(feeRate)
	for _, f := range fills {
		if f.Entry <= 0 || f.Quantity <= 0 {
			continue
		}
		entry := decimal.NewFromFloat(f.Entry)
		qty := decimal.NewFromFloat(f.Quantity)
		if f.Exit > 0 {
			move := decimal.NewFromFloat(f.Exit).Sub(entry)
			if f.Direction == connector.Short {
				move = move.Neg()
			}
			trade = trade.Add(move.Mul(qty))
		}
		fees = fees.Add(entry.Mul(qty).Mul(rate).Mul(two))
	}
	fund := decimal.NewFromFloat(funding)
	return PnL{
		Trade:    trade.InexactFloat64(),
		Fees:     fees.InexactFloat64(),
		Funding:  funding,
		Realized: trade.Add(fund).Sub(fees).InexactFloat64(),
	}
}
