package connector

import (
	"context"
	"math"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// OpenSide is the order side that opens a position in this direction.
func (d Direction) OpenSide() Side {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// CloseSide is the order side that reduces a position in this direction.
func (d Direction) CloseSide() Side {
	return d.OpenSide().Opposite()
}

type Environment string

const (
	Live    Environment = "live"
	Sandbox Environment = "sandbox"
)

type Credential struct {
	ID         string
	UserID     string
	Exchange   string
	Env        Environment
	APIKey     string
	Secret     string
	Passphrase string
}

const flatEpsilon = 1e-9

// Position is signed: positive size is long, negative is short.
type Position struct {
	Symbol     string
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

func (p Position) IsFlat() bool {
	return math.Abs(p.Size) <= flatEpsilon
}

func (p Position) AbsSize() float64 {
	return math.Abs(p.Size)
}

func (p Position) Direction() Direction {
	if p.Size < 0 {
		return Short
	}
	return Long
}

type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	// TakeProfit and StopLoss are only honored by connectors with AttachedTPSL.
	TakeProfit float64
	StopLoss   float64
}

type LimitOrder struct {
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	ReduceOnly bool
}

type OrderAck struct {
	OrderID   string
	AvgPrice  float64
	FilledQty float64
}

type TradingStop struct {
	Symbol     string
	Direction  Direction
	TakeProfit float64
	StopLoss   float64
}

type BalanceUpdate struct {
	Asset   string
	Balance float64
	Time    time.Time
}

// Capabilities are resolved once when the connector is built.
type Capabilities struct {
	ReduceOnly      bool
	NativeClose     bool
	LimitOrders     bool
	ReduceOnlyLimit bool
	TradingStop     bool
	AttachedTPSL    bool
	BalanceStream   bool
	OrderStream     bool
}

// SafeCloser is the only surface the close path is given. It has no way to
// place an order that could open a position.
type SafeCloser interface {
	Exchange() string
	Capabilities() Capabilities
	Position(ctx context.Context, symbol string) (Position, error)
	PlaceReduceOnlyOrder(ctx context.Context, symbol string, side Side, qty float64) (OrderAck, error)
	ClosePosition(ctx context.Context, symbol string) (OrderAck, error)
}

// LimitCloser adds the reduce-only limit path used by the hybrid close.
type LimitCloser interface {
	SafeCloser
	PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
}

type Connector interface {
	LimitCloser
	Initialize(ctx context.Context) error
	Balance(ctx context.Context) (float64, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, order OrderRequest) (OrderAck, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetTradingStop(ctx context.Context, stop TradingStop) error
	Close() error
}

type BalanceStreamer interface {
	SubscribeBalance(ctx context.Context) (<-chan BalanceUpdate, error)
}

type CapabilityReporter interface {
	Capabilities() Capabilities
}

// BalanceFeed returns the push feed of c when it advertises one.
func BalanceFeed(c CapabilityReporter) (BalanceStreamer, bool) {
	if c == nil || !c.Capabilities().BalanceStream {
		return nil, false
	}
	streamer, ok := c.(BalanceStreamer)
	return streamer, ok
}
