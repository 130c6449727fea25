package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	OpInitialize    = "Initialize"
	OpBalance       = "Balance"
	OpPosition      = "Position"
	OpMarkPrice     = "MarkPrice"
	OpMarketOrder   = "PlaceMarketOrder"
	OpLimitOrder    = "PlaceLimitOrder"
	OpReduceOnly    = "PlaceReduceOnlyOrder"
	OpClosePosition = "ClosePosition"
	OpCancelOrder   = "CancelOrder"
	OpSetLeverage   = "SetLeverage"
	OpTradingStop   = "SetTradingStop"
)

type PaperOptions struct {
	Exchange     string
	Capabilities Capabilities
	Balance      float64
	Latency      time.Duration
	// OmitAckPrice makes market order acks carry no fill price.
	OmitAckPrice bool
	// RestLimitOrders keeps limit orders resting instead of filling on cross.
	RestLimitOrders bool
}

func FullCapabilities() Capabilities {
	return Capabilities{
		ReduceOnly:      true,
		NativeClose:     true,
		LimitOrders:     true,
		ReduceOnlyLimit: true,
		TradingStop:     true,
		BalanceStream:   true,
	}
}

type paperStop struct {
	takeProfit float64
	stopLoss   float64
}

type restingOrder struct {
	order LimitOrder
}

// Paper is an in-memory connector that simulates a perpetual futures account.
// It backs sandbox runs and is the fake used across the package tests.
type Paper struct {
	opts PaperOptions

	mu        sync.Mutex
	balance   float64
	prices    map[string]float64
	positions map[string]Position
	leverage  map[string]int
	stops     map[string]paperStop
	resting   map[string]restingOrder
	failures  map[string]error
	calls     []string
	subs      []chan BalanceUpdate
	nextID    int
	closed    bool
}

func NewPaper(opts PaperOptions) *Paper {
	if opts.Exchange == "" {
		opts.Exchange = "paper"
	}
	return &Paper{
		opts:      opts,
		balance:   opts.Balance,
		prices:    make(map[string]float64),
		positions: make(map[string]Position),
		leverage:  make(map[string]int),
		stops:     make(map[string]paperStop),
		resting:   make(map[string]restingOrder),
		failures:  make(map[string]error),
	}
}

// PaperBuilder registers paper connectors under an exchange name.
func PaperBuilder(opts PaperOptions) Builder {
	return func(cred Credential, _ *zap.Logger) (Connector, error) {
		if cred.APIKey == "" {
			return nil, fmt.Errorf("%w: api key is empty", ErrInvalidCredential)
		}
		o := opts
		if o.Exchange == "" {
			o.Exchange = cred.Exchange
		}
		return NewPaper(o), nil
	}
}

func (p *Paper) Exchange() string {
	return p.opts.Exchange
}

func (p *Paper) Capabilities() Capabilities {
	return p.opts.Capabilities
}

func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	pos, ok := p.positions[symbol]
	if ok {
		pos.MarkPrice = price
		p.positions[symbol] = pos
	}
	stop, ok := p.stops[symbol]
	if !ok || pos.IsFlat() {
		return
	}
	if triggered(pos.Direction(), price, stop) {
		delete(p.positions, symbol)
		delete(p.stops, symbol)
	}
}

func triggered(dir Direction, price float64, stop paperStop) bool {
	if dir == Long {
		return (stop.takeProfit > 0 && price >= stop.takeProfit) || (stop.stopLoss > 0 && price <= stop.stopLoss)
	}
	return (stop.takeProfit > 0 && price <= stop.takeProfit) || (stop.stopLoss > 0 && price >= stop.stopLoss)
}

func (p *Paper) SetPosition(symbol string, size, entry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = Position{Symbol: symbol, Size: size, EntryPrice: entry, MarkPrice: p.prices[symbol]}
}

// Fail makes every later call of op return err until cleared with a nil err.
func (p *Paper) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// CreditFunding adds amount to the balance and pushes the new balance to feeds.
func (p *Paper) CreditFunding(amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += amount
	update := BalanceUpdate{Asset: "USDT", Balance: p.balance, Time: time.Now().UTC()}
	for _, ch := range p.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (p *Paper) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Paper) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.calls {
		if call == op {
			n++
		}
	}
	return n
}

func (p *Paper) Leverage(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leverage[symbol]
}

func (p *Paper) Stop(symbol string) (float64, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stop, ok := p.stops[symbol]
	return stop.takeProfit, stop.stopLoss, ok
}

func (p *Paper) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Paper) begin(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	err := p.failures[op]
	latency := p.opts.Latency
	p.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return &Error{Exchange: p.opts.Exchange, Op: op, Err: err}
	}
	return nil
}

func (p *Paper) unsupported(op string) error {
	return &Error{Exchange: p.opts.Exchange, Op: op, Err: ErrUnsupported}
}

func (p *Paper) Initialize(ctx context.Context) error {
	return p.begin(ctx, OpInitialize)
}

func (p *Paper) Balance(ctx context.Context) (float64, error) {
	if err := p.begin(ctx, OpBalance); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) Position(ctx context.Context, symbol string) (Position, error) {
	if err := p.begin(ctx, OpPosition); err != nil {
		return Position{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{Symbol: symbol, MarkPrice: p.prices[symbol], Leverage: p.leverage[symbol]}, nil
	}
	pos.Leverage = p.leverage[symbol]
	return pos, nil
}

func (p *Paper) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := p.begin(ctx, OpMarkPrice); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.prices[symbol]
	if price <= 0 {
		return 0, fmt.Errorf("no mark price for %s", symbol)
	}
	return price, nil
}

func (p *Paper) PlaceMarketOrder(ctx context.Context, order OrderRequest) (OrderAck, error) {
	if err := p.begin(ctx, OpMarketOrder); err != nil {
		return OrderAck{}, err
	}
	if order.Quantity <= 0 {
		return OrderAck{}, errors.New("order quantity must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.prices[order.Symbol]
	if price <= 0 {
		return OrderAck{}, fmt.Errorf("no mark price for %s", order.Symbol)
	}
	p.fillLocked(order.Symbol, order.Side, order.Quantity, price)
	if p.opts.Capabilities.AttachedTPSL && (order.TakeProfit > 0 || order.StopLoss > 0) {
		p.stops[order.Symbol] = paperStop{takeProfit: order.TakeProfit, stopLoss: order.StopLoss}
	}
	ack := OrderAck{OrderID: p.orderIDLocked(), FilledQty: order.Quantity}
	if !p.opts.OmitAckPrice {
		ack.AvgPrice = price
	}
	return ack, nil
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderAck, error) {
	if !p.opts.Capabilities.LimitOrders {
		return OrderAck{}, p.unsupported(OpLimitOrder)
	}
	if err := p.begin(ctx, OpLimitOrder); err != nil {
		return OrderAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qty := order.Quantity
	if order.ReduceOnly {
		var err error
		qty, err = p.reducibleLocked(order.Symbol, order.Side, qty)
		if err != nil {
			return OrderAck{}, err
		}
	}
	id := p.orderIDLocked()
	mark := p.prices[order.Symbol]
	crosses := (order.Side == SideBuy && order.Price >= mark) || (order.Side == SideSell && order.Price <= mark)
	if p.opts.RestLimitOrders || !crosses {
		p.resting[id] = restingOrder{order: order}
		return OrderAck{OrderID: id}, nil
	}
	p.fillLocked(order.Symbol, order.Side, qty, order.Price)
	return OrderAck{OrderID: id, AvgPrice: order.Price, FilledQty: qty}, nil
}

func (p *Paper) PlaceReduceOnlyOrder(ctx context.Context, symbol string, side Side, qty float64) (OrderAck, error) {
	if !p.opts.Capabilities.ReduceOnly {
		return OrderAck{}, p.unsupported(OpReduceOnly)
	}
	if err := p.begin(ctx, OpReduceOnly); err != nil {
		return OrderAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qty, err := p.reducibleLocked(symbol, side, qty)
	if err != nil {
		return OrderAck{}, err
	}
	price := p.prices[symbol]
	p.fillLocked(symbol, side, qty, price)
	return OrderAck{OrderID: p.orderIDLocked(), AvgPrice: price, FilledQty: qty}, nil
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string) (OrderAck, error) {
	if !p.opts.Capabilities.NativeClose {
		return OrderAck{}, p.unsupported(OpClosePosition)
	}
	if err := p.begin(ctx, OpClosePosition); err != nil {
		return OrderAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok || pos.IsFlat() {
		return OrderAck{}, &Error{Exchange: p.opts.Exchange, Op: OpClosePosition, Message: "no position to close"}
	}
	delete(p.positions, symbol)
	delete(p.stops, symbol)
	return OrderAck{OrderID: p.orderIDLocked(), AvgPrice: p.prices[symbol], FilledQty: pos.AbsSize()}, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := p.begin(ctx, OpCancelOrder); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resting[orderID]; !ok {
		return fmt.Errorf("order %s not found on %s", orderID, symbol)
	}
	delete(p.resting, orderID)
	return nil
}

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := p.begin(ctx, OpSetLeverage); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok && !pos.IsFlat() {
		return &Error{Exchange: p.opts.Exchange, Op: OpSetLeverage, Err: ErrPositionConflict}
	}
	p.leverage[symbol] = leverage
	return nil
}

func (p *Paper) SetTradingStop(ctx context.Context, stop TradingStop) error {
	if !p.opts.Capabilities.TradingStop {
		return p.unsupported(OpTradingStop)
	}
	if err := p.begin(ctx, OpTradingStop); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[stop.Symbol]; !ok || pos.IsFlat() {
		return &Error{Exchange: p.opts.Exchange, Op: OpTradingStop, Message: "position not found"}
	}
	p.stops[stop.Symbol] = paperStop{takeProfit: stop.TakeProfit, stopLoss: stop.StopLoss}
	return nil
}

func (p *Paper) SubscribeBalance(ctx context.Context) (<-chan BalanceUpdate, error) {
	if !p.opts.Capabilities.BalanceStream {
		return nil, p.unsupported("SubscribeBalance")
	}
	ch := make(chan BalanceUpdate, 16)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Paper) reducibleLocked(symbol string, side Side, qty float64) (float64, error) {
	pos, ok := p.positions[symbol]
	if !ok || pos.IsFlat() {
		return 0, &Error{Exchange: p.opts.Exchange, Op: OpReduceOnly, Message: "current position is zero, cannot fix reduce-only order qty"}
	}
	if pos.Direction().CloseSide() != side {
		return 0, &Error{Exchange: p.opts.Exchange, Op: OpReduceOnly, Message: "reduce-only order would increase position"}
	}
	return math.Min(qty, pos.AbsSize()), nil
}

func (p *Paper) fillLocked(symbol string, side Side, qty, price float64) {
	pos := p.positions[symbol]
	pos.Symbol = symbol
	delta := qty
	if side == SideSell {
		delta = -qty
	}
	next := pos.Size + delta
	switch {
	case math.Abs(next) <= flatEpsilon:
		delete(p.positions, symbol)
		delete(p.stops, symbol)
		return
	case pos.IsFlat() || (pos.Size > 0) != (next > 0):
		pos.EntryPrice = price
	case math.Abs(next) > math.Abs(pos.Size):
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.Size) + price*qty) / math.Abs(next)
	}
	pos.Size = next
	pos.MarkPrice = price
	p.positions[symbol] = pos
}

func (p *Paper) orderIDLocked() string {
	p.nextID++
	return p.opts.Exchange + "-" + strconv.Itoa(p.nextID)
}
