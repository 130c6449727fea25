package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-arb/internal/closer"
	"funding-arb/internal/connector"
	"funding-arb/internal/countdown"
	"funding-arb/internal/credentials"
	"funding-arb/internal/events"
	"funding-arb/internal/funding"
	"funding-arb/internal/history"
	"funding-arb/internal/pool"
	"funding-arb/internal/state/sqlite"
	"funding-arb/internal/subscription"
	"funding-arb/internal/tpsl"

	"go.uber.org/zap"
)

const symbol = "BTCUSDT"

type recordingHistory struct {
	mu   sync.Mutex
	rows []history.Cycle
}

func (r *recordingHistory) Enqueue(c history.Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, c)
}

func (r *recordingHistory) Rows() []history.Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Cycle(nil), r.rows...)
}

type harness struct {
	t       *testing.T
	eng     *Engine
	store   *sqlite.Store
	pool    *pool.Pool
	primary *connector.Paper
	hedge   *connector.Paper
	hist    *recordingHistory
}

func paperOptions(exchange string) connector.PaperOptions {
	caps := connector.FullCapabilities()
	caps.BalanceStream = false
	return connector.PaperOptions{Exchange: exchange, Capabilities: caps, Balance: 1000}
}

func newHarness(t *testing.T, primaryOpts, hedgeOpts connector.PaperOptions) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:       t,
		store:   store,
		primary: connector.NewPaper(primaryOpts),
		hedge:   connector.NewPaper(hedgeOpts),
		hist:    &recordingHistory{},
	}
	h.primary.SetPrice(symbol, 50000)
	h.hedge.SetPrice(symbol, 50010)

	reg := connector.NewRegistry(nil)
	reg.Register("bybit", func(connector.Credential, *zap.Logger) (connector.Connector, error) { return h.primary, nil })
	reg.Register("okx", func(connector.Credential, *zap.Logger) (connector.Connector, error) { return h.hedge, nil })
	creds, err := credentials.NewStatic(nil, nil)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	creds.Put(connector.Credential{ID: "cred-a", UserID: "u1", Exchange: "bybit", APIKey: "k"})
	creds.Put(connector.Credential{ID: "cred-b", UserID: "u1", Exchange: "okx", APIKey: "k"})
	h.pool = pool.New(creds, reg, pool.Options{}, nil, nil)

	exec := closer.NewExecutor(nil, nil)
	cl := closer.New(exec, closer.Options{LimitTimeout: 50 * time.Millisecond, LimitPollInterval: 5 * time.Millisecond}, nil)
	eng, err := New(Deps{
		Store:     store,
		Pool:      h.pool,
		Countdown: countdown.New(countdown.Options{PollInterval: 10 * time.Millisecond}, nil),
		Closer:    cl,
		Detector:  funding.NewDetector(funding.Options{Lead: 20 * time.Millisecond, Fallback: time.Second, NoFeedDelay: 30 * time.Millisecond}, nil, nil),
		TPSL:      tpsl.NewManager(tpsl.Options{PollInterval: 10 * time.Millisecond, MaxHold: 5 * time.Second}, exec, cl, nil),
		Events:    events.NewBus(1024, nil),
		History:   h.hist,
	}, Options{EntryPriceAttempts: 3, EntryPriceBackoff: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) start() <-chan events.Event {
	h.t.Helper()
	ch, unsubscribe := h.eng.Events()
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.eng.Start(ctx); err != nil {
		h.t.Fatalf("start engine: %v", err)
	}
	h.t.Cleanup(func() {
		cancel()
		h.eng.Shutdown()
		unsubscribe()
		_ = h.pool.Close()
	})
	return ch
}

// waitStatus polls the store until id reaches want and no task runs for it.
func (h *harness) waitStatus(id string, want subscription.Status) *subscription.Subscription {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sub, err := h.store.Get(context.Background(), id)
		if err == nil && sub.Status == want && !h.eng.Running(id) {
			return sub
		}
		if time.Now().After(deadline) {
			status := subscription.Status("")
			if sub != nil {
				status = sub.Status
			}
			h.t.Fatalf("subscription %s did not reach %s, last status %q err %v", id, want, status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hedgedRequest(fundingIn time.Duration) subscription.Request {
	return subscription.Request{
		UserID:            "u1",
		Symbol:            symbol,
		FundingRate:       0.0003,
		FundingAt:         time.Now().Add(fundingIn),
		Direction:         connector.Long,
		Quantity:          0.01,
		Mode:              subscription.Hedged,
		ExecutionDelay:    time.Second,
		PrimaryCredential: "cred-a",
		HedgeCredential:   "cred-b",
	}
}

func singleRequest(fundingIn time.Duration) subscription.Request {
	req := hedgedRequest(fundingIn)
	req.Mode = subscription.NonHedged
	req.HedgeCredential = ""
	return req
}

// waitFor reads lifecycle events until one of types arrives and returns it
// with the non-countdown types seen on the way.
func waitFor(t *testing.T, ch <-chan events.Event, types ...events.Type) (events.Event, []events.Type) {
	t.Helper()
	var seen []events.Type
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed, saw %v", seen)
			}
			if ev.Type == events.Countdown {
				continue
			}
			seen = append(seen, ev.Type)
			for _, typ := range types {
				if ev.Type == typ {
					return ev, seen
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, saw %v", types, seen)
		}
	}
}

func contains(types []events.Type, want events.Type) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func flat(t *testing.T, p *connector.Paper) bool {
	t.Helper()
	pos, err := p.Position(context.Background(), symbol)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return pos.IsFlat()
}

func TestHedgedCycleCompletes(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(150*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, seen := waitFor(t, ch, events.CycleCompleted, events.Error)
	want := []events.Type{events.OrderExecuting, events.OrderExecuted, events.HedgeExecuting, events.HedgeExecuted, events.Closing, events.CycleCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, seen)
		}
	}

	got := h.waitStatus(sub.ID, subscription.StatusCompleted)
	if got.Primary.EntryPrice != 50000 || got.Hedge.EntryPrice != 50010 {
		t.Fatalf("unexpected entries primary=%f hedge=%f", got.Primary.EntryPrice, got.Hedge.EntryPrice)
	}
	if got.Primary.Exchange != "bybit" || got.Hedge.Exchange != "okx" {
		t.Fatalf("unexpected exchanges %s/%s", got.Primary.Exchange, got.Hedge.Exchange)
	}
	if got.Primary.ExitPrice <= 0 || got.Hedge.ExitPrice <= 0 {
		t.Fatalf("expected exit prices, got %f/%f", got.Primary.ExitPrice, got.Hedge.ExitPrice)
	}
	if math.Abs(got.ExpectedFunding-0.15) > 1e-9 {
		t.Fatalf("expected funding 0.15, got %f", got.ExpectedFunding)
	}
	pnl := tpsl.ComputePnL([]tpsl.Fill{
		{Direction: connector.Long, Entry: 50000, Exit: got.Primary.ExitPrice, Quantity: 0.01},
		{Direction: connector.Short, Entry: 50010, Exit: got.Hedge.ExitPrice, Quantity: 0.01},
	}, got.ExpectedFunding, defaultFeeRate)
	if got.Cycles != 1 || math.Abs(got.RealizedPnL-pnl.Realized) > 1e-9 {
		t.Fatalf("expected one booked cycle with pnl %f, got cycles=%d pnl=%f", pnl.Realized, got.Cycles, got.RealizedPnL)
	}
	if !flat(t, h.primary) || !flat(t, h.hedge) {
		t.Fatalf("expected both legs flat")
	}
	if h.primary.CallCount(connector.OpMarketOrder) != 1 || h.hedge.CallCount(connector.OpMarketOrder) != 1 {
		t.Fatalf("expected one market order per leg")
	}
	rows := h.hist.Rows()
	if len(rows) != 1 || rows[0].Reason != "funding_no_feed" || rows[0].CloseStrategy != string(closer.Hybrid) {
		t.Fatalf("unexpected history rows %+v", rows)
	}
	for _, st := range h.pool.Stats() {
		if len(st.Dependents) != 0 {
			t.Fatalf("expected pool references released, got %v", st.Dependents)
		}
	}
}

func TestExecuteNowRejectsReentry(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	req := hedgedRequest(300 * time.Millisecond)
	req.ExecutionDelay = 50 * time.Millisecond
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.eng.ExecuteNow(sub.ID); err != nil {
		t.Fatalf("execute now: %v", err)
	}
	if err := h.eng.ExecuteNow(sub.ID); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("expected already executing, got %v", err)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	h.waitStatus(sub.ID, subscription.StatusCompleted)
	if n := h.primary.CallCount(connector.OpMarketOrder); n != 1 {
		t.Fatalf("expected a single primary order, got %d", n)
	}
	if err := h.eng.ExecuteNow(sub.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err := h.eng.ExecuteNow("missing"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHedgeFailureRollsBackPrimaryOnce(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.hedge.Fail(connector.OpMarketOrder, errors.New("insufficient margin"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(100*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, seen := waitFor(t, ch, events.Error, events.CycleCompleted)
	if contains(seen, events.Critical) || contains(seen, events.CycleCompleted) {
		t.Fatalf("expected a non-critical error, saw %v", seen)
	}
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if got.Critical || !strings.Contains(got.LastError, "rolled back") {
		t.Fatalf("unexpected failure state critical=%v err=%q", got.Critical, got.LastError)
	}
	if n := h.primary.CallCount(connector.OpReduceOnly); n != 1 {
		t.Fatalf("expected exactly one reduce-only close, got %d", n)
	}
	if n := h.primary.CallCount(connector.OpClosePosition); n != 0 {
		t.Fatalf("expected no native close, got %d", n)
	}
	if n := h.hedge.CallCount(connector.OpMarketOrder); n != 1 {
		t.Fatalf("expected one hedge attempt, got %d", n)
	}
	if !flat(t, h.primary) {
		t.Fatalf("expected primary rolled back")
	}
}

func TestRollbackFailureIsCritical(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.hedge.Fail(connector.OpMarketOrder, errors.New("insufficient margin"))
	h.primary.Fail(connector.OpReduceOnly, errors.New("internal server error"))
	h.primary.Fail(connector.OpClosePosition, errors.New("internal server error"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(100*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev, _ := waitFor(t, ch, events.Critical, events.CycleCompleted)
	if ev.Type != events.Critical || !strings.Contains(ev.Message, "CRITICAL") {
		t.Fatalf("expected critical event, got %+v", ev)
	}
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if !got.Critical {
		t.Fatalf("expected critical flag")
	}
	quiet := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.Error {
				t.Fatalf("critical failure also emitted an error event: %+v", ev)
			}
		case <-quiet:
			break drain
		}
	}
	if flat(t, h.primary) {
		t.Fatalf("expected primary still exposed")
	}
	if h.primary.CallCount(connector.OpReduceOnly) != 1 || h.primary.CallCount(connector.OpClosePosition) != 1 {
		t.Fatalf("expected one pass through the close chain, calls %v", h.primary.Calls())
	}
}

func TestCriticalFailureBlocksRelaunchUntilAcknowledged(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.hedge.Fail(connector.OpMarketOrder, errors.New("insufficient margin"))
	h.primary.Fail(connector.OpReduceOnly, errors.New("internal server error"))
	h.primary.Fail(connector.OpClosePosition, errors.New("internal server error"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(100*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.Critical, events.CycleCompleted)
	h.waitStatus(sub.ID, subscription.StatusError)

	if err := h.eng.ExecuteNow(sub.ID); !errors.Is(err, ErrNeedsIntervention) {
		t.Fatalf("expected relaunch to be refused, got %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.primary.CallCount(connector.OpMarketOrder); n != 1 {
		t.Fatalf("expected no new primary order on top of the exposed leg, got %d", n)
	}

	var ce *CloseError
	if _, err := h.eng.Acknowledge(context.Background(), sub.ID); !errors.As(err, &ce) || len(ce.Residual) != 1 || ce.Residual[0] != "primary:bybit" {
		t.Fatalf("expected acknowledgement refused with open primary, got %v", err)
	}
	if got, _ := h.eng.Subscription(sub.ID); !got.Critical {
		t.Fatalf("expected critical flag kept while a leg is open")
	}

	h.primary.Fail(connector.OpReduceOnly, nil)
	got, err := h.eng.Acknowledge(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got.Critical || got.Status != subscription.StatusError || !flat(t, h.primary) {
		t.Fatalf("expected flat primary and cleared flag, got %+v", got)
	}
	if h.primary.CallCount(connector.OpMarketOrder) != 1 {
		t.Fatalf("acknowledgement must never open exposure, calls %v", h.primary.Calls())
	}
	stored, err := h.store.Get(context.Background(), sub.ID)
	if err != nil || stored.Critical {
		t.Fatalf("expected acknowledgement persisted, got %+v err %v", stored, err)
	}
}

func TestShutdownDuringHedgeWaitRollsBack(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	req := hedgedRequest(3 * time.Second)
	req.ExecutionDelay = 5 * time.Second
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.OrderExecuted)
	h.eng.Shutdown()
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if !strings.Contains(got.LastError, "interrupted before hedge") {
		t.Fatalf("unexpected error %q", got.LastError)
	}
	if !flat(t, h.primary) {
		t.Fatalf("expected primary rolled back on shutdown")
	}
	if h.hedge.CallCount(connector.OpMarketOrder) != 0 {
		t.Fatalf("expected no hedge order")
	}
}

func TestLeverageConflictIsFatal(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.primary.Fail(connector.OpSetLeverage, connector.ErrPositionConflict)
	ch := h.start()
	req := hedgedRequest(100 * time.Millisecond)
	req.Leverage = 5
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.Error, events.CycleCompleted)
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if !strings.Contains(got.LastError, "leverage") {
		t.Fatalf("expected leverage error, got %q", got.LastError)
	}
	if h.primary.CallCount(connector.OpMarketOrder)+h.hedge.CallCount(connector.OpMarketOrder) != 0 {
		t.Fatalf("expected no orders after a leverage conflict")
	}
}

func TestTransientLeverageErrorProceeds(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.hedge.Fail(connector.OpSetLeverage, connector.ErrRateLimited)
	ch := h.start()
	req := hedgedRequest(100 * time.Millisecond)
	req.Leverage = 5
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	h.waitStatus(sub.ID, subscription.StatusCompleted)
	if h.primary.Leverage(symbol) != 5 {
		t.Fatalf("expected primary leverage 5, got %d", h.primary.Leverage(symbol))
	}
}

func TestMarginSizingEqualNotional(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.hedge.SetPrice(symbol, 40000)
	ch := h.start()
	req := hedgedRequest(100 * time.Millisecond)
	req.Quantity = 0
	req.Margin = 100
	req.Leverage = 10
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	got := h.waitStatus(sub.ID, subscription.StatusCompleted)
	if math.Abs(got.Primary.Quantity-0.02) > 1e-12 || math.Abs(got.Hedge.Quantity-0.025) > 1e-12 {
		t.Fatalf("unexpected sizing primary=%f hedge=%f", got.Primary.Quantity, got.Hedge.Quantity)
	}
	if h.primary.Leverage(symbol) != 10 || h.hedge.Leverage(symbol) != 10 {
		t.Fatalf("expected leverage synced on both legs")
	}
}

func TestEntryPriceFromPositionPolling(t *testing.T) {
	opts := paperOptions("bybit")
	opts.OmitAckPrice = true
	h := newHarness(t, opts, paperOptions("okx"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(100*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev, _ := waitFor(t, ch, events.OrderExecuted, events.Error)
	if ev.Type != events.OrderExecuted || ev.Data["entry_price"] != 50000.0 {
		t.Fatalf("expected entry from position, got %+v", ev)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	h.waitStatus(sub.ID, subscription.StatusCompleted)
}

func TestFundingDetectionClosesEarly(t *testing.T) {
	primary := paperOptions("bybit")
	primary.Capabilities.BalanceStream = true
	h := newHarness(t, primary, paperOptions("okx"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(150*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.HedgeExecuted)
	time.Sleep(50 * time.Millisecond)
	h.primary.CreditFunding(0.2)

	closing, _ := waitFor(t, ch, events.Closing, events.Error)
	if closing.Data["trigger"] != string(funding.TriggerDetected) {
		t.Fatalf("expected detected trigger, got %+v", closing.Data)
	}
	done, _ := waitFor(t, ch, events.CycleCompleted, events.Error)
	earned, _ := done.Data["funding"].(float64)
	if math.Abs(earned-0.2) > 1e-6 {
		t.Fatalf("expected detected funding 0.2, got %v", done.Data["funding"])
	}
	h.waitStatus(sub.ID, subscription.StatusCompleted)
}

func TestFundingCreditedBeforeHedgeIsDetected(t *testing.T) {
	primary := paperOptions("bybit")
	primary.Capabilities.BalanceStream = true
	hedge := paperOptions("okx")
	hedge.Latency = 100 * time.Millisecond
	h := newHarness(t, primary, hedge)
	ch := h.start()
	req := hedgedRequest(400 * time.Millisecond)
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, seen := waitFor(t, ch, events.OrderExecuted, events.Error)
	if !contains(seen, events.OrderExecuted) {
		t.Fatalf("primary did not open, saw %v", seen)
	}
	time.Sleep(time.Until(req.FundingAt))
	h.primary.CreditFunding(0.2)

	closing, seen := waitFor(t, ch, events.Closing, events.Error, events.Critical)
	if !contains(seen, events.HedgeExecuted) {
		t.Fatalf("expected hedge opened before closing, saw %v", seen)
	}
	if closing.Data["trigger"] != string(funding.TriggerDetected) {
		t.Fatalf("expected credit at funding time to be detected, got %+v", closing)
	}
	done, _ := waitFor(t, ch, events.CycleCompleted, events.Error, events.Critical)
	earned, _ := done.Data["funding"].(float64)
	if math.Abs(earned-0.2) > 1e-6 {
		t.Fatalf("expected detected funding 0.2, got %v", done.Data["funding"])
	}
	h.waitStatus(sub.ID, subscription.StatusCompleted)
}

func TestTakeProfitClosesCounterpart(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	req := hedgedRequest(100 * time.Millisecond)
	req.TakeProfitPct = 0.5
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.HedgeExecuted)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, ok := h.primary.Stop(symbol); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("primary stop never placed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.primary.SetPrice(symbol, 50300)

	closing, _ := waitFor(t, ch, events.Closing, events.Error)
	if closing.Message != string(tpsl.ReasonTakeProfit) {
		t.Fatalf("expected take profit exit, got %+v", closing)
	}
	got := h.waitStatus(sub.ID, subscription.StatusCompleted)
	if math.Abs(got.Primary.ExitPrice-50250) > 1e-6 {
		t.Fatalf("expected primary exit at take profit, got %f", got.Primary.ExitPrice)
	}
	if got.Hedge.ExitPrice != 50010 {
		t.Fatalf("expected hedge closed at mark, got %f", got.Hedge.ExitPrice)
	}
	if !flat(t, h.hedge) || h.hedge.CallCount(connector.OpReduceOnly) != 1 {
		t.Fatalf("expected hedge flattened once after the take profit")
	}
}

func TestSoftwareStopLoss(t *testing.T) {
	opts := paperOptions("bybit")
	opts.Capabilities.TradingStop = false
	h := newHarness(t, opts, paperOptions("okx"))
	ch := h.start()
	req := singleRequest(200 * time.Millisecond)
	req.StopLossPct = 1
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.OrderExecuted)
	h.primary.SetPrice(symbol, 49400)
	closing, _ := waitFor(t, ch, events.Closing, events.Error)
	if closing.Message != string(tpsl.ReasonStopLoss) {
		t.Fatalf("expected stop loss exit, got %+v", closing)
	}
	got := h.waitStatus(sub.ID, subscription.StatusCompleted)
	if got.Primary.ExitPrice != 49400 || got.Primary.StopLoss != 49500 {
		t.Fatalf("unexpected exit %f stop %f", got.Primary.ExitPrice, got.Primary.StopLoss)
	}
	if got.RealizedPnL >= 0 {
		t.Fatalf("expected a loss, got %f", got.RealizedPnL)
	}
}

func TestCloseFailureNamesResidualLeg(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	for _, op := range []string{connector.OpLimitOrder, connector.OpReduceOnly, connector.OpClosePosition} {
		h.primary.Fail(op, errors.New("internal server error"))
	}
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(100*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.Critical, events.CycleCompleted)
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if !got.Critical || !strings.Contains(got.LastError, "primary:bybit") {
		t.Fatalf("expected residual primary leg, got critical=%v err=%q", got.Critical, got.LastError)
	}
	if strings.Contains(got.LastError, "hedge:okx") {
		t.Fatalf("hedge leg should have closed: %q", got.LastError)
	}
	if !flat(t, h.hedge) || flat(t, h.primary) {
		t.Fatalf("expected only the primary left open")
	}
}

func TestRecurringSubscriptionRearms(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	req := hedgedRequest(100 * time.Millisecond)
	req.Recurring = true
	req.FundingInterval = time.Hour
	sub, err := h.eng.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	got := h.waitStatus(sub.ID, subscription.StatusActive)
	if !got.FundingAt.Equal(sub.FundingAt.Add(time.Hour)) {
		t.Fatalf("expected next funding %s, got %s", sub.FundingAt.Add(time.Hour), got.FundingAt)
	}
	if got.Cycles != 1 || got.Primary.EntryPrice != 0 || got.ExpectedFunding != 0 {
		t.Fatalf("expected cycle state reset with one booked cycle: %+v", got)
	}
	if !h.eng.countdown.Scheduled(sub.ID) {
		t.Fatalf("expected countdown re-armed")
	}
}

func TestMissedFundingExpires(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(-2*time.Minute))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.Error)
	got := h.waitStatus(sub.ID, subscription.StatusError)
	if got.Critical || !strings.Contains(got.LastError, "without execution") {
		t.Fatalf("unexpected expiry state critical=%v err=%q", got.Critical, got.LastError)
	}
	if h.primary.CallCount(connector.OpMarketOrder) != 0 {
		t.Fatalf("expected no orders for an expired subscription")
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.start()
	ctx := context.Background()
	sub, err := h.eng.Subscribe(ctx, hedgedRequest(time.Hour))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.eng.Unsubscribe(ctx, sub.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if h.eng.countdown.Scheduled(sub.ID) {
		t.Fatalf("expected countdown cancelled")
	}
	if _, err := h.eng.Subscription(sub.ID); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected subscription dropped from index, got %v", err)
	}
	stored, err := h.store.Get(ctx, sub.ID)
	if err != nil || stored.Status != subscription.StatusCancelled {
		t.Fatalf("expected cancelled record, got %+v err %v", stored, err)
	}
	if err := h.eng.Unsubscribe(ctx, sub.ID); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected not found on second unsubscribe, got %v", err)
	}
}

func TestUnsubscribeDuringCycleCancelsAfterClose(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	ch := h.start()
	sub, err := h.eng.Subscribe(context.Background(), hedgedRequest(200*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, ch, events.OrderExecuted)
	if err := h.eng.Unsubscribe(context.Background(), sub.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, ch, events.CycleCompleted, events.Error)
	h.waitStatus(sub.ID, subscription.StatusCancelled)
	if !flat(t, h.primary) || !flat(t, h.hedge) {
		t.Fatalf("expected legs closed before cancelling")
	}
	if _, err := h.eng.Subscription(sub.ID); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected withdrawn subscription removed from index")
	}
}

func TestSubscribeWithCredentials(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.start()
	ctx := context.Background()
	req := hedgedRequest(time.Hour)
	req.HedgeCredential = "missing"
	if _, err := h.eng.SubscribeWithCredentials(ctx, req); !errors.Is(err, subscription.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	stored, err := h.store.FindByStatus(ctx, []subscription.Status{subscription.StatusActive}, "")
	if err != nil || len(stored) != 0 {
		t.Fatalf("expected nothing stored, got %d err %v", len(stored), err)
	}

	sub, err := h.eng.SubscribeWithCredentials(ctx, hedgedRequest(time.Hour))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Primary.Exchange != "bybit" || sub.Hedge.Exchange != "okx" {
		t.Fatalf("expected exchanges resolved, got %s/%s", sub.Primary.Exchange, sub.Hedge.Exchange)
	}
	referenced := 0
	for _, st := range h.pool.Stats() {
		for _, dep := range st.Dependents {
			if dep == sub.ID {
				referenced++
			}
		}
	}
	if referenced != 2 {
		t.Fatalf("expected both pooled connectors to reference the subscription, got %d", referenced)
	}
}

func TestSubscribeBeforeStart(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	if _, err := h.eng.Subscribe(context.Background(), hedgedRequest(time.Hour)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
}

func seed(t *testing.T, store *sqlite.Store, id string, req subscription.Request, status subscription.Status, mutate func(*subscription.Subscription)) {
	t.Helper()
	sub := subscription.New(id, req, time.Now())
	sub.Status = status
	if mutate != nil {
		mutate(sub)
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRestoreOnStart(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	seed(t, h.store, "armed", hedgedRequest(time.Hour), subscription.StatusActive, nil)

	stale := hedgedRequest(-time.Hour)
	stale.Symbol = "ETHUSDT"
	seed(t, h.store, "stale", stale, subscription.StatusExecuting, func(s *subscription.Subscription) {
		s.Primary.EntryPrice = 3000
		s.Hedge.EntryPrice = 3001
	})

	h.primary.SetPosition(symbol, 0.01, 50000)
	h.hedge.SetPosition(symbol, -0.01, 50010)
	seed(t, h.store, "live", hedgedRequest(-time.Second), subscription.StatusExecuting, func(s *subscription.Subscription) {
		s.Primary.EntryPrice = 50000
		s.Hedge.EntryPrice = 50010
		s.ExpectedFunding = 0.15
	})
	seed(t, h.store, "done", hedgedRequest(-time.Hour), subscription.StatusCompleted, nil)

	h.start()
	if !h.eng.countdown.Scheduled("armed") {
		t.Fatalf("expected active subscription re-armed")
	}
	got := h.waitStatus("stale", subscription.StatusError)
	if !got.Critical || !strings.Contains(got.LastError, "check positions") {
		t.Fatalf("expected stale cycle flagged critical, got %+v", got)
	}
	live := h.waitStatus("live", subscription.StatusCompleted)
	if live.Cycles != 1 || live.Primary.ExitPrice <= 0 {
		t.Fatalf("expected resumed cycle settled, got %+v", live)
	}
	if !flat(t, h.primary) || !flat(t, h.hedge) {
		t.Fatalf("expected resumed legs closed")
	}
	if _, err := h.eng.Subscription("done"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("completed subscriptions should not be indexed")
	}
}

func TestRestoreResumesWithinExecutingExpiry(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	h.primary.SetPosition(symbol, 0.01, 50000)
	h.hedge.SetPosition(symbol, -0.01, 50010)
	// Past the one-minute active grace but inside the ten-minute executing expiry.
	seed(t, h.store, "late", hedgedRequest(-5*time.Minute), subscription.StatusExecuting, func(s *subscription.Subscription) {
		s.Primary.EntryPrice = 50000
		s.Hedge.EntryPrice = 50010
		s.ExpectedFunding = 0.15
	})

	h.start()
	got := h.waitStatus("late", subscription.StatusCompleted)
	if got.Critical || got.Cycles != 1 {
		t.Fatalf("expected interrupted cycle resumed, got %+v", got)
	}
	if !flat(t, h.primary) || !flat(t, h.hedge) {
		t.Fatalf("expected resumed legs closed")
	}
}

func TestSweepTerminal(t *testing.T) {
	h := newHarness(t, paperOptions("bybit"), paperOptions("okx"))
	seed(t, h.store, "failed", hedgedRequest(time.Hour), subscription.StatusError, func(s *subscription.Subscription) {
		s.UpdatedAt = time.Now()
	})
	seed(t, h.store, "armed", hedgedRequest(time.Hour), subscription.StatusActive, nil)
	h.start()
	if n := h.eng.sweepTerminal(time.Now()); n != 0 {
		t.Fatalf("expected nothing swept inside retention, got %d", n)
	}
	if n := h.eng.sweepTerminal(time.Now().Add(25 * time.Hour)); n != 1 {
		t.Fatalf("expected one aged subscription swept, got %d", n)
	}
	if _, err := h.eng.Subscription("failed"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected failed subscription removed from index")
	}
	if _, err := h.eng.Subscription("armed"); err != nil {
		t.Fatalf("active subscription should stay indexed: %v", err)
	}
	if list := h.eng.Subscriptions(); len(list) != 1 || list[0].ID != "armed" {
		t.Fatalf("unexpected index %+v", list)
	}
}

func TestNextFunding(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{now: base.Add(time.Minute), want: base.Add(8 * time.Hour)},
		{now: base.Add(8 * time.Hour), want: base.Add(16 * time.Hour)},
		{now: base.Add(20 * time.Hour), want: base.Add(24 * time.Hour)},
	}
	for _, tc := range cases {
		if got := nextFunding(base, 8*time.Hour, tc.now); !got.Equal(tc.want) {
			t.Fatalf("now %s: expected %s, got %s", tc.now, tc.want, got)
		}
	}
	if got := nextFunding(base, 0, base); !got.Equal(base.Add(subscription.DefaultFundingInterval)) {
		t.Fatalf("expected default interval, got %s", got)
	}
}
