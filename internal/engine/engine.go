package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-arb/internal/closer"
	"funding-arb/internal/connector"
	"funding-arb/internal/countdown"
	"funding-arb/internal/events"
	"funding-arb/internal/funding"
	"funding-arb/internal/history"
	"funding-arb/internal/metrics"
	"funding-arb/internal/subscription"
	"funding-arb/internal/tpsl"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultFeeRate           = 0.00055
	defaultTerminalRetention = 24 * time.Hour
	defaultJanitorInterval   = 10 * time.Minute
	persistTimeout           = 5 * time.Second
)

// ConnectorPool is the part of pool.Pool the engine uses.
type ConnectorPool interface {
	Acquire(ctx context.Context, userID, credentialID string) (connector.Connector, error)
	AddReference(userID, credentialID, subscriptionID string) error
	RemoveReference(userID, credentialID, subscriptionID string)
}

type HistorySink interface {
	Enqueue(c history.Cycle)
}

type Deps struct {
	Store     subscription.Store
	Pool      ConnectorPool
	Countdown *countdown.Scheduler
	Closer    *closer.Closer
	Detector  *funding.Detector
	TPSL      *tpsl.Manager
	Events    *events.Bus
	History   HistorySink
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

type Options struct {
	FeeRate            float64
	EntryPriceAttempts int
	EntryPriceBackoff  time.Duration
	TerminalRetention  time.Duration
	JanitorInterval    time.Duration
	Now                func() time.Time
	NewID              func() string
}

// Engine owns the in-memory subscription index and runs one task per
// executing subscription.
type Engine struct {
	opts      Options
	store     subscription.Store
	pool      ConnectorPool
	countdown *countdown.Scheduler
	closer    *closer.Closer
	detector  *funding.Detector
	tpsl      *tpsl.Manager
	bus       *events.Bus
	history   HistorySink
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu        sync.Mutex
	subs      map[string]*subscription.Subscription
	running   map[string]context.CancelFunc
	withdrawn map[string]bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil || deps.Pool == nil {
		return nil, errors.New("engine requires a store and a connector pool")
	}
	if deps.Closer == nil {
		return nil, errors.New("engine requires a closer")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.OrNoop(deps.Metrics)
	if opts.FeeRate <= 0 {
		opts.FeeRate = defaultFeeRate
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = defaultTerminalRetention
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	e := &Engine{
		opts:      opts,
		store:     deps.Store,
		pool:      deps.Pool,
		countdown: deps.Countdown,
		closer:    deps.Closer,
		detector:  deps.Detector,
		tpsl:      deps.TPSL,
		bus:       deps.Events,
		history:   deps.History,
		metrics:   m,
		log:       log,
		subs:      make(map[string]*subscription.Subscription),
		running:   make(map[string]context.CancelFunc),
		withdrawn: make(map[string]bool),
	}
	if e.countdown == nil {
		e.countdown = countdown.New(countdown.Options{}, log)
	}
	if e.detector == nil {
		e.detector = funding.NewDetector(funding.Options{}, m, log)
	}
	if e.tpsl == nil {
		e.tpsl = tpsl.NewManager(tpsl.Options{}, deps.Closer.Executor(), deps.Closer, log)
	}
	if e.bus == nil {
		e.bus = events.NewBus(0, log)
	}
	return e, nil
}

// Start rebuilds the index from the store, resumes timers and starts the
// janitor. Tasks run until ctx is cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()
	if err := e.restore(e.ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.janitor(e.ctx)
	}()
	return nil
}

// Shutdown stops countdowns and waits for running tasks. Positions opened by
// an interrupted task are left for recovery on the next start.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.countdown.Stop()
	e.wg.Wait()
}

func (e *Engine) baseContext() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return nil, ErrNotStarted
	}
	return e.ctx, nil
}

// Subscribe persists and arms a subscription. Connectors are acquired lazily
// on first execution.
func (e *Engine) Subscribe(ctx context.Context, req subscription.Request) (*subscription.Subscription, error) {
	return e.subscribe(ctx, req, false)
}

// SubscribeWithCredentials resolves and pre-warms the connectors before the
// subscription is stored; credential or exchange errors reject it.
func (e *Engine) SubscribeWithCredentials(ctx context.Context, req subscription.Request) (*subscription.Subscription, error) {
	return e.subscribe(ctx, req, true)
}

func (e *Engine) subscribe(ctx context.Context, req subscription.Request, prewarm bool) (*subscription.Subscription, error) {
	base, err := e.baseContext()
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sub := subscription.New(e.opts.NewID(), req, e.opts.Now())
	if prewarm {
		for _, leg := range sub.Legs() {
			conn, err := e.pool.Acquire(ctx, sub.UserID, leg.CredentialID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", subscription.ErrInvalidConfig, err)
			}
			leg.Exchange = conn.Exchange()
		}
	}
	if err := e.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}
	if prewarm {
		e.addReferences(sub)
	}
	e.mu.Lock()
	e.subs[sub.ID] = sub.Clone()
	e.mu.Unlock()
	e.arm(base, sub)
	e.log.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.UserID),
		zap.String("symbol", sub.Symbol),
		zap.String("mode", string(sub.Mode)),
		zap.Time("funding_at", sub.FundingAt),
	)
	return sub.Clone(), nil
}

// Unsubscribe withdraws a subscription. A cycle already in flight finishes its
// close first and then ends as cancelled instead of re-arming.
func (e *Engine) Unsubscribe(ctx context.Context, id string) error {
	e.countdown.Cancel(id)
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	if _, busy := e.running[id]; busy {
		e.withdrawn[id] = true
		e.mu.Unlock()
		e.log.Info("unsubscribe deferred until the running cycle closes", zap.String("subscription_id", id))
		return nil
	}
	sub = sub.Clone()
	e.mu.Unlock()

	if !sub.Status.Terminal() {
		if err := subscription.Apply(sub, subscription.EventCancel); err != nil {
			return err
		}
		sub.UpdatedAt = e.opts.Now().UTC()
		if err := e.store.Update(ctx, sub); err != nil {
			return fmt.Errorf("persist unsubscribe: %w", err)
		}
	}
	e.removeReferences(sub)
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
	e.log.Info("subscription cancelled", zap.String("subscription_id", id))
	return nil
}

// ExecuteNow skips the countdown and starts a cycle immediately.
func (e *Engine) ExecuteNow(id string) error {
	e.countdown.Cancel(id)
	return e.launch(id, false)
}

// Acknowledge clears the manual-intervention flag of a critically failed
// subscription once every leg is confirmed flat. Residual positions go through
// the safe-close chain first; if any stays open the flag is kept and a
// *CloseError names the residual legs. The subscription stays in error and
// can then be retried with ExecuteNow.
func (e *Engine) Acknowledge(ctx context.Context, id string) (*subscription.Subscription, error) {
	e.mu.Lock()
	if _, busy := e.running[id]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, id)
	}
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	sub = sub.Clone()
	e.mu.Unlock()
	if !sub.Critical {
		return sub, nil
	}

	names := []string{legPrimary, legHedge}
	dirs := []connector.Direction{sub.Direction, sub.Direction.Opposite()}
	var legs []closer.Leg
	for i, leg := range sub.Legs() {
		conn, err := e.pool.Acquire(ctx, sub.UserID, leg.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("acquire %s connector: %w", names[i], err)
		}
		legs = append(legs, closer.Leg{
			Name:     names[i],
			Conn:     conn,
			Symbol:   sub.Symbol,
			Side:     dirs[i].CloseSide(),
			Quantity: leg.Quantity,
		})
	}
	out := e.closer.Executor().CloseAll(ctx, legs)
	if !out.FullyClosed() {
		return nil, &CloseError{Residual: out.Residual(), Err: out.Err()}
	}

	sub.Critical = false
	if err := e.save(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist acknowledgement: %w", err)
	}
	e.log.Info("critical failure acknowledged, legs flat", zap.String("subscription_id", id))
	return sub.Clone(), nil
}

func (e *Engine) Subscription(id string) (*subscription.Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	return sub.Clone(), nil
}

// Subscriptions lists the indexed subscriptions, oldest first.
func (e *Engine) Subscriptions() []*subscription.Subscription {
	e.mu.Lock()
	out := make([]*subscription.Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, sub.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Events subscribes to the lifecycle stream; call cancel to release it.
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// Running reports whether a cycle task is in flight for id.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// arm starts the countdown for an active subscription.
func (e *Engine) arm(ctx context.Context, sub *subscription.Subscription) {
	id := sub.ID
	symbol := sub.Symbol
	user := sub.UserID
	e.countdown.Schedule(ctx, id, countdown.Params{
		FundingAt: sub.FundingAt,
		Delay:     sub.ExecutionDelay,
	}, countdown.Callbacks{
		OnTick: func(t countdown.Tick) {
			e.bus.Publish(events.Event{
				Type:           events.Countdown,
				SubscriptionID: id,
				UserID:         user,
				Symbol:         symbol,
				Time:           t.At,
				Data:           map[string]any{"seconds_remaining": t.Remaining.Seconds()},
			})
		},
		OnTrigger: func() {
			if err := e.launch(id, false); err != nil {
				e.log.Warn("countdown trigger rejected", zap.String("subscription_id", id), zap.Error(err))
			}
		},
		OnExpire: func(remaining time.Duration) {
			e.expire(id, fmt.Errorf("funding time passed %s ago without execution", (-remaining).Round(time.Second)))
		},
	})
}

// launch starts the cycle task for id unless one is already running.
func (e *Engine) launch(id string, resume bool) error {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if _, busy := e.running[id]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, id)
	}
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	if sub.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, sub.Status)
	}
	if sub.Critical && !resume {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s: %s", ErrNeedsIntervention, id, sub.LastError)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.running[id] = cancel
	work := sub.Clone()
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.finishRun(id)
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("cycle task panicked", zap.String("subscription_id", id), zap.Any("panic", r))
				e.fail(ctx, work, fmt.Errorf("internal error: %v", r), false)
			}
		}()
		if resume {
			e.resume(ctx, work)
			return
		}
		e.runCycle(ctx, work)
	}()
	return nil
}

func (e *Engine) finishRun(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	delete(e.withdrawn, id)
}

func (e *Engine) isWithdrawn(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawn[id]
}

// save persists sub and replaces the indexed copy. It uses a detached
// context so state is recorded even while the task is being cancelled.
func (e *Engine) save(ctx context.Context, sub *subscription.Subscription) error {
	sub.UpdatedAt = e.opts.Now().UTC()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.Update(saveCtx, sub); err != nil {
		e.log.Error("persist subscription failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		return err
	}
	e.mu.Lock()
	if _, ok := e.subs[sub.ID]; ok {
		e.subs[sub.ID] = sub.Clone()
	}
	e.mu.Unlock()
	return nil
}

// expire errors an armed subscription whose funding time was missed.
func (e *Engine) expire(id string, err error) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	_, busy := e.running[id]
	e.mu.Unlock()
	if !ok || busy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	e.fail(ctx, sub.Clone(), err, false)
}

// fail moves sub to error, records the message and notifies listeners.
func (e *Engine) fail(ctx context.Context, sub *subscription.Subscription, err error, critical bool) {
	e.metrics.CycleErrors.Inc()
	sub.LastError = err.Error()
	sub.Critical = sub.Critical || critical
	if applyErr := subscription.Apply(sub, subscription.EventFail); applyErr != nil {
		e.log.Warn("status transition rejected", zap.String("subscription_id", sub.ID), zap.Error(applyErr))
		sub.Status = subscription.StatusError
	}
	_ = e.save(ctx, sub)
	log := e.log.With(zap.String("subscription_id", sub.ID), zap.String("symbol", sub.Symbol))
	if sub.Critical {
		log.Error("subscription failed, manual intervention required", zap.Error(err))
		e.emit(sub, events.Critical, err.Error(), nil)
		return
	}
	log.Warn("subscription failed", zap.Error(err))
	e.emit(sub, events.Error, err.Error(), nil)
}

func (e *Engine) emit(sub *subscription.Subscription, typ events.Type, msg string, data map[string]any) {
	e.bus.Publish(events.Event{
		Type:           typ,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Symbol:         sub.Symbol,
		Time:           e.opts.Now().UTC(),
		Message:        msg,
		Data:           data,
	})
}

func (e *Engine) addReferences(sub *subscription.Subscription) {
	for _, leg := range sub.Legs() {
		if err := e.pool.AddReference(sub.UserID, leg.CredentialID, sub.ID); err != nil {
			e.log.Debug("pool reference not added", zap.String("subscription_id", sub.ID), zap.Error(err))
		}
	}
}

func (e *Engine) removeReferences(sub *subscription.Subscription) {
	for _, leg := range sub.Legs() {
		e.pool.RemoveReference(sub.UserID, leg.CredentialID, sub.ID)
	}
}

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.sweepTerminal(e.opts.Now()); n > 0 {
				e.log.Info("removed aged subscriptions from index", zap.Int("count", n))
			}
		}
	}
}

// sweepTerminal drops completed, cancelled and errored subscriptions idle past
// the retention from the index. The store keeps their records.
func (e *Engine) sweepTerminal(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, sub := range e.subs {
		if !sub.Status.Terminal() && sub.Status != subscription.StatusError {
			continue
		}
		if _, busy := e.running[id]; busy {
			continue
		}
		if now.Sub(sub.UpdatedAt) < e.opts.TerminalRetention {
			continue
		}
		delete(e.subs, id)
		e.removeReferences(sub)
		removed++
	}
	return removed
}
