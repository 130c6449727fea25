package funding

import (
	"context"
	"time"

	"funding-arb/internal/connector"
	"funding-arb/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultLead        = 5 * time.Second
	DefaultThreshold   = 0.9
	DefaultFallback    = 15 * time.Second
	DefaultNoFeedDelay = 15 * time.Second
)

type Trigger string

const (
	TriggerDetected Trigger = "detected"
	TriggerFallback Trigger = "fallback"
	TriggerNoFeed   Trigger = "no_feed"
)

// Account is the part of a connector the detector reads.
type Account interface {
	Capabilities() connector.Capabilities
	Balance(ctx context.Context) (float64, error)
}

type Options struct {
	Lead        time.Duration
	Threshold   float64
	Fallback    time.Duration
	NoFeedDelay time.Duration
	Now         func() time.Time
}

type Request struct {
	SubscriptionID  string
	FundingAt       time.Time
	ExpectedFunding float64
}

type Result struct {
	Trigger  Trigger
	Baseline float64
	Balance  float64
	Increase float64
	At       time.Time
}

type Detector struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewDetector(opts Options, m *metrics.Metrics, log *zap.Logger) *Detector {
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Fallback <= 0 {
		opts.Fallback = DefaultFallback
	}
	if opts.NoFeedDelay <= 0 {
		opts.NoFeedDelay = DefaultNoFeedDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{opts: opts, log: log, metrics: metrics.OrNoop(m)}
}

// Pending is an armed funding watch running in the background.
type Pending struct {
	done   chan struct{}
	cancel context.CancelFunc
	res    Result
	err    error
}

// Wait blocks until the watch resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

// Stop cancels the watch and waits for it to exit. Safe to call repeatedly.
func (p *Pending) Stop() {
	p.cancel()
	<-p.done
}

// Arm starts watching account for the payment described by req. The balance
// feed is subscribed and the baseline read at FundingAt minus the lead,
// regardless of when the caller waits on the result.
func (d *Detector) Arm(ctx context.Context, account Account, req Request) *Pending {
	armCtx, cancel := context.WithCancel(ctx)
	p := &Pending{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(p.done)
		p.res, p.err = d.observe(armCtx, account, req)
	}()
	return p
}

// Wait blocks until the funding payment is observed on the account's balance
// feed or the fallback deadline passes. Accounts without a feed wait the fixed
// no-feed delay after funding.
func (d *Detector) Wait(ctx context.Context, account Account, req Request) (Result, error) {
	p := d.Arm(ctx, account, req)
	defer p.Stop()
	return p.Wait(ctx)
}

func (d *Detector) observe(ctx context.Context, account Account, req Request) (Result, error) {
	log := d.log.With(zap.String("subscription_id", req.SubscriptionID))
	streamer, ok := connector.BalanceFeed(account)
	if !ok {
		if err := d.sleepUntil(ctx, req.FundingAt.Add(d.opts.NoFeedDelay)); err != nil {
			return Result{}, err
		}
		log.Info("funding window elapsed without balance feed")
		return Result{Trigger: TriggerNoFeed, At: d.opts.Now()}, nil
	}

	if err := d.sleepUntil(ctx, req.FundingAt.Add(-d.opts.Lead)); err != nil {
		return Result{}, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := streamer.SubscribeBalance(watchCtx)
	if err != nil {
		log.Warn("balance feed subscribe failed, waiting for fallback", zap.Error(err))
		updates = nil
	}
	res := Result{}
	haveBaseline := false
	if balance, err := account.Balance(ctx); err == nil {
		res.Baseline = balance
		haveBaseline = true
	} else {
		log.Warn("baseline balance unavailable, using first feed update", zap.Error(err))
	}

	fallback := time.NewTimer(d.until(req.FundingAt.Add(d.opts.Fallback)))
	defer fallback.Stop()
	target := req.ExpectedFunding * d.opts.Threshold
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-fallback.C:
			d.metrics.FundingFallbacks.Inc()
			res.Trigger = TriggerFallback
			res.At = d.opts.Now()
			log.Info("funding fallback fired", zap.Float64("baseline", res.Baseline), zap.Float64("last_balance", res.Balance))
			return res, nil
		case update, open := <-updates:
			if !open {
				updates = nil
				continue
			}
			res.Balance = update.Balance
			if !haveBaseline {
				res.Baseline = update.Balance
				haveBaseline = true
				continue
			}
			res.Increase = update.Balance - res.Baseline
			if req.ExpectedFunding > 0 && res.Increase >= target {
				d.metrics.FundingDetected.Inc()
				res.Trigger = TriggerDetected
				res.At = d.opts.Now()
				log.Info("funding payment detected",
					zap.Float64("increase", res.Increase),
					zap.Float64("expected", req.ExpectedFunding),
				)
				return res, nil
			}
		}
	}
}

func (d *Detector) until(t time.Time) time.Duration {
	wait := t.Sub(d.opts.Now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (d *Detector) sleepUntil(ctx context.Context, t time.Time) error {
	wait := d.until(t)
	if wait == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
