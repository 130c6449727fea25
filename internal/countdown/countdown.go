package countdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultExpiryGrace     = 60 * time.Second
	DefaultExecutingExpiry = 10 * time.Minute
)

type Decision int

const (
	Wait Decision = iota
	Trigger
	Expire
)

func (d Decision) String() string {
	switch d {
	case Trigger:
		return "trigger"
	case Expire:
		return "expire"
	default:
		return "wait"
	}
}

type Params struct {
	FundingAt time.Time
	Delay     time.Duration
	// Executing selects the longer expiry used for subscriptions already
	// mid-cycle when the process restarts.
	Executing       bool
	ExpiryGrace     time.Duration
	ExecutingExpiry time.Duration
}

// Evaluate decides one poll. It triggers while the funding time is still ahead
// but closer than Delay, and expires once funding is further in the past than
// the applicable grace.
func Evaluate(p Params, now time.Time) (Decision, time.Duration) {
	remaining := p.FundingAt.Sub(now)
	if remaining > 0 && remaining < p.Delay {
		return Trigger, remaining
	}
	grace := p.ExpiryGrace
	if p.Executing {
		grace = p.ExecutingExpiry
	}
	if remaining < 0 && -remaining > grace {
		return Expire, remaining
	}
	return Wait, remaining
}

type Tick struct {
	SubscriptionID string
	Remaining      time.Duration
	At             time.Time
}

// Callbacks run on the countdown goroutine and must not block for long.
type Callbacks struct {
	OnTick    func(Tick)
	OnTrigger func()
	OnExpire  func(remaining time.Duration)
}

type Options struct {
	PollInterval    time.Duration
	ExpiryGrace     time.Duration
	ExecutingExpiry time.Duration
	Now             func() time.Time
}

type timer struct {
	gen    uint64
	cancel context.CancelFunc
}

type Scheduler struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	timers map[string]*timer
	gen    uint64
	wg     sync.WaitGroup
}

func New(opts Options, log *zap.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExpiryGrace <= 0 {
		opts.ExpiryGrace = DefaultExpiryGrace
	}
	if opts.ExecutingExpiry <= 0 {
		opts.ExecutingExpiry = DefaultExecutingExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{opts: opts, log: log, timers: make(map[string]*timer)}
}

// Interrupted reports whether a cycle that was executing when the process
// stopped is past the executing expiry and can no longer be resumed.
func (s *Scheduler) Interrupted(fundingAt time.Time) bool {
	decision, _ := Evaluate(Params{
		FundingAt:       fundingAt,
		Executing:       true,
		ExpiryGrace:     s.opts.ExpiryGrace,
		ExecutingExpiry: s.opts.ExecutingExpiry,
	}, s.opts.Now())
	return decision == Expire
}

// Schedule starts the countdown for id, replacing any countdown already
// running for it.
func (s *Scheduler) Schedule(ctx context.Context, id string, p Params, cb Callbacks) {
	if p.ExpiryGrace <= 0 {
		p.ExpiryGrace = s.opts.ExpiryGrace
	}
	if p.ExecutingExpiry <= 0 {
		p.ExecutingExpiry = s.opts.ExecutingExpiry
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.timers[id]; ok {
		prev.cancel()
	}
	s.gen++
	t := &timer{gen: s.gen, cancel: cancel}
	s.timers[id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, id, t.gen, p, cb)
	}()
}

func (s *Scheduler) run(ctx context.Context, id string, gen uint64, p Params, cb Callbacks) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		now := s.opts.Now()
		decision, remaining := Evaluate(p, now)
		if cb.OnTick != nil {
			cb.OnTick(Tick{SubscriptionID: id, Remaining: remaining, At: now})
		}
		switch decision {
		case Trigger:
			if !s.finish(id, gen) {
				return
			}
			s.log.Info("countdown triggered", zap.String("subscription_id", id), zap.Duration("remaining", remaining))
			if cb.OnTrigger != nil {
				cb.OnTrigger()
			}
			return
		case Expire:
			if !s.finish(id, gen) {
				return
			}
			s.log.Warn("countdown expired", zap.String("subscription_id", id), zap.Duration("remaining", remaining))
			if cb.OnExpire != nil {
				cb.OnExpire(remaining)
			}
			return
		}
		select {
		case <-ctx.Done():
			s.finish(id, gen)
			return
		case <-ticker.C:
		}
	}
}

// finish unregisters the timer if it is still the current one for id. A false
// return means it was cancelled or replaced and must not fire.
func (s *Scheduler) finish(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok || t.gen != gen {
		return false
	}
	delete(s.timers, id)
	return true
}

func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.timers, id)
	return true
}

func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every countdown and waits for their goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.cancel()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
