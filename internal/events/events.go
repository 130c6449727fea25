package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	Countdown      Type = "countdown"
	OrderExecuting Type = "order_executing"
	OrderExecuted  Type = "order_executed"
	HedgeExecuting Type = "hedge_executing"
	HedgeExecuted  Type = "hedge_executed"
	Closing        Type = "closing"
	CycleCompleted Type = "cycle_completed"
	Error          Type = "error"
	Critical       Type = "critical"
)

type Event struct {
	Type           Type           `json:"type"`
	SubscriptionID string         `json:"subscription_id"`
	UserID         string         `json:"user_id,omitempty"`
	Symbol         string         `json:"symbol,omitempty"`
	Time           time.Time      `json:"time"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Sink receives every event off the engine's hot path.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	DefaultSubscriberBuffer = 256
	defaultSinkQueue        = 1024
	sinkTimeout             = 2 * time.Second
)

// Bus fans events out to in-process subscribers and queued sinks. Slow
// subscribers lose events instead of blocking publishers.
type Bus struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	sinks  []Sink
	closed bool

	sinkQueue chan Event
	dropped   atomic.Uint64
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:       log,
		buffer:    buffer,
		subs:      make(map[int]*subscriber),
		sinkQueue: make(chan Event, defaultSinkQueue),
	}
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Subscribe returns a channel of future events and the function that
// unregisters and closes it. With types set, only those events are delivered
// and other traffic never occupies the buffer.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	sub := &subscriber{ch: ch}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	if len(b.sinks) == 0 || ev.Type == Countdown {
		return
	}
	select {
	case b.sinkQueue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped counts events lost to full subscriber buffers or sink queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers queued events to the sinks until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.sinkQueue:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, sink := range sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := sink.Publish(sinkCtx, ev); err != nil {
			b.log.Warn("event sink publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
		cancel()
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
