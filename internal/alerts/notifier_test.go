package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-arb/internal/events"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	errs  []error
	calls int
	delay time.Duration
}

func (f *fakeSender) Send(_ context.Context, msg string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestNotifierFiltersEvents(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil)
	ch := make(chan events.Event, 4)
	ch <- events.Event{Type: events.Countdown, SubscriptionID: "s1"}
	ch <- events.Event{Type: events.Critical, SubscriptionID: "s1", Symbol: "BTCUSDT", Message: "MANUAL INTERVENTION REQUIRED"}
	ch <- events.Event{Type: events.OrderExecuted, SubscriptionID: "s1"}
	close(ch)
	n.Run(context.Background(), ch)

	got := sender.messages()
	if len(got) != 1 {
		t.Fatalf("expected one alert, got %v", got)
	}
	if got[0] != "CRITICAL BTCUSDT [s1]: MANUAL INTERVENTION REQUIRED" {
		t.Fatalf("unexpected alert %q", got[0])
	}
}

func TestNotifierRetriesOnceAfterRateLimit(t *testing.T) {
	sender := &fakeSender{errs: []error{&RateLimitError{RetryAfter: 10 * time.Millisecond}}}
	n := NewNotifier(sender, nil, events.Error)
	ch := make(chan events.Event, 1)
	ch <- events.Event{Type: events.Error, SubscriptionID: "s1", Message: "hedge failed"}
	close(ch)
	n.Run(context.Background(), ch)
	if sender.calls != 2 || len(sender.messages()) != 1 {
		t.Fatalf("expected a retry after rate limit, calls=%d sent=%v", sender.calls, sender.messages())
	}
}

func TestNotifierGivesUpOnError(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("down")}}
	n := NewNotifier(sender, nil)
	ch := make(chan events.Event, 1)
	ch <- events.Event{Type: events.Error, SubscriptionID: "s1"}
	close(ch)
	n.Run(context.Background(), ch)
	if sender.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", sender.calls)
	}
}

func TestFormatCycleCompleted(t *testing.T) {
	msg := Format(events.Event{Type: events.CycleCompleted, SubscriptionID: "s1", Symbol: "ETHUSDT", Data: map[string]any{"realized": 1.25}})
	if !strings.HasPrefix(msg, "Cycle completed ETHUSDT [s1]") || !strings.Contains(msg, "realized 1.2500") {
		t.Fatalf("unexpected format %q", msg)
	}
}

func TestNotifierKeepsCriticalUnderCountdownFlood(t *testing.T) {
	sender := &fakeSender{delay: 50 * time.Millisecond}
	n := NewNotifier(sender, nil)
	bus := events.NewBus(4, nil)
	ch, unsubscribe := bus.Subscribe(n.Types()...)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, ch)

	bus.Publish(events.Event{Type: events.Error, SubscriptionID: "s1", Message: "hedge failed"})
	for i := 0; i < 1000; i++ {
		bus.Publish(events.Event{Type: events.Countdown, SubscriptionID: "s2"})
	}
	bus.Publish(events.Event{Type: events.Critical, SubscriptionID: "s3", Message: "rollback failed"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("critical alert lost, sent %v dropped %d", sender.messages(), bus.Dropped())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sender.messages()
	if !strings.HasPrefix(got[1], "CRITICAL") {
		t.Fatalf("expected critical alert second, got %v", got)
	}
}
