package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-arb/internal/events"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

const sendTimeout = 10 * time.Second

// Notifier forwards operator-relevant events to a Sender.
type Notifier struct {
	sender Sender
	log    *zap.Logger
	types  map[events.Type]bool
}

// NewNotifier alerts on critical, error and cycle_completed events unless
// types narrows the set.
func NewNotifier(sender Sender, log *zap.Logger, types ...events.Type) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if len(types) == 0 {
		types = []events.Type{events.Critical, events.Error, events.CycleCompleted}
	}
	set := make(map[events.Type]bool, len(types))
	for _, typ := range types {
		set[typ] = true
	}
	return &Notifier{sender: sender, log: log, types: set}
}

// Types lists the alerted event types, for subscribing to the bus.
func (n *Notifier) Types() []events.Type {
	out := make([]events.Type, 0, len(n.types))
	for typ := range n.types {
		out = append(out, typ)
	}
	return out
}

// Run consumes ch until it is closed or ctx is done.
func (n *Notifier) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !n.types[ev.Type] {
				continue
			}
			n.deliver(ctx, ev)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev events.Event) {
	msg := Format(ev)
	for attempt := 0; attempt < 2; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return
		}
		var limited *RateLimitError
		if errors.As(err, &limited) && attempt == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(limited.RetryAfter):
			}
			continue
		}
		n.log.Warn("alert send failed", zap.String("type", string(ev.Type)), zap.String("subscription_id", ev.SubscriptionID), zap.Error(err))
		return
	}
}

// Format renders an event as a plain-text alert.
func Format(ev events.Event) string {
	var b strings.Builder
	switch ev.Type {
	case events.Critical:
		b.WriteString("CRITICAL")
	case events.Error:
		b.WriteString("Error")
	case events.CycleCompleted:
		b.WriteString("Cycle completed")
	default:
		b.WriteString(string(ev.Type))
	}
	if ev.Symbol != "" {
		fmt.Fprintf(&b, " %s", ev.Symbol)
	}
	if ev.SubscriptionID != "" {
		fmt.Fprintf(&b, " [%s]", ev.SubscriptionID)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, ": %s", ev.Message)
	}
	if pnl, ok := ev.Data["realized"].(float64); ok {
		fmt.Fprintf(&b, "\nrealized %.4f", pnl)
	}
	return b.String()
}
