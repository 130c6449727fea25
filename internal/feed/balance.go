package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"funding-arb/internal/connector"

	"go.uber.org/zap"
)

type Options struct {
	URL string
	// Asset filters updates to one settlement asset; empty passes all.
	Asset          string
	Subscribe      any
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// BalanceFeed fans balance pushes from one WebSocket out to any number of
// subscribers. The socket is dialed on the first subscription.
type BalanceFeed struct {
	client *Client
	asset  string
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[int]chan connector.BalanceUpdate
	nextID  int
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	started bool
}

func NewBalanceFeed(opts Options, log *zap.Logger) *BalanceFeed {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	client := NewClient(opts.URL, opts.ReconnectDelay, opts.PingInterval, log)
	if opts.Subscribe != nil {
		_ = client.Subscribe(context.Background(), opts.Subscribe)
	}
	return &BalanceFeed{
		client: client,
		asset:  strings.ToUpper(strings.TrimSpace(opts.Asset)),
		log:    log,
		now:    time.Now,
		subs:   make(map[int]chan connector.BalanceUpdate),
	}
}

func (f *BalanceFeed) SubscribeBalance(ctx context.Context) (<-chan connector.BalanceUpdate, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("balance feed closed")
	}
	id := f.nextID
	f.nextID++
	ch := make(chan connector.BalanceUpdate, 16)
	f.subs[id] = ch
	if !f.started {
		f.started = true
		runCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.run(runCtx, f.done)
	}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *BalanceFeed) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := f.client.Run(ctx, f.dispatch)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.log.Warn("balance feed stopped", zap.Error(err))
	}
}

func (f *BalanceFeed) dispatch(raw json.RawMessage) {
	updates := parseBalanceMessage(raw, f.now().UTC())
	if len(updates) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, update := range updates {
		if f.asset != "" && update.Asset != "" && update.Asset != f.asset {
			continue
		}
		for _, ch := range f.subs {
			select {
			case ch <- update:
			default:
				f.log.Debug("balance subscriber lagging, update dropped")
			}
		}
	}
}

func (f *BalanceFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cancel := f.cancel
	done := f.done
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return f.client.Close()
}

// Connector decorates an exchange connector with a push balance feed.
type Connector struct {
	connector.Connector
	feed *BalanceFeed
}

func Wrap(c connector.Connector, feed *BalanceFeed) *Connector {
	return &Connector{Connector: c, feed: feed}
}

func (c *Connector) Capabilities() connector.Capabilities {
	caps := c.Connector.Capabilities()
	caps.BalanceStream = true
	return caps
}

func (c *Connector) SubscribeBalance(ctx context.Context) (<-chan connector.BalanceUpdate, error) {
	return c.feed.SubscribeBalance(ctx)
}

func (c *Connector) Close() error {
	feedErr := c.feed.Close()
	return errors.Join(c.Connector.Close(), feedErr)
}

// WrapBuilder attaches a fresh feed to every connector the builder produces.
func WrapBuilder(build connector.Builder, opts Options) connector.Builder {
	return func(cred connector.Credential, log *zap.Logger) (connector.Connector, error) {
		conn, err := build(cred, log)
		if err != nil {
			return nil, err
		}
		feedLog := log
		if feedLog == nil {
			feedLog = zap.NewNop()
		}
		feedLog = feedLog.With(zap.String("exchange", conn.Exchange()), zap.String("credential_id", cred.ID))
		return Wrap(conn, NewBalanceFeed(opts, feedLog)), nil
	}
}
