package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"funding-arb/internal/alerts"
	"funding-arb/internal/api"
	"funding-arb/internal/closer"
	"funding-arb/internal/config"
	"funding-arb/internal/connector"
	"funding-arb/internal/countdown"
	"funding-arb/internal/credentials"
	"funding-arb/internal/engine"
	"funding-arb/internal/events"
	"funding-arb/internal/feed"
	"funding-arb/internal/funding"
	"funding-arb/internal/history"
	"funding-arb/internal/logging"
	"funding-arb/internal/metrics"
	"funding-arb/internal/pool"
	"funding-arb/internal/state/sqlite"
	"funding-arb/internal/tpsl"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	metrics *metrics.Metrics
	pool    *pool.Pool
	bus     *events.Bus
	redis   *redis.Client
	history *history.Writer
	alerts  *alerts.Telegram
	engine  *engine.Engine
	api     *api.Server
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: store}
	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, log := a.cfg, a.log

	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		a.metrics = prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	registry := connector.NewRegistry(logging.Component(log, "connector"))
	if err := registerExchanges(registry, cfg.Exchanges); err != nil {
		return err
	}
	creds, err := credentials.NewStatic(cfg.Credentials, os.LookupEnv)
	if err != nil {
		return err
	}
	a.pool = pool.New(creds, registry, pool.Options{
		IdleTTL:       cfg.Pool.IdleTTL,
		SweepInterval: cfg.Pool.SweepInterval,
	}, a.metrics, logging.Component(log, "pool"))

	scheduler := countdown.New(countdown.Options{
		PollInterval:    cfg.Countdown.PollInterval,
		ExpiryGrace:     cfg.Countdown.ExpiryGrace,
		ExecutingExpiry: cfg.Countdown.ExecutingExpiry,
	}, logging.Component(log, "countdown"))
	closeExec := closer.NewExecutor(a.metrics, logging.Component(log, "closer"))
	closeStrategy := closer.New(closeExec, closer.Options{
		LimitTimeout:      cfg.Close.LimitTimeout,
		LimitOffsetBps:    cfg.Close.LimitOffsetBps,
		LimitPollInterval: cfg.Close.LimitPollInterval,
		UltraFastTarget:   cfg.Close.UltraFastTarget,
		HybridTarget:      cfg.Close.HybridTarget,
	}, logging.Component(log, "closer"))
	detector := funding.NewDetector(funding.Options{
		Lead:        cfg.Funding.Lead,
		Threshold:   cfg.Funding.Threshold,
		Fallback:    cfg.Funding.Fallback,
		NoFeedDelay: cfg.Funding.NoFeedDelay,
	}, a.metrics, logging.Component(log, "funding"))
	stops := tpsl.NewManager(tpsl.Options{
		PollInterval: cfg.TPSL.PollInterval,
		MaxHold:      cfg.TPSL.MaxHold,
	}, closeExec, closeStrategy, logging.Component(log, "tpsl"))

	a.bus = events.NewBus(0, logging.Component(log, "events"))
	if cfg.Redis.Enabled {
		a.redis = events.NewRedisClient(cfg.Redis)
		a.bus.AddSink(events.NewRedisSink(a.redis, cfg.Redis.Stream, cfg.Redis.Channel, cfg.Redis.StreamMaxLen))
	}

	a.history, err = history.New(cfg.History, logging.Component(log, "history"))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, logging.Component(log, "alerts"))

	deps := engine.Deps{
		Store:     a.store,
		Pool:      a.pool,
		Countdown: scheduler,
		Closer:    closeStrategy,
		Detector:  detector,
		TPSL:      stops,
		Events:    a.bus,
		Metrics:   a.metrics,
		Log:       logging.Component(log, "engine"),
	}
	if a.history != nil {
		deps.History = a.history
	}
	a.engine, err = engine.New(deps, engine.Options{
		FeeRate:            cfg.Execution.FeeRate,
		EntryPriceAttempts: cfg.Execution.EntryPriceAttempts,
		EntryPriceBackoff:  cfg.Execution.EntryPriceBackoff,
		TerminalRetention:  cfg.Engine.TerminalRetention,
		JanitorInterval:    cfg.Engine.JanitorInterval,
	})
	if err != nil {
		return err
	}

	apiDeps := api.Deps{Engine: a.engine, Pool: a.pool}
	if a.history != nil {
		apiDeps.History = a.history
	}
	if prom != nil {
		apiDeps.Metrics = prom.Handler()
		apiDeps.MetricsPath = cfg.Metrics.Path
	}
	a.api = api.New(apiDeps, logging.Component(log, "api"))
	return nil
}

// registerExchanges binds a connector builder to every configured exchange.
// Only simulated connectors ship with the engine; live adapters register
// against the same registry.
func registerExchanges(reg *connector.Registry, exchanges []config.ExchangeConfig) error {
	for _, ex := range exchanges {
		if !ex.Paper {
			return fmt.Errorf("exchange %q: no live connector available, set paper: true", ex.Name)
		}
		caps := connector.FullCapabilities()
		caps.OrderStream = ex.OrderStream
		caps.BalanceStream = false
		build := connector.PaperBuilder(connector.PaperOptions{
			Exchange:     ex.Name,
			Capabilities: caps,
			Balance:      ex.PaperBalance,
			Latency:      ex.PaperLatency,
		})
		if ex.BalanceWSURL != "" {
			build = feed.WrapBuilder(build, feed.Options{
				URL:            ex.BalanceWSURL,
				Asset:          "USDT",
				ReconnectDelay: ex.ReconnectDelay,
			})
		}
		reg.Register(ex.Name, build)
	}
	return nil
}

func (a *App) API() *api.Server {
	return a.api
}

func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	go a.pool.Run(ctx)
	go a.bus.Run(ctx)
	a.history.Start(ctx)
	if a.alerts.Enabled() {
		notifier := alerts.NewNotifier(a.alerts, logging.Component(a.log, "alerts"))
		ch, unsubscribe := a.bus.Subscribe(notifier.Types()...)
		defer unsubscribe()
		go notifier.Run(ctx, ch)
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	defer a.engine.Shutdown()
	a.log.Info("engine started",
		zap.Int("subscriptions", len(a.engine.Subscriptions())),
		zap.Int("exchanges", len(a.cfg.Exchanges)),
	)

	errCh := make(chan error, 1)
	if a.cfg.API.Enabled {
		go func() {
			errCh <- a.api.ListenAndServe(ctx, a.cfg.API.Address)
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: %w", err)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func (a *App) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("history close failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn("pool close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
