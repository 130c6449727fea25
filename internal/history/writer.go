package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout         = 3 * time.Second
	defaultTable         = "arb_cycles"
	defaultQueueSize     = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Cycle is one closed arbitrage cycle.
type Cycle struct {
	SubscriptionID  string
	UserID          string
	Symbol          string
	Mode            string
	Direction       string
	Cycle           int
	Quantity        float64
	PrimaryExchange string
	PrimaryEntry    float64
	PrimaryExit     float64
	HedgeExchange   string
	HedgeEntry      float64
	HedgeExit       float64
	ExpectedFunding float64
	Trade           float64
	Fees            float64
	Funding         float64
	Realized        float64
	Reason          string
	CloseStrategy   string
	OpenedAt        time.Time
	ClosedAt        time.Time
}

// Writer batches cycle rows into Postgres/TimescaleDB without blocking
// the execution path. Rows beyond the queue capacity are dropped.
type Writer struct {
	db            *sql.DB
	log           *zap.Logger
	table         string
	batchSize     int
	flushInterval time.Duration
	queue         chan Cycle
	started       atomic.Bool
	dropped       atomic.Uint64
	done          chan struct{}
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w, err := newWriter(ctx, db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(ctx context.Context, db *sql.DB, cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid history table name %q", table)
	}
	w := &Writer{
		db:            db,
		log:           log,
		table:         table,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan Cycle, positive(cfg.QueueSize, defaultQueueSize)),
		done:          make(chan struct{}),
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultFlushInterval
	}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close waits for the run loop to flush, when started, and closes the pool.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	if w.started.Load() {
		<-w.done
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(c Cycle) {
	if w == nil {
		return
	}
	select {
	case w.queue <- c:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("history queue full")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]Cycle, 0, w.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(ctx, batch); err != nil {
			w.log.Warn("history batch insert failed", zap.Int("rows", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case c := <-w.queue:
					batch = append(batch, c)
				default:
					break drain
				}
			}
			flush(context.Background())
			return
		case c := <-w.queue:
			batch = append(batch, c)
			if len(batch) >= w.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		closed_at TIMESTAMPTZ NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		subscription_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		direction TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		primary_exchange TEXT NOT NULL,
		primary_entry DOUBLE PRECISION NOT NULL,
		primary_exit DOUBLE PRECISION NOT NULL,
		hedge_exchange TEXT NOT NULL DEFAULT '',
		hedge_entry DOUBLE PRECISION NOT NULL DEFAULT 0,
		hedge_exit DOUBLE PRECISION NOT NULL DEFAULT 0,
		expected_funding DOUBLE PRECISION NOT NULL,
		trade_pnl DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL,
		funding DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		close_strategy TEXT NOT NULL,
		PRIMARY KEY (closed_at, subscription_id, cycle)
	)`, w.table)); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'closed_at', if_not_exists => TRUE)", w.table)); err != nil {
		w.log.Warn("history hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) insertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (
		closed_at, opened_at, subscription_id, user_id, symbol, mode, direction, cycle, quantity,
		primary_exchange, primary_entry, primary_exit, hedge_exchange, hedge_entry, hedge_exit,
		expected_funding, trade_pnl, fees, funding, realized_pnl, reason, close_strategy
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
	)
	ON CONFLICT (closed_at, subscription_id, cycle) DO NOTHING`, w.table)
}

func (w *Writer) writeBatch(ctx context.Context, rows []Cycle) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	query := w.insertQuery()
	for _, c := range rows {
		if _, err := tx.ExecContext(ctx, query,
			c.ClosedAt,
			c.OpenedAt,
			c.SubscriptionID,
			c.UserID,
			c.Symbol,
			c.Mode,
			c.Direction,
			c.Cycle,
			c.Quantity,
			c.PrimaryExchange,
			c.PrimaryEntry,
			c.PrimaryExit,
			c.HedgeExchange,
			c.HedgeEntry,
			c.HedgeExit,
			c.ExpectedFunding,
			c.Trade,
			c.Fees,
			c.Funding,
			c.Realized,
			c.Reason,
			c.CloseStrategy,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Recent returns the latest cycles for a subscription, newest first.
func (w *Writer) Recent(ctx context.Context, subscriptionID string, limit int) ([]Cycle, error) {
	if w == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`SELECT closed_at, opened_at, subscription_id, user_id, symbol, mode, direction, cycle,
		quantity, primary_exchange, primary_entry, primary_exit, hedge_exchange, hedge_entry, hedge_exit,
		expected_funding, trade_pnl, fees, funding, realized_pnl, reason, close_strategy
		FROM %s WHERE subscription_id = $1 ORDER BY closed_at DESC LIMIT $2`, w.table), subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(
			&c.ClosedAt, &c.OpenedAt, &c.SubscriptionID, &c.UserID, &c.Symbol, &c.Mode, &c.Direction, &c.Cycle,
			&c.Quantity, &c.PrimaryExchange, &c.PrimaryEntry, &c.PrimaryExit, &c.HedgeExchange, &c.HedgeEntry, &c.HedgeExit,
			&c.ExpectedFunding, &c.Trade, &c.Fees, &c.Funding, &c.Realized, &c.Reason, &c.CloseStrategy,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
