package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding-arb/internal/config"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func expectSchema(mock sqlmock.Sqlmock, table string) {
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + table).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS timescaledb`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create_hypertable`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func sampleCycle(id string, cycle int) Cycle {
	closed := time.Date(2026, 3, 1, 16, 0, 12, 0, time.UTC)
	return Cycle{
		SubscriptionID:  id,
		UserID:          "u1",
		Symbol:          "BTCUSDT",
		Mode:            "HEDGED",
		Direction:       "short",
		Cycle:           cycle,
		Quantity:        0.01,
		PrimaryExchange: "bybit",
		PrimaryEntry:    50000,
		PrimaryExit:     50100,
		HedgeExchange:   "okx",
		HedgeEntry:      50010,
		HedgeExit:       50100,
		ExpectedFunding: 0.15,
		Trade:           -0.1,
		Fees:            1.1,
		Funding:         0.15,
		Realized:        -1.05,
		Reason:          "funding_detected",
		CloseStrategy:   "hybrid",
		OpenedAt:        closed.Add(-10 * time.Second),
		ClosedAt:        closed,
	}
}

func TestNewWriterDisabled(t *testing.T) {
	w, err := New(config.HistoryConfig{Enabled: false}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
	if _, err := New(config.HistoryConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
	var nilWriter *Writer
	nilWriter.Enqueue(sampleCycle("s1", 1))
	nilWriter.Start(context.Background())
	if err := nilWriter.Close(); err != nil {
		t.Fatalf("expected nil writer close to be a no-op, got %v", err)
	}
}

func TestEnsureSchemaToleratesMissingExtension(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS history\.cycles`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS timescaledb`).WillReturnError(errors.New("permission denied"))

	w, err := newWriter(context.Background(), db, config.HistoryConfig{Table: "history.cycles"}, nil)
	if err != nil {
		t.Fatalf("expected schema setup to succeed, got %v", err)
	}
	if w.batchSize != defaultBatchSize || w.flushInterval != defaultFlushInterval || cap(w.queue) != defaultQueueSize {
		t.Fatalf("expected defaults, got batch=%d flush=%s queue=%d", w.batchSize, w.flushInterval, cap(w.queue))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewWriterRejectsBadTable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	if _, err := newWriter(context.Background(), db, config.HistoryConfig{Table: "cycles; DROP TABLE x"}, nil); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "arb_cycles")
	w, err := newWriter(context.Background(), db, config.HistoryConfig{}, nil)
	if err != nil {
		t.Fatalf("newWriter: %v", err)
	}

	row := sampleCycle("s1", 3)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO arb_cycles`).
		WithArgs(row.ClosedAt, row.OpenedAt, "s1", "u1", "BTCUSDT", "HEDGED", "short", 3, 0.01,
			"bybit", 50000.0, 50100.0, "okx", 50010.0, 50100.0, 0.15, -0.1, 1.1, 0.15, -1.05, "funding_detected", "hybrid").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	if err := w.writeBatch(context.Background(), []Cycle{row}); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO arb_cycles`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	if err := w.writeBatch(context.Background(), []Cycle{row}); err == nil {
		t.Fatalf("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunFlushesFullBatchAndDrainsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "arb_cycles")
	w, err := newWriter(context.Background(), db, config.HistoryConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("newWriter: %v", err)
	}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO arb_cycles`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO arb_cycles`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO arb_cycles`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	w.Enqueue(sampleCycle("s1", 1))
	w.Enqueue(sampleCycle("s1", 2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.queue) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	w.Enqueue(sampleCycle("s1", 3))
	cancel()
	<-w.done
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := &Writer{queue: make(chan Cycle, 1), log: zap.NewNop()}
	w.Enqueue(sampleCycle("s1", 1))
	w.Enqueue(sampleCycle("s1", 2))
	w.Enqueue(sampleCycle("s1", 3))
	if w.Dropped() != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", w.Dropped())
	}
}

func TestRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "arb_cycles")
	w, err := newWriter(context.Background(), db, config.HistoryConfig{}, nil)
	if err != nil {
		t.Fatalf("newWriter: %v", err)
	}
	c := sampleCycle("s1", 1)
	rows := sqlmock.NewRows([]string{"closed_at", "opened_at", "subscription_id", "user_id", "symbol", "mode", "direction", "cycle",
		"quantity", "primary_exchange", "primary_entry", "primary_exit", "hedge_exchange", "hedge_entry", "hedge_exit",
		"expected_funding", "trade_pnl", "fees", "funding", "realized_pnl", "reason", "close_strategy"}).
		AddRow(c.ClosedAt, c.OpenedAt, c.SubscriptionID, c.UserID, c.Symbol, c.Mode, c.Direction, c.Cycle,
			c.Quantity, c.PrimaryExchange, c.PrimaryEntry, c.PrimaryExit, c.HedgeExchange, c.HedgeEntry, c.HedgeExit,
			c.ExpectedFunding, c.Trade, c.Fees, c.Funding, c.Realized, c.Reason, c.CloseStrategy)
	mock.ExpectQuery(`SELECT .* FROM arb_cycles WHERE subscription_id`).WithArgs("s1", 50).WillReturnRows(rows)

	got, err := w.Recent(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Realized != -1.05 || got[0].HedgeExchange != "okx" {
		t.Fatalf("unexpected rows %+v", got)
	}
}
