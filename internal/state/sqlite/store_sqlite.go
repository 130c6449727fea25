package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-arb/internal/subscription"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// Store persists subscriptions as msgpack payloads next to the indexed and
// atomically-incremented columns.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		total_fees REAL NOT NULL DEFAULT 0,
		cycles INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS subscriptions_status_user ON subscriptions (status, user_id)`)
	return err
}

func (s *Store) Create(ctx context.Context, sub *subscription.Subscription) error {
	payload, err := msgpack.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO subscriptions (id, user_id, status, realized_pnl, total_fees, cycles, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, string(sub.Status), sub.RealizedPnL, sub.TotalFees, sub.Cycles, payload, sub.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, realized_pnl, total_fees, cycles FROM subscriptions WHERE id = ?`, id)
	sub, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
		}
		return nil, err
	}
	return sub, nil
}

// Update rewrites the record but leaves the accumulated columns to AddRealized.
func (s *Store) Update(ctx context.Context, sub *subscription.Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	payload, err := msgpack.Marshal(sub)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET user_id = ?, status = ?, payload = ?, updated_at = ? WHERE id = ?`,
		sub.UserID, string(sub.Status), payload, sub.UpdatedAt.UnixMilli(), sub.ID)
	if err != nil {
		return err
	}
	return expectRow(res, sub.ID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func (s *Store) FindByStatus(ctx context.Context, statuses []subscription.Status, userID string) ([]*subscription.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT payload, realized_pnl, total_fees, cycles FROM subscriptions WHERE status IN (` + placeholders + `)`
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) AddRealized(ctx context.Context, id string, pnl, fees float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET realized_pnl = realized_pnl + ?, total_fees = total_fees + ?, cycles = cycles + 1 WHERE id = ?`,
		pnl, fees, id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*subscription.Subscription, error) {
	var (
		payload []byte
		pnl     float64
		fees    float64
		cycles  int
	)
	if err := row.Scan(&payload, &pnl, &fees, &cycles); err != nil {
		return nil, err
	}
	var sub subscription.Subscription
	if err := msgpack.Unmarshal(payload, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	sub.RealizedPnL = pnl
	sub.TotalFees = fees
	sub.Cycles = cycles
	return &sub, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	return nil
}
