package subscription

import "context"

type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	// FindByStatus lists subscriptions in any of statuses; an empty userID matches all users.
	FindByStatus(ctx context.Context, statuses []Status, userID string) ([]*Subscription, error)
	// AddRealized atomically increments the accumulated P&L, fees and cycle count.
	AddRealized(ctx context.Context, id string, pnl, fees float64) error
	Close() error
}
