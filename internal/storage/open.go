package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "subwatch/pkg/logx"
)

// Store is the persistence API consumed by the scheduler core and the
// command layer.
type Store interface {
	UpsertUser(ctx context.Context, u User) error

	CreateSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error)
	FindSubscriptionByService(ctx context.Context, ownerID int64, service string) (Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// CompareAndSetNextDue atomically advances next_due from expected to next.
	// It returns ErrStaleWrite when the stored value no longer equals expected,
	// and ErrNotFound when the subscription is gone.
	CompareAndSetNextDue(ctx context.Context, id string, expected, next time.Time) error

	// MonthlyTotal returns the 30-day-normalized spend per currency for one owner.
	MonthlyTotal(ctx context.Context, ownerID int64) (map[string]float64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
