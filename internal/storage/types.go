package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a subscription vanished between schedule
	// and lookup. Callers generally treat it as "expired", not as a failure.
	ErrNotFound = errors.New("subscription not found")

	// ErrStaleWrite is returned by CompareAndSetNextDue when the stored
	// next_due no longer matches the caller's expectation. The caller must
	// re-read and retry with fresh state.
	ErrStaleWrite = errors.New("stale next_due write rejected")
)

// Config configures the record store.
//
// Driver values: "sqlite" (default when empty).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

const maxServiceLen = 100

// Subscription is one recurring payment owned by a chat user.
//
// NextDue is the single source of truth for scheduling: it is always the next
// unpaid cycle boundary, only ever moves forward, and only by whole multiples
// of PeriodDays.
type Subscription struct {
	ID          string
	OwnerID     int64
	Service     string
	Amount      float64
	Currency    string
	PeriodDays  int
	NextDue     time.Time
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Period returns the billing cycle length as a duration.
func (s Subscription) Period() time.Duration {
	return time.Duration(s.PeriodDays) * 24 * time.Hour
}

// Normalize trims and case-normalizes user-supplied fields.
func (s *Subscription) Normalize() {
	s.Service = strings.TrimSpace(s.Service)
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	s.Description = strings.TrimSpace(s.Description)
	s.NextDue = s.NextDue.UTC()
}

// Validate reports the first malformed field, if any.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id is empty")
	}
	if s.OwnerID == 0 {
		return errors.New("owner id is empty")
	}
	svc := strings.TrimSpace(s.Service)
	if svc == "" {
		return errors.New("service is empty")
	}
	if len(svc) > maxServiceLen {
		return fmt.Errorf("service longer than %d chars", maxServiceLen)
	}
	if !(s.Amount > 0) {
		return errors.New("amount must be positive")
	}
	if len(s.Currency) != 3 {
		return fmt.Errorf("currency %q is not a 3-letter code", s.Currency)
	}
	if s.PeriodDays <= 0 {
		return errors.New("period_days must be positive")
	}
	if s.NextDue.IsZero() {
		return errors.New("next_due is not set")
	}
	return nil
}

// User is a chat user known to the bot.
type User struct {
	TgID      int64
	Username  string
	CreatedAt time.Time
}
