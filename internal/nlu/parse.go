package nlu

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type IntentKind string

const (
	IntentAdd     IntentKind = "add"
	IntentDelete  IntentKind = "delete"
	IntentList    IntentKind = "list"
	IntentTotal   IntentKind = "total"
	IntentUnknown IntentKind = "unknown"
)

// Intent is the structured form of a free-text subscription command.
type Intent struct {
	Intent      IntentKind `json:"intent"`
	Service     string     `json:"service,omitempty"`
	Amount      float64    `json:"amount,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	PeriodDays  int        `json:"period_days,omitempty"`
	NextPayment string     `json:"next_payment,omitempty"` // YYYY-MM-DD
}

// ParseIntent decodes and normalizes a model reply. Code fences around the
// JSON are tolerated; anything undecodable degrades to IntentUnknown with an
// error describing why.
func ParseIntent(raw string) (Intent, error) {
	raw = stripFences(raw)
	if raw == "" {
		return Intent{Intent: IntentUnknown}, errors.New("empty reply")
	}

	var it Intent
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return Intent{Intent: IntentUnknown}, fmt.Errorf("decode intent: %w", err)
	}
	it.normalize()
	if err := it.validate(); err != nil {
		return Intent{Intent: IntentUnknown}, err
	}
	return it, nil
}

func (it *Intent) normalize() {
	it.Service = strings.TrimSpace(it.Service)
	it.Currency = strings.ToUpper(strings.TrimSpace(it.Currency))
	it.NextPayment = strings.TrimSpace(it.NextPayment)
	if it.Intent == IntentAdd {
		if it.Currency == "" {
			it.Currency = "USD"
		}
		if it.PeriodDays <= 0 {
			// Default to a monthly cycle when the message didn't say.
			it.PeriodDays = 30
		}
	}
}

func (it Intent) validate() error {
	switch it.Intent {
	case IntentAdd:
		if it.Service == "" {
			return errors.New("add intent without a service name")
		}
		if !(it.Amount > 0) {
			return errors.New("add intent without a positive amount")
		}
		if len(it.Currency) != 3 {
			return fmt.Errorf("add intent with bad currency %q", it.Currency)
		}
	case IntentDelete:
		if it.Service == "" {
			return errors.New("delete intent without a service name")
		}
	case IntentList, IntentTotal, IntentUnknown:
	default:
		return fmt.Errorf("unrecognized intent %q", it.Intent)
	}
	return nil
}

// DueTime resolves the first due date: the stated next_payment when present,
// otherwise one period from today.
func (it Intent) DueTime(today time.Time) (time.Time, error) {
	if it.NextPayment == "" {
		return today.UTC().Add(time.Duration(it.PeriodDays) * 24 * time.Hour), nil
	}
	t, err := time.Parse("2006-01-02", it.NextPayment)
	if err != nil {
		return time.Time{}, fmt.Errorf("next_payment: %w", err)
	}
	return t.UTC(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
