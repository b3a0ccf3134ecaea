package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subwatch/internal/eventbus"
	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

// Engine advances a subscription's next_due through the record store's
// conditional write. The conditional write is the only concurrency-control
// point; the engine never holds locks across store calls.
type Engine struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewEngine(store storage.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, bus: bus, log: log, now: time.Now}
}

// ConfirmPayment advances next_due by exactly one billing period, but only
// for the cycle the caller saw: expected is the due date the confirmation was
// rendered against. A mismatch, or a rejected conditional write, means that
// cycle was already confirmed or rescheduled; next_due only moves forward, so
// there is nothing to retry and the tap is reported as ErrExpired.
func (e *Engine) ConfirmPayment(ctx context.Context, subID string, expected time.Time) (time.Time, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return time.Time{}, err
	}
	if !sub.NextDue.Equal(expected) {
		return time.Time{}, ErrExpired
	}

	next := expected.Add(sub.Period())
	err = e.store.CompareAndSetNextDue(ctx, subID, expected, next)
	if errors.Is(err, storage.ErrStaleWrite) {
		// Lost a race with another confirmation for the same cycle.
		return time.Time{}, ErrExpired
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("confirm payment: %w", err)
	}

	e.log.Info("payment confirmed",
		logx.String("sub", subID),
		logx.Time("next_due", next))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.EventPaymentConfirmed, Data: map[string]any{
			"sub_id":   subID,
			"next_due": next,
		}})
	}
	return next, nil
}

// CatchUp handles missed cycles: when next_due is in the past by more than
// one full period, it advances one period at a time until the due date is in
// the future, without generating reminders for skipped cycles. A cycle that
// elapsed less than one period ago is left untouched — it is still awaiting
// the user's confirmation. Returns the converged subscription and whether any
// advance happened. A stale write means someone else advanced it; the loop
// re-reads and continues from fresh state.
func (e *Engine) CatchUp(ctx context.Context, sub storage.Subscription) (storage.Subscription, bool, error) {
	if e.now().Sub(sub.NextDue) <= sub.Period() {
		return sub, false, nil
	}

	advanced := 0
	for !sub.NextDue.After(e.now()) {
		next := sub.NextDue.Add(sub.Period())
		err := e.store.CompareAndSetNextDue(ctx, sub.ID, sub.NextDue, next)
		if errors.Is(err, storage.ErrStaleWrite) {
			fresh, err := e.store.GetSubscription(ctx, sub.ID)
			if err != nil {
				return sub, advanced > 0, err
			}
			sub = fresh
			continue
		}
		if err != nil {
			return sub, advanced > 0, fmt.Errorf("catch up: %w", err)
		}
		sub.NextDue = next
		advanced++
	}

	if advanced > 0 {
		e.log.Info("missed cycles rolled over",
			logx.String("sub", sub.ID),
			logx.Int("periods", advanced),
			logx.Time("next_due", sub.NextDue))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.EventRolloverCatchup, Data: map[string]any{
				"sub_id":   sub.ID,
				"periods":  advanced,
				"next_due": sub.NextDue,
			}})
		}
	}
	return sub, advanced > 0, nil
}
