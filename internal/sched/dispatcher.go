package sched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"subwatch/internal/eventbus"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
	"subwatch/pkg/tgui"
)

// Dispatcher sends reminder notifications. Every fire re-fetches the
// subscription first: a vanished record or a next_due that moved past the
// job's target means the reminder expired and nothing is sent.
type Dispatcher struct {
	store   storage.Store
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

func NewDispatcher(store storage.Store, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger, perSec float64) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if perSec <= 0 {
		perSec = 3
	}
	return &Dispatcher{
		store:   store,
		adapter: adapter,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		now:     time.Now,
	}
}

// SetRate adjusts the outgoing message limit at runtime.
func (d *Dispatcher) SetRate(perSec float64) {
	if perSec <= 0 {
		return
	}
	d.limiter.SetLimit(rate.Limit(perSec))
}

// Dispatch handles one fired reminder job. Expired jobs return nil; a
// transport failure is wrapped in ErrDelivery and the job is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	sub, err := d.store.GetSubscription(ctx, job.SubID)
	if errors.Is(err, storage.ErrNotFound) {
		d.expire(job, "subscription gone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch re-fetch: %w", err)
	}
	if !sub.NextDue.Equal(job.Due) {
		// Paid or rescheduled since this job was planned.
		d.expire(job, "next_due moved")
		return nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	text, markup := renderReminder(sub, d.now())
	_, err = d.adapter.SendText(ctx, transport.ChatTarget{ChatID: sub.OwnerID}, text, &transport.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: markup,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	d.log.Info("reminder sent",
		logx.String("sub", job.SubID),
		logx.Int("offset_days", job.OffsetDays),
		logx.Time("due", job.Due))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventReminderSent, Data: map[string]any{
			"sub_id": job.SubID,
			"offset": job.OffsetDays,
		}})
	}
	return nil
}

func (d *Dispatcher) expire(job Job, reason string) {
	d.log.Debug("reminder expired",
		logx.String("sub", job.SubID),
		logx.Int("offset_days", job.OffsetDays),
		logx.String("reason", reason))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventReminderExpired, Data: map[string]any{
			"sub_id": job.SubID,
			"reason": reason,
		}})
	}
}

// renderReminder builds the reminder text and its confirm keyboard.
func renderReminder(sub storage.Subscription, now time.Time) (string, any) {
	days := daysUntil(now, sub.NextDue)

	var when tgui.H
	switch {
	case days <= 0:
		when = tgui.Esc("due today")
	case days == 1:
		when = tgui.Esc("due tomorrow")
	default:
		when = tgui.Esc(fmt.Sprintf("due in %d days", days))
	}

	text := tgui.JoinH("\n",
		tgui.JoinH(" ", tgui.Raw("🔔"), tgui.B(sub.Service), tgui.Esc("—"),
			tgui.Esc(formatAmount(sub.Amount)+" "+sub.Currency)),
		tgui.JoinH(" ", tgui.Esc("Payment"), when,
			tgui.Esc("("+sub.NextDue.UTC().Format("2006-01-02")+")")),
	)

	markup := tgui.NewInline().
		Row(tgui.Btn("✅ Paid", tgui.Data("sub", "pay", PayPayload(sub.ID, sub.NextDue)))).
		Markup()
	return text.String(), markup
}

// PayPayload encodes a confirm-button payload bound to the cycle it was
// rendered for, so a tap on an old message cannot confirm a later cycle.
func PayPayload(subID string, due time.Time) string {
	return subID + "|" + strconv.FormatInt(due.UnixMilli(), 10)
}

// ParsePayPayload splits a confirm payload back into subscription id and the
// due date the button was rendered against.
func ParsePayPayload(payload string) (string, time.Time, error) {
	id, millis, ok := strings.Cut(payload, "|")
	if !ok || id == "" {
		return "", time.Time{}, fmt.Errorf("malformed confirm payload %q", payload)
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed confirm payload %q", payload)
	}
	return id, time.UnixMilli(ms).UTC(), nil
}

// daysUntil counts calendar-ish days from now to due, rounding partial days up.
func daysUntil(now, due time.Time) int {
	return int(math.Ceil(due.Sub(now).Hours() / 24))
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
