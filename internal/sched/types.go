package sched

import (
	"errors"
	"time"
)

var (
	// ErrDelivery wraps a transport failure while sending a reminder. Reminders
	// are best-effort: the caller logs and drops the job, a closer offset follows.
	ErrDelivery = errors.New("reminder delivery failed")

	// ErrExpired reports a confirmation for a cycle that was already confirmed
	// or rescheduled. The command layer answers it neutrally.
	ErrExpired = errors.New("cycle already handled")
)

type JobKind string

const (
	JobReminder JobKind = "reminder"
	JobRollover JobKind = "rollover"
)

// Job is one pending trigger derived from a subscription. Jobs are owned by
// the registry and reconstructed on every reschedule; Due records the NextDue
// the job was planned from, so a dispatch can detect that the subscription
// rolled forward underneath it.
type Job struct {
	SubID      string
	Kind       JobKind
	OffsetDays int // 0 for rollover jobs
	FireAt     time.Time
	Due        time.Time
}

// TriggerHandle cancels a pending trigger. Cancel is idempotent.
type TriggerHandle interface {
	Cancel()
}

// TriggerSource is the minimal scheduling authority: fire fn at (or as soon
// as possible after) t. Implementations must not run fn synchronously inside
// ScheduleAt.
type TriggerSource interface {
	ScheduleAt(t time.Time, fn func()) TriggerHandle
}

// NewTimerTriggers returns the wall-clock TriggerSource over time.AfterFunc.
func NewTimerTriggers() TriggerSource { return timerTriggers{} }

type timerTriggers struct{}

func (timerTriggers) ScheduleAt(t time.Time, fn func()) TriggerHandle {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return timerHandle{t: time.AfterFunc(d, fn)}
}

type timerHandle struct{ t *time.Timer }

func (h timerHandle) Cancel() { _ = h.t.Stop() }

// Config controls the scheduling core.
type Config struct {
	// OffsetDays are the deployment-wide reminder offsets (days before due).
	OffsetDays []int
	// RatePerSec caps outgoing reminder messages.
	RatePerSec float64
	// ReconcileInterval is the period of the full re-derive sweep.
	ReconcileInterval time.Duration
}

func (c Config) normalized() Config {
	if len(c.OffsetDays) == 0 {
		c.OffsetDays = []int{7, 3, 1}
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Hour
	}
	return c
}
