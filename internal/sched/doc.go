// Package sched is the reminder scheduling and billing-cycle rollover core.
//
// The planner derives ephemeral jobs from a subscription's next_due, the
// registry owns the live timers (replace-on-reschedule, version-guarded
// against stale fires), the dispatcher sends reminders with a re-fetch and
// expiry check, and the rollover engine advances next_due through the record
// store's conditional write. Jobs are never persisted: the bootstrap loader
// re-derives every schedule from stored subscriptions on start and on each
// reconcile sweep.
package sched
