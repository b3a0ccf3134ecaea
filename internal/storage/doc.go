// Package storage is the durable record store for users and subscriptions.
//
// Jobs are never persisted here: schedules are always re-derived from the
// subscription rows, so the only shared mutable state across restarts (and
// the only concurrency-control point) is the subscription's next_due column,
// guarded by CompareAndSetNextDue.
package storage
