package sched

import (
	"sync/atomic"
	"testing"

	logx "subwatch/pkg/logx"
)

func TestRegistryReplaceIdempotent(t *testing.T) {
	t.Parallel()

	triggers := newManualTriggers()
	r := NewRegistry(triggers, logx.Nop())

	sub := testSub("s1", mustTime("2024-02-01T00:00:00Z"))
	jobs := Plan(sub, []int{7, 3, 1}, mustTime("2024-01-20T00:00:00Z"))

	var fired atomic.Int32
	fire := func(Job) { fired.Add(1) }

	r.Replace(sub.ID, jobs, fire)
	r.Replace(sub.ID, jobs, fire)

	if got := r.Active(sub.ID); got != len(jobs) {
		t.Errorf("active jobs = %d, want %d (double replace must not duplicate)", got, len(jobs))
	}
	if got := triggers.pendingCount(); got != len(jobs) {
		t.Errorf("pending triggers = %d, want %d", got, len(jobs))
	}

	triggers.fireDue(mustTime("2024-02-02T00:00:00Z"))
	if got := fired.Load(); got != int32(len(jobs)) {
		t.Errorf("fired %d times, want %d", got, len(jobs))
	}
}

func TestRegistryStaleTimerIsNoop(t *testing.T) {
	t.Parallel()

	triggers := newManualTriggers()
	r := NewRegistry(triggers, logx.Nop())

	sub := testSub("s1", mustTime("2024-02-01T00:00:00Z"))
	jobs := Plan(sub, []int{1}, mustTime("2024-01-20T00:00:00Z"))

	var fired atomic.Int32
	r.Replace(sub.ID, jobs, func(Job) { fired.Add(1) })

	// Capture the first generation's callbacks, then replace underneath them.
	triggers.mu.Lock()
	var stale []func()
	for _, e := range triggers.pending {
		stale = append(stale, e.fn)
	}
	triggers.mu.Unlock()

	r.Replace(sub.ID, jobs, func(Job) { fired.Add(1) })

	for _, fn := range stale {
		fn()
	}
	if got := fired.Load(); got != 0 {
		t.Errorf("stale callbacks fired %d times, want 0", got)
	}

	triggers.fireDue(mustTime("2024-02-02T00:00:00Z"))
	if got := fired.Load(); got != int32(len(jobs)) {
		t.Errorf("current generation fired %d times, want %d", got, len(jobs))
	}
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	triggers := newManualTriggers()
	r := NewRegistry(triggers, logx.Nop())

	sub := testSub("s1", mustTime("2024-02-01T00:00:00Z"))
	jobs := Plan(sub, []int{7, 3, 1}, mustTime("2024-01-20T00:00:00Z"))

	var fired atomic.Int32
	r.Replace(sub.ID, jobs, func(Job) { fired.Add(1) })
	r.Remove(sub.ID)
	r.Remove(sub.ID) // second remove is a no-op

	if got := r.Active(sub.ID); got != 0 {
		t.Errorf("active jobs after remove = %d, want 0", got)
	}
	if got := triggers.pendingCount(); got != 0 {
		t.Errorf("pending triggers after remove = %d, want 0", got)
	}

	triggers.fireDue(mustTime("2024-03-01T00:00:00Z"))
	if got := fired.Load(); got != 0 {
		t.Errorf("fired %d times after remove, want 0", got)
	}
}

func TestRegistryIndependentIDs(t *testing.T) {
	t.Parallel()

	triggers := newManualTriggers()
	r := NewRegistry(triggers, logx.Nop())

	now := mustTime("2024-01-20T00:00:00Z")
	a := testSub("a", mustTime("2024-02-01T00:00:00Z"))
	b := testSub("b", mustTime("2024-02-10T00:00:00Z"))

	var firedA, firedB atomic.Int32
	r.Replace(a.ID, Plan(a, []int{1}, now), func(Job) { firedA.Add(1) })
	r.Replace(b.ID, Plan(b, []int{1}, now), func(Job) { firedB.Add(1) })

	r.Remove(a.ID)
	triggers.fireDue(mustTime("2024-03-01T00:00:00Z"))

	if got := firedA.Load(); got != 0 {
		t.Errorf("removed id fired %d times, want 0", got)
	}
	if got := firedB.Load(); got != 2 {
		t.Errorf("untouched id fired %d times, want 2", got)
	}
}
