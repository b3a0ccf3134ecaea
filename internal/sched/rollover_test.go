package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

func TestConfirmPaymentSingleAdvance(t *testing.T) {
	t.Parallel()

	// Confirmation on 2024-02-02, one day late, still advances by exactly
	// one 30-day period from the stored due date.
	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))
	e := NewEngine(store, nil, logx.Nop())
	e.now = func() time.Time { return mustTime("2024-02-02T00:00:00Z") }

	next, err := e.ConfirmPayment(context.Background(), "s1", due)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	want := mustTime("2024-03-02T00:00:00Z")
	if !next.Equal(want) {
		t.Errorf("next due = %v, want %v", next, want)
	}

	sub, _ := store.GetSubscription(context.Background(), "s1")
	if !sub.NextDue.Equal(want) {
		t.Errorf("stored next due = %v, want %v", sub.NextDue, want)
	}
}

func TestConfirmPaymentNotFound(t *testing.T) {
	t.Parallel()

	e := NewEngine(newFakeStore(), nil, logx.Nop())
	_, err := e.ConfirmPayment(context.Background(), "ghost", mustTime("2024-02-01T00:00:00Z"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmPaymentSecondTapRefused(t *testing.T) {
	t.Parallel()

	// Both taps carry the due date the reminder was rendered with. The first
	// advances the cycle, the second finds it already handled and must not
	// advance again.
	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))
	e := NewEngine(store, nil, logx.Nop())

	next, err := e.ConfirmPayment(context.Background(), "s1", due)
	if err != nil {
		t.Fatalf("first ConfirmPayment: %v", err)
	}
	want := mustTime("2024-03-02T00:00:00Z")
	if !next.Equal(want) {
		t.Fatalf("next due = %v, want %v", next, want)
	}

	_, err = e.ConfirmPayment(context.Background(), "s1", due)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("second tap err = %v, want ErrExpired", err)
	}
	sub, _ := store.GetSubscription(context.Background(), "s1")
	if !sub.NextDue.Equal(want) {
		t.Errorf("stored next due = %v, want %v after double tap", sub.NextDue, want)
	}
}

func TestConfirmPaymentRaceReportsExpired(t *testing.T) {
	t.Parallel()

	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))

	// Move the record between the engine's read and its write. The losing
	// confirmation targets a cycle that no longer exists and must not advance
	// the fresh one.
	st := &staleOnceStore{fakeStore: store, shift: 30 * 24 * time.Hour}
	e := NewEngine(st, nil, logx.Nop())

	_, err := e.ConfirmPayment(context.Background(), "s1", due)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	sub, _ := store.GetSubscription(context.Background(), "s1")
	want := mustTime("2024-03-02T00:00:00Z")
	if !sub.NextDue.Equal(want) {
		t.Errorf("stored next due = %v, want %v (exactly one advance)", sub.NextDue, want)
	}
}

func TestConcurrentConditionalWritesOneWinner(t *testing.T) {
	t.Parallel()

	// Two confirmations racing on the same stale read: the store must accept
	// exactly one and reject the other with ErrStaleWrite.
	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))
	next := due.Add(30 * 24 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CompareAndSetNextDue(context.Background(), "s1", due, next)
		}(i)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrStaleWrite):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Errorf("got %d successes and %d stale rejections, want exactly 1 and 1", ok, stale)
	}
}

func TestCatchUpConvergesByWholePeriods(t *testing.T) {
	t.Parallel()

	// next_due three periods in the past converges to the first future
	// boundary, advancing only by whole multiples of the period.
	period := 30 * 24 * time.Hour
	due := mustTime("2024-02-01T00:00:00Z")
	now := due.Add(3 * period).Add(12 * time.Hour)

	store := newFakeStore(testSub("s1", due))
	e := NewEngine(store, nil, logx.Nop())
	e.now = func() time.Time { return now }

	sub, _ := store.GetSubscription(context.Background(), "s1")
	got, advanced, err := e.CatchUp(context.Background(), sub)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if !advanced {
		t.Error("advanced = false, want true")
	}

	want := due.Add(4 * period)
	if !got.NextDue.Equal(want) {
		t.Errorf("next due = %v, want %v", got.NextDue, want)
	}
	if step := got.NextDue.Sub(due) % period; step != 0 {
		t.Errorf("advance %v is not a whole multiple of the period", got.NextDue.Sub(due))
	}
	if !got.NextDue.After(now) {
		t.Errorf("next due %v not in the future of %v", got.NextDue, now)
	}
}

func TestCatchUpLeavesJustElapsedCycle(t *testing.T) {
	t.Parallel()

	// A due date one minute in the past is still within its grace period: the
	// cycle stays put awaiting the user's confirmation.
	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))
	e := NewEngine(store, nil, logx.Nop())
	e.now = func() time.Time { return due.Add(time.Minute) }

	sub, _ := store.GetSubscription(context.Background(), "s1")
	got, advanced, err := e.CatchUp(context.Background(), sub)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if advanced {
		t.Error("advanced = true for an unconfirmed just-elapsed cycle, want false")
	}
	if !got.NextDue.Equal(due) {
		t.Errorf("next due = %v, want unchanged %v", got.NextDue, due)
	}
	if store.casCalls != 0 {
		t.Errorf("conditional writes = %d, want 0", store.casCalls)
	}
}

func TestCatchUpNoopWhenFuture(t *testing.T) {
	t.Parallel()

	due := mustTime("2024-02-01T00:00:00Z")
	store := newFakeStore(testSub("s1", due))
	e := NewEngine(store, nil, logx.Nop())
	e.now = func() time.Time { return mustTime("2024-01-20T00:00:00Z") }

	sub, _ := store.GetSubscription(context.Background(), "s1")
	got, advanced, err := e.CatchUp(context.Background(), sub)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if advanced {
		t.Error("advanced = true for a future due date, want false")
	}
	if !got.NextDue.Equal(due) {
		t.Errorf("next due = %v, want unchanged %v", got.NextDue, due)
	}
	if store.casCalls != 0 {
		t.Errorf("conditional writes = %d, want 0", store.casCalls)
	}
}

// staleOnceStore injects exactly one stale rejection into the first
// conditional write, simulating a concurrent advance.
type staleOnceStore struct {
	*fakeStore
	shift time.Duration
	once  sync.Once
}

func (s *staleOnceStore) CompareAndSetNextDue(ctx context.Context, id string, expected, next time.Time) error {
	raced := false
	s.once.Do(func() {
		sub, _ := s.fakeStore.GetSubscription(ctx, id)
		_ = s.fakeStore.CompareAndSetNextDue(ctx, id, sub.NextDue, sub.NextDue.Add(s.shift))
		raced = true
	})
	if raced {
		return storage.ErrStaleWrite
	}
	return s.fakeStore.CompareAndSetNextDue(ctx, id, expected, next)
}
