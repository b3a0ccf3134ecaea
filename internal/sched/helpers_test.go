package sched

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

// fakeStore is an in-memory storage.Store with the same conditional-write
// semantics as the sqlite implementation.
type fakeStore struct {
	mu   sync.Mutex
	subs map[string]storage.Subscription

	casCalls  int
	getCalls  int
	listCalls int
}

func newFakeStore(subs ...storage.Subscription) *fakeStore {
	s := &fakeStore{subs: map[string]storage.Subscription{}}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

func (s *fakeStore) UpsertUser(context.Context, storage.User) error { return nil }

func (s *fakeStore) CreateSubscription(_ context.Context, sub storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeStore) GetSubscription(_ context.Context, id string) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	sub, ok := s.subs[id]
	if !ok {
		return storage.Subscription{}, storage.ErrNotFound
	}
	return sub, nil
}

func (s *fakeStore) ListActiveSubscriptions(context.Context) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := make([]storage.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListSubscriptionsByOwner(_ context.Context, owner int64) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Subscription
	for _, sub := range s.subs {
		if sub.OwnerID == owner {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeStore) FindSubscriptionByService(_ context.Context, owner int64, service string) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.OwnerID == owner && strings.EqualFold(sub.Service, service) {
			return sub, nil
		}
	}
	return storage.Subscription{}, storage.ErrNotFound
}

func (s *fakeStore) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *fakeStore) CompareAndSetNextDue(_ context.Context, id string, expected, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	sub, ok := s.subs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !sub.NextDue.Equal(expected) {
		return storage.ErrStaleWrite
	}
	sub.NextDue = next
	s.subs[id] = sub
	return nil
}

func (s *fakeStore) MonthlyTotal(context.Context, int64) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (s *fakeStore) Close() error { return nil }

// sentMessage records one SendText call.
type sentMessage struct {
	ChatID int64
	Text   string
	Opt    *transport.SendOptions
}

// fakeAdapter records outgoing messages; SendErr forces delivery failures.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMessage
	SendErr error
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                          { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SendErr != nil {
		return transport.MessageRef{}, a.SendErr
	}
	a.sent = append(a.sent, sentMessage{ChatID: to.ChatID, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (a *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAdapter) lastSent() sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent[len(a.sent)-1]
}

// manualTriggers is a TriggerSource driven by the test: nothing fires until
// fireDue(now) runs the callbacks scheduled at or before now.
type manualTriggers struct {
	mu      sync.Mutex
	seq     int
	pending map[int]manualEntry
}

type manualEntry struct {
	at time.Time
	fn func()
}

func newManualTriggers() *manualTriggers {
	return &manualTriggers{pending: map[int]manualEntry{}}
}

func (m *manualTriggers) ScheduleAt(t time.Time, fn func()) TriggerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.pending[id] = manualEntry{at: t, fn: fn}
	return manualHandle{m: m, id: id}
}

func (m *manualTriggers) fireDue(now time.Time) {
	m.mu.Lock()
	var due []func()
	for id, e := range m.pending {
		if !e.at.After(now) {
			due = append(due, e.fn)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

func (m *manualTriggers) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type manualHandle struct {
	m  *manualTriggers
	id int
}

func (h manualHandle) Cancel() {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.pending, h.id)
}

func mustTime(t string) time.Time {
	ts, err := time.Parse(time.RFC3339, t)
	if err != nil {
		panic(err)
	}
	return ts
}

func testSub(id string, nextDue time.Time) storage.Subscription {
	return storage.Subscription{
		ID:         id,
		OwnerID:    100,
		Service:    "Netflix",
		Amount:     9.99,
		Currency:   "USD",
		PeriodDays: 30,
		NextDue:    nextDue,
	}
}

// newTestService wires a Service around manual triggers and fakes so tests
// control time and firing explicitly.
func newTestService(store storage.Store, adapter transport.Adapter, triggers TriggerSource, clock func() time.Time) *Service {
	cfg := Config{OffsetDays: []int{7, 3, 1}, RatePerSec: 1000}.normalized()
	s := &Service{
		cfg:        cfg,
		log:        logx.Nop(),
		store:      store,
		registry:   NewRegistry(triggers, logx.Nop()),
		dispatcher: NewDispatcher(store, adapter, nil, logx.Nop(), cfg.RatePerSec),
		engine:     NewEngine(store, nil, logx.Nop()),
		now:        clock,
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.dispatcher.now = s.now
	s.engine.now = s.now
	return s
}
