package sched

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"subwatch/internal/eventbus"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

// Service owns the scheduling core: planner output flows into the registry,
// fired jobs flow into the dispatcher or the rollover engine, and a cron
// sweep periodically re-derives everything from the store.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	registry   *Registry
	dispatcher *Dispatcher
	engine     *Engine

	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool

	now func() time.Time
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	return &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      store,
		registry:   NewRegistry(NewTimerTriggers(), log),
		dispatcher: NewDispatcher(store, adapter, bus, log, cfg.RatePerSec),
		engine:     NewEngine(store, bus, log),
		now:        time.Now,
	}
}

// Start bootstraps all schedules from the store and begins the reconcile
// sweep. Safe to call once; later calls are no-ops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	interval := s.cfg.ReconcileInterval
	s.mu.Unlock()

	start := time.Now()
	if err := s.LoadAll(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.reconcile)
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}
	c.Start()

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()

	s.log.Info("service started",
		logx.Int("subscriptions", s.registry.Len()),
		logx.Duration("reconcile_every", interval),
		logx.Duration("took", time.Since(start)))
	return nil
}

// Stop halts the reconcile sweep and cancels all pending triggers. In-flight
// dispatches observe the cancelled run context and bail out.
func (s *Service) Stop(ctx context.Context) {
	s.log.Info("stop requested")
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	s.registry.Close()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply installs a new config. An offset change triggers an async full
// replan so existing schedules pick up the new reminder set.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	runCtx := s.runCtx
	started := s.started
	s.mu.Unlock()

	s.dispatcher.SetRate(cfg.RatePerSec)
	if started && !slices.Equal(old.OffsetDays, cfg.OffsetDays) {
		go func() {
			if err := s.LoadAll(runCtx); err != nil {
				s.log.Warn("replan after config change failed", logx.Err(err))
			}
		}()
	}
}

// OnSubscriptionCreated installs the schedule for a freshly stored
// subscription.
func (s *Service) OnSubscriptionCreated(sub storage.Subscription) {
	s.schedule(sub)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventSubscriptionCreated, Data: map[string]any{
			"sub_id":  sub.ID,
			"service": sub.Service,
		}})
	}
}

// OnSubscriptionDeleted drops every pending trigger for id.
func (s *Service) OnSubscriptionDeleted(id string) {
	s.registry.Remove(id)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventSubscriptionDeleted, Data: map[string]any{
			"sub_id": id,
		}})
	}
}

// OnPaymentConfirmed rolls the subscription one period forward and replaces
// its schedule with jobs derived from the new due date. expected is the due
// date the confirmation was rendered for; a tap on an already-handled cycle
// returns ErrExpired.
func (s *Service) OnPaymentConfirmed(ctx context.Context, id string, expected time.Time) (time.Time, error) {
	next, err := s.engine.ConfirmPayment(ctx, id, expected)
	if err != nil {
		return time.Time{}, err
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err == nil {
		s.schedule(sub)
	}
	return next, nil
}

func (s *Service) offsets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.OffsetDays
}

func (s *Service) schedule(sub storage.Subscription) {
	jobs := Plan(sub, s.offsets(), s.now())
	s.registry.Replace(sub.ID, jobs, s.fire)
}

// fire runs on a trigger goroutine; a panic here must not take the process
// down with it.
func (s *Service) fire(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panicked",
				logx.String("sub", job.SubID),
				logx.Any("panic", r))
		}
	}()

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
	defer cancel()

	switch job.Kind {
	case JobReminder:
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.log.Warn("reminder dropped",
				logx.String("sub", job.SubID),
				logx.Int("offset_days", job.OffsetDays),
				logx.Err(err))
		}
	case JobRollover:
		s.rollover(ctx, job)
	}
}

// rollover handles the terminal job at the due instant. A just-elapsed cycle
// stays put awaiting the user's confirmation; only when the record is behind
// by more than a full period does catch-up advance it and replan.
func (s *Service) rollover(ctx context.Context, job Job) {
	sub, err := s.store.GetSubscription(ctx, job.SubID)
	if errors.Is(err, storage.ErrNotFound) {
		s.registry.Remove(job.SubID)
		return
	}
	if err != nil {
		s.log.Warn("rollover re-fetch failed", logx.String("sub", job.SubID), logx.Err(err))
		return
	}
	if !sub.NextDue.Equal(job.Due) {
		// Confirmed or rescheduled elsewhere; make sure our schedule
		// matches the current state.
		s.schedule(sub)
		return
	}

	cur, advanced, err := s.engine.CatchUp(ctx, sub)
	if errors.Is(err, storage.ErrNotFound) {
		s.registry.Remove(job.SubID)
		return
	}
	if err != nil {
		s.log.Warn("rollover catch-up failed", logx.String("sub", job.SubID), logx.Err(err))
		return
	}
	if advanced {
		s.schedule(cur)
	}
}

func (s *Service) reconcile() {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	if err := s.LoadAll(runCtx); err != nil {
		s.log.Warn("reconcile sweep failed", logx.Err(err))
	}
}
