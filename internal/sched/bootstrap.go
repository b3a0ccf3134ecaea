package sched

import (
	"context"
	"errors"
	"time"

	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

// LoadAll re-derives every schedule from the record store: list active
// subscriptions, run missed-cycle catch-up, plan and install. A malformed or
// vanished record is logged and skipped; one bad row never aborts the load.
// Runs at Start and on each reconcile sweep.
func (s *Service) LoadAll(ctx context.Context) error {
	start := time.Now()
	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}

	installed := 0
	for _, sub := range subs {
		if err := sub.Validate(); err != nil {
			s.log.Warn("skipping malformed subscription",
				logx.String("sub", sub.ID), logx.Err(err))
			continue
		}
		cur, _, err := s.engine.CatchUp(ctx, sub)
		if errors.Is(err, storage.ErrNotFound) {
			s.registry.Remove(sub.ID)
			continue
		}
		if err != nil {
			s.log.Warn("catch-up failed, scheduling from stored state",
				logx.String("sub", sub.ID), logx.Err(err))
			cur = sub
		}
		s.schedule(cur)
		installed++
	}

	s.log.Debug("schedules loaded",
		logx.Int("subscriptions", installed),
		logx.Int("listed", len(subs)),
		logx.Duration("took", time.Since(start)))
	return nil
}
