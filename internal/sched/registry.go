package sched

import (
	"sync"

	logx "subwatch/pkg/logx"
)

// Registry is the authoritative per-process mapping from subscription id to
// its active triggers. Replace and Remove bump a per-id version; a timer that
// fires after its version moved on is a no-op, so cancellation races with
// in-flight fires resolve to "newest schedule wins".
type Registry struct {
	mu       sync.Mutex
	triggers TriggerSource
	log      logx.Logger

	ver     map[string]uint64
	handles map[string][]TriggerHandle
}

func NewRegistry(triggers TriggerSource, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		triggers: triggers,
		log:      log,
		ver:      map[string]uint64{},
		handles:  map[string][]TriggerHandle{},
	}
}

// Replace atomically swaps the job set for subID. Previously registered
// triggers are cancelled before the new ones are installed; fire runs on the
// trigger source's goroutine.
func (r *Registry) Replace(subID string, jobs []Job, fire func(Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked(subID)
	ver := r.ver[subID] + 1
	r.ver[subID] = ver

	hs := make([]TriggerHandle, 0, len(jobs))
	for _, job := range jobs {
		job := job
		hs = append(hs, r.triggers.ScheduleAt(job.FireAt, func() {
			// Ignore stale callbacks from a replaced or removed schedule.
			r.mu.Lock()
			cur := r.ver[subID]
			r.mu.Unlock()
			if cur != ver {
				return
			}
			fire(job)
		}))
	}
	r.handles[subID] = hs
	r.log.Debug("jobs replaced", logx.String("sub", subID), logx.Int("jobs", len(jobs)))
}

// Remove invalidates and drops all jobs for subID. No-op when none exist.
func (r *Registry) Remove(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[subID]; !ok {
		return
	}
	r.cancelLocked(subID)
	// The version entry survives removal so a later re-create cannot collide
	// with a callback from a previous generation.
	r.ver[subID]++
	delete(r.handles, subID)
	r.log.Debug("jobs removed", logx.String("sub", subID))
}

// Close cancels every pending trigger.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.handles {
		r.cancelLocked(id)
		r.ver[id]++
	}
	r.handles = map[string][]TriggerHandle{}
}

// Active returns the number of pending triggers for subID.
func (r *Registry) Active(subID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles[subID])
}

// Len returns the number of subscriptions with at least one pending trigger.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) cancelLocked(subID string) {
	for _, h := range r.handles[subID] {
		h.Cancel()
	}
	delete(r.handles, subID)
}
