package sched

import (
	"sort"
	"time"

	"subwatch/internal/storage"
)

// Plan derives the job set for one subscription, evaluated at now.
//
// For each offset d, a reminder fires at NextDue - d days, but only when that
// instant is strictly in the future; past offsets are dropped without backfill.
// Exactly one rollover job is always emitted at NextDue itself — when NextDue
// is already past it fires immediately, which is the missed-cycle path.
//
// Output is ascending by fire time and deterministic for identical input.
func Plan(sub storage.Subscription, offsets []int, now time.Time) []Job {
	due := sub.NextDue.UTC()
	jobs := make([]Job, 0, len(offsets)+1)

	seen := map[int]bool{}
	for _, d := range offsets {
		if d <= 0 || seen[d] {
			continue
		}
		seen[d] = true
		fireAt := due.Add(-time.Duration(d) * 24 * time.Hour)
		if !fireAt.After(now) {
			continue
		}
		jobs = append(jobs, Job{
			SubID:      sub.ID,
			Kind:       JobReminder,
			OffsetDays: d,
			FireAt:     fireAt,
			Due:        due,
		})
	}

	jobs = append(jobs, Job{
		SubID:  sub.ID,
		Kind:   JobRollover,
		FireAt: due,
		Due:    due,
	})

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	return jobs
}
