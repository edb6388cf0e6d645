package scheduler

import (
	"time"

	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/metrics"
)

// jobSnapshot captures the mutable fields of a job before an in-place
// mutation, so a caller that fails to persist can put it back exactly as it
// was (spec.md §5: "disk may be unwritable" must not leave memory and disk
// disagreeing about what's live).
type jobSnapshot struct {
	id         uint64
	state      job.State
	reason     *job.Reason
	finishedAt *time.Time
}

func snapshotJob(j *job.Job) jobSnapshot {
	return jobSnapshot{id: j.ID, state: j.State, reason: j.Reason, finishedAt: j.FinishedAt}
}

// restoreJobSnapshots undoes a set of snapshotted mutations. Caller must
// hold s.mu.
func (s *Scheduler) restoreJobSnapshots(snaps []jobSnapshot) {
	for _, sn := range snaps {
		j, ok := s.state.Jobs[sn.id]
		if !ok {
			continue
		}
		j.State = sn.state
		j.Reason = sn.reason
		j.FinishedAt = sn.finishedAt
	}
}

// cascadeFromLocked walks dependents of each id in roots and cancels those
// in {Queued, Held} with auto_cancel_on_dep_failure set, recursively, so a
// chain of dependencies all collapses within the same tick (spec.md §8:
// "Cascade coverage"). roots must already be jobs that did NOT finish
// successfully; a root is always assumed to have failed its dependents.
// Caller must hold s.mu. Returns the ids cancelled and a snapshot of each
// touched job's prior state, so a caller that can't persist the result can
// roll it back with restoreJobSnapshots.
func (s *Scheduler) cascadeFromLocked(roots []uint64) ([]uint64, []jobSnapshot) {
	var cancelled []uint64
	var snaps []jobSnapshot
	queue := append([]uint64(nil), roots...)
	now := s.clock.Now()

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		for _, j := range s.state.Jobs {
			if j.DependsOn == nil || *j.DependsOn != parentID {
				continue
			}
			if j.State != job.Queued && j.State != job.Held {
				continue
			}
			if !j.AutoCancelOnDepFailure {
				continue
			}
			snaps = append(snaps, snapshotJob(j))
			j.State = job.Cancelled
			j.FinishedAt = &now
			r := job.DependencyFailed(parentID)
			j.Reason = &r
			cancelled = append(cancelled, j.ID)
			queue = append(queue, j.ID)
			metrics.JobsCascaded.Inc()
		}
	}
	return cancelled, snaps
}
