package store

import (
	"github.com/catalystcommunity/gflowd/internal/job"
)

// CurrentSchemaVersion is the schema version this binary writes. Loading an
// older version runs it through migrations.Upgrade; loading a newer version
// is refused (spec.md §9).
const CurrentSchemaVersion = 1

// RecentSubmissionsWindow bounds how many prior job ids are kept for
// "@"/"@~N" dependency-sugar resolution (spec.md §3).
const RecentSubmissionsWindow = 64

// SchedulerState is the root persisted value (spec.md §3).
type SchedulerState struct {
	SchemaVersion int `msgpack:"schema_version"`

	NextID            uint64             `msgpack:"next_id"`
	Jobs              map[uint64]*job.Job `msgpack:"jobs"`
	RecentSubmissions []uint64           `msgpack:"recent_submissions"`
	AllowedGPUs       []int              `msgpack:"allowed_gpus"`
	GroupLimits       map[string]int     `msgpack:"group_limits"`
}

// NewState returns an empty SchedulerState at the current schema version.
func NewState() *SchedulerState {
	return &SchedulerState{
		SchemaVersion: CurrentSchemaVersion,
		NextID:        1,
		Jobs:          make(map[uint64]*job.Job),
		GroupLimits:   make(map[string]int),
	}
}

// PushRecentSubmission appends id to the recent-submissions ring, trimming
// the oldest entries beyond RecentSubmissionsWindow.
func (s *SchedulerState) PushRecentSubmission(id uint64) {
	s.RecentSubmissions = append(s.RecentSubmissions, id)
	if excess := len(s.RecentSubmissions) - RecentSubmissionsWindow; excess > 0 {
		s.RecentSubmissions = s.RecentSubmissions[excess:]
	}
}

// Clone returns a deep-enough copy of the state for safe handling outside
// the scheduler's lock (used by Store.Save so encoding doesn't race further
// mutation, and by read-only API listings).
func (s *SchedulerState) Clone() *SchedulerState {
	out := &SchedulerState{
		SchemaVersion: s.SchemaVersion,
		NextID:        s.NextID,
		Jobs:          make(map[uint64]*job.Job, len(s.Jobs)),
		GroupLimits:   make(map[string]int, len(s.GroupLimits)),
	}
	for id, j := range s.Jobs {
		jobCopy := *j
		if j.GPUsAssigned != nil {
			jobCopy.GPUsAssigned = append([]int(nil), j.GPUsAssigned...)
		}
		if j.Reason != nil {
			r := *j.Reason
			jobCopy.Reason = &r
		}
		out.Jobs[id] = &jobCopy
	}
	out.RecentSubmissions = append([]uint64(nil), s.RecentSubmissions...)
	out.AllowedGPUs = append([]int(nil), s.AllowedGPUs...)
	for g, limit := range s.GroupLimits {
		out.GroupLimits[g] = limit
	}
	return out
}
