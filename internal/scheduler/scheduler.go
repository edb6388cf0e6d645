// Package scheduler owns the single serialisation point for all job-state
// mutations (spec.md §5): submission, the periodic tick, explicit
// cancel/hold/release, and GPU/group-limit configuration. Every exported
// method takes the scheduler's lock for its own duration; the tick releases
// the lock around calls into the Executor that may suspend on process
// creation. No separate "starting" flag is kept: the job stays Queued while
// its session starts, and if it was cancelled or held in the meantime that
// state is kept and the session just started for it is terminated.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/clock"
	"github.com/catalystcommunity/gflowd/internal/executor"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/namegen"
	"github.com/catalystcommunity/gflowd/internal/store"
)

// Scheduler is the single logical actor described in spec.md §5. All of its
// exported methods are safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	st    *store.Store
	state *store.SchedulerState
	clock clock.Clock
	exec  executor.Executor
	names namegen.Generator

	detectedGPUs []int
	logDir       string

	// pendingTerminal tracks jobs whose session termination has been
	// requested (by the timeout enforcer or an explicit cancel) but not
	// yet observed by the reaper. It decides which terminal state the
	// next reap should land on, rather than inferring it from the exit
	// code (spec.md §4.1, §4.3). It is deliberately not persisted: losing
	// it across a restart just means the job falls back to exit-code
	// based classification, an acceptable edge case.
	pendingTerminal map[uint64]job.State
}

// Config bundles a Scheduler's fixed dependencies.
type Config struct {
	Store        *store.Store
	Clock        clock.Clock
	Executor     executor.Executor
	Names        namegen.Generator
	DetectedGPUs []int
	LogDir       string
}

// New loads persisted state (or initialises a fresh one) and returns a
// ready-to-use Scheduler. AllowedGPUs defaults to every detected id when the
// loaded state has none configured yet (first run).
func New(cfg Config) (*Scheduler, error) {
	state, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading state: %w", err)
	}
	if state.AllowedGPUs == nil {
		state.AllowedGPUs = append([]int(nil), cfg.DetectedGPUs...)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &Scheduler{
		st:              cfg.Store,
		state:           state,
		clock:           clk,
		exec:            cfg.Executor,
		names:           cfg.Names,
		detectedGPUs:    cfg.DetectedGPUs,
		logDir:          cfg.LogDir,
		pendingTerminal: make(map[uint64]job.State),
	}, nil
}

// Mode reports the underlying store's durability mode.
func (s *Scheduler) Mode() store.Mode { return s.st.Mode() }

// ReconcileOnStartup checks every persisted Running job against the
// Executor once, before the first tick. A session that is gone by the time
// the daemon (re)starts is not retried; it transitions straight to Failed
// with SystemError("session vanished") (spec.md §5).
func (s *Scheduler) ReconcileOnStartup(ctx context.Context) error {
	s.mu.Lock()
	type running struct {
		id   uint64
		name string
	}
	var runningJobs []running
	for _, j := range s.state.Jobs {
		if j.State == job.Running {
			runningJobs = append(runningJobs, running{id: j.ID, name: j.Name})
		}
	}
	s.mu.Unlock()

	if len(runningJobs) == 0 {
		return nil
	}

	vanished := make(map[uint64]bool, len(runningJobs))
	for _, r := range runningJobs {
		live, err := s.exec.IsAlive(ctx, r.name)
		if err != nil {
			logging.Log.WithField("job_id", r.id).WithError(err).Warn("scheduler: startup reconciliation failed to query session")
			continue
		}
		if live.State == executor.Missing {
			vanished[r.id] = true
		}
	}
	if len(vanished) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id := range vanished {
		j := s.state.Jobs[id]
		j.State = job.Failed
		r := job.SystemError("session vanished")
		j.Reason = &r
		j.FinishedAt = &now
		j.GPUsAssigned = nil
		logging.Log.WithField("job_id", id).Warn("scheduler: session vanished across restart, marking failed")
	}
	return s.persistLocked()
}

func (s *Scheduler) persistLocked() error {
	return s.st.Save(s.state.Clone())
}

// Save persists the current state immediately. Used by the daemon's
// graceful-shutdown path (spec.md §5: "save state once more, then return").
func (s *Scheduler) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// --- queries -----------------------------------------------------------

// GetJob returns a copy of the job with the given id.
func (s *Scheduler) GetJob(id uint64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}

// JobFilter narrows ListJobs results (spec.md §4.8's GET /jobs query params).
type JobFilter struct {
	States []job.State
	IDs    []uint64
	Names  []string
	Since  time.Time
	Limit  int
}

// ListJobs returns jobs matching filter, sorted by id ascending.
func (s *Scheduler) ListJobs(filter JobFilter) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateSet := make(map[job.State]bool, len(filter.States))
	for _, st := range filter.States {
		stateSet[st] = true
	}
	idSet := make(map[uint64]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		idSet[id] = true
	}
	nameSet := make(map[string]bool, len(filter.Names))
	for _, n := range filter.Names {
		nameSet[n] = true
	}

	var out []*job.Job
	for _, j := range s.state.Jobs {
		if len(stateSet) > 0 && !stateSet[j.State] {
			continue
		}
		if len(idSet) > 0 && !idSet[j.ID] {
			continue
		}
		if len(nameSet) > 0 && !nameSet[j.Name] {
			continue
		}
		if !filter.Since.IsZero() && j.SubmittedAt.Before(filter.Since) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// GPUStatus describes one detected GPU for GET /gpus.
type GPUStatus struct {
	ID         int
	Busy       bool
	Restricted bool
}

// GPUs reports allowed ids and per-detected-id status.
func (s *Scheduler) GPUs() (allowed []int, detected []GPUStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowedSet := make(map[int]bool, len(s.state.AllowedGPUs))
	for _, id := range s.state.AllowedGPUs {
		allowedSet[id] = true
	}
	busy := s.assignedGPUsLocked()

	detected = make([]GPUStatus, 0, len(s.detectedGPUs))
	for _, id := range s.detectedGPUs {
		detected = append(detected, GPUStatus{
			ID:         id,
			Busy:       busy[id],
			Restricted: !allowedSet[id],
		})
	}
	return append([]int(nil), s.state.AllowedGPUs...), detected
}

func (s *Scheduler) assignedGPUsLocked() map[int]bool {
	busy := make(map[int]bool)
	for _, j := range s.state.Jobs {
		if j.State != job.Running {
			continue
		}
		for _, id := range j.GPUsAssigned {
			busy[id] = true
		}
	}
	return busy
}

// --- mutation: gpus and group limits ------------------------------------

// SetAllowedGPUs updates the allowed set. It takes effect for future
// dispatches only (spec.md §4.5).
func (s *Scheduler) SetAllowedGPUs(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.AllowedGPUs
	s.state.AllowedGPUs = append([]int(nil), ids...)
	if err := s.persistLocked(); err != nil {
		s.state.AllowedGPUs = prev
		return err
	}
	return nil
}

// SetGroupLimit sets the concurrency cap for a group.
func (s *Scheduler) SetGroupLimit(groupID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.GroupLimits == nil {
		s.state.GroupLimits = make(map[string]int)
	}
	prev, had := s.state.GroupLimits[groupID]
	s.state.GroupLimits[groupID] = limit
	if err := s.persistLocked(); err != nil {
		if had {
			s.state.GroupLimits[groupID] = prev
		} else {
			delete(s.state.GroupLimits, groupID)
		}
		return err
	}
	return nil
}

// --- mutation: submit ----------------------------------------------------

// Submit validates and admits a new job, returning its assigned id and
// resolved name. Validation follows the order in spec.md §4.2 exactly.
func (s *Scheduler) Submit(sub Submission) (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.GPUsRequested < 0 || sub.GPUsRequested > len(s.detectedGPUs) {
		return 0, "", fmt.Errorf("%w: gpus_requested %d exceeds %d detected GPUs", ErrValidation, sub.GPUsRequested, len(s.detectedGPUs))
	}

	var dependsOn *uint64
	if sub.DependsOn != "" {
		resolved, err := resolveDependsOn(sub.DependsOn, s.state.RecentSubmissions)
		if err != nil {
			return 0, "", err
		}
		parent, ok := s.state.Jobs[resolved]
		if !ok {
			return 0, "", fmt.Errorf("%w: depends_on references unknown job %d", ErrValidation, resolved)
		}
		if parent.ID >= s.state.NextID {
			return 0, "", fmt.Errorf("%w: depends_on cannot reference a future job", ErrValidation)
		}
		dependsOn = &resolved
	}

	if sub.TimeLimitSecs != nil && *sub.TimeLimitSecs == 0 {
		return 0, "", fmt.Errorf("%w: time_limit_secs may not be zero", ErrValidation)
	}

	name := sub.Name
	if name == "" {
		generated, err := s.names.Generate(s.liveSessionNamesLocked())
		if err != nil {
			return 0, "", fmt.Errorf("%w: generating session name: %v", ErrConflict, err)
		}
		name = generated
	} else if s.liveSessionNamesLocked()[name] {
		return 0, "", fmt.Errorf("%w: session name %q is already in use", ErrConflict, name)
	}

	id := s.state.NextID
	now := s.clock.Now()

	j := &job.Job{
		ID:                     id,
		GroupID:                sub.GroupID,
		Name:                   name,
		Command:                sub.Command,
		WorkingDir:             sub.WorkingDir,
		CondaEnv:               sub.CondaEnv,
		GPUsRequested:          sub.GPUsRequested,
		MemoryMB:               sub.MemoryMB,
		Priority:               sub.Priority,
		TimeLimitSecs:          sub.TimeLimitSecs,
		DependsOn:              dependsOn,
		AutoCancelOnDepFailure: sub.AutoCancelOnDepFailure,
		ArrayTaskID:            sub.ArrayTaskID,
		State:                  job.Queued,
		SubmittedAt:            now,
	}

	// If the store refuses the write (e.g. read-only mode, spec.md §5), the
	// job must not stay live in memory only to be dispatched by the next
	// Tick with no record of it ever having reached disk - roll the mutation
	// back and report the failure instead.
	prevRecent := s.state.RecentSubmissions
	s.state.NextID++
	s.state.Jobs[id] = j
	s.state.PushRecentSubmission(id)

	if err := s.persistLocked(); err != nil {
		delete(s.state.Jobs, id)
		s.state.NextID = id
		s.state.RecentSubmissions = prevRecent
		return 0, "", err
	}
	return id, name, nil
}

func (s *Scheduler) liveSessionNamesLocked() map[string]bool {
	names := make(map[string]bool)
	for _, j := range s.state.Jobs {
		if j.State == job.Running {
			names[j.Name] = true
		}
	}
	return names
}

// --- mutation: explicit state changes -----------------------------------

// Hold transitions a Queued job to Held.
func (s *Scheduler) Hold(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	if !job.CanTransition(j.State, job.Held) {
		return fmt.Errorf("%w: job %d cannot be held from state %s", ErrConflict, id, j.State)
	}
	snap := snapshotJob(j)
	j.State = job.Held
	r := job.Reason{Kind: job.ReasonJobHeldUser}
	j.Reason = &r
	if err := s.persistLocked(); err != nil {
		s.restoreJobSnapshots([]jobSnapshot{snap})
		return err
	}
	return nil
}

// Release transitions a Held job back to Queued.
func (s *Scheduler) Release(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	if !job.CanTransition(j.State, job.Queued) {
		return fmt.Errorf("%w: job %d cannot be released from state %s", ErrConflict, id, j.State)
	}
	snap := snapshotJob(j)
	j.State = job.Queued
	j.Reason = nil
	if err := s.persistLocked(); err != nil {
		s.restoreJobSnapshots([]jobSnapshot{snap})
		return err
	}
	return nil
}

// Cancel transitions a job toward Cancelled. Cancelling a terminal job is a
// no-op (spec.md §8). Cancelling a Running job only signals the session;
// the actual transition happens on the next reap once the session is
// confirmed gone (spec.md §4.1, §5).
func (s *Scheduler) Cancel(ctx context.Context, id uint64, reason string) error {
	s.mu.Lock()
	j, ok := s.state.Jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	if j.State == job.Running {
		name := j.Name
		s.pendingTerminal[id] = job.Cancelled
		s.mu.Unlock()

		if err := s.exec.Terminate(ctx, name); err != nil {
			logging.Log.WithField("job_id", id).WithError(err).Warn("scheduler: terminate on cancel failed, will retry at next reap")
		}
		return nil
	}

	snaps := []jobSnapshot{snapshotJob(j)}
	j.State = job.Cancelled
	now := s.clock.Now()
	j.FinishedAt = &now
	r := job.Reason{Kind: job.ReasonCancelledByUser, Message: reason}
	j.Reason = &r

	_, cascadeSnaps := s.cascadeFromLocked([]uint64{id})
	snaps = append(snaps, cascadeSnaps...)

	if err := s.persistLocked(); err != nil {
		s.restoreJobSnapshots(snaps)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return nil
}
