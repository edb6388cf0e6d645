package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/executor"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/metrics"
)

// Tick runs the five phases from spec.md §4.3: reap, timeout, cascade,
// dispatch, persist. It returns any error from the final persist; failures
// inside individual phases are logged and do not abort the tick (spec.md
// §7: "the tick loop never unwinds out of the scheduler task").
func (s *Scheduler) Tick(ctx context.Context) error {
	reapedRoots := s.reap(ctx)
	s.applyTimeouts(ctx)

	s.mu.Lock()
	failedRoots := make([]uint64, 0, len(reapedRoots))
	for _, id := range reapedRoots {
		if j, ok := s.state.Jobs[id]; ok && j.State != job.Finished {
			failedRoots = append(failedRoots, id)
		}
	}
	cascaded, _ := s.cascadeFromLocked(failedRoots)
	dirty := len(reapedRoots) > 0 || len(cascaded) > 0
	s.mu.Unlock()

	dispatched, err := s.dispatch(ctx)
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: dispatch pass failed")
	}

	if dirty || dispatched {
		s.mu.Lock()
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// reap asks the Executor about every Running job and applies exit
// classification. It returns the ids of jobs that just became terminal, for
// the cascade pass.
func (s *Scheduler) reap(ctx context.Context) []uint64 {
	type candidate struct {
		id          uint64
		name        string
		retryCancel bool
	}

	s.mu.Lock()
	var candidates []candidate
	for _, j := range s.state.Jobs {
		if j.State == job.Running {
			candidates = append(candidates, candidate{id: j.ID, name: j.Name, retryCancel: s.pendingTerminal[j.ID] == job.Cancelled})
		}
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	type result struct {
		id       uint64
		liveness executor.Liveness
		err      error
	}
	results := make([]result, 0, len(candidates))
	for _, c := range candidates {
		live, err := s.exec.IsAlive(ctx, c.name)
		if err == nil && c.retryCancel && live.State == executor.Running {
			// A cancel was requested but the session is still up.
			if termErr := s.exec.Terminate(ctx, c.name); termErr != nil {
				logging.Log.WithField("job_id", c.id).WithError(termErr).Warn("scheduler: terminate on cancel failed, will retry at next reap")
			}
		}
		results = append(results, result{id: c.id, liveness: live, err: err})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var terminated []uint64
	now := s.clock.Now()
	for _, r := range results {
		if r.err != nil {
			logging.Log.WithField("job_id", r.id).WithError(r.err).Warn("scheduler: is_alive query failed, will retry next tick")
			continue
		}
		if r.liveness.State == executor.Running {
			continue
		}

		j, ok := s.state.Jobs[r.id]
		if !ok {
			continue
		}

		target, pending := s.pendingTerminal[r.id]
		delete(s.pendingTerminal, r.id)

		switch {
		case pending:
			j.State = target
		case r.liveness.State == executor.Missing:
			j.State = job.Failed
			reason := job.SystemError("session vanished")
			j.Reason = &reason
		case r.liveness.ExitCode == 0:
			j.State = job.Finished
		default:
			j.State = job.Failed
		}

		exitCode := r.liveness.ExitCode
		j.ExitCode = &exitCode
		j.FinishedAt = &now
		j.GPUsAssigned = nil
		terminated = append(terminated, j.ID)
		metrics.JobsReaped.WithLabelValues(string(j.State)).Inc()

		logging.Log.WithField("job_id", j.ID).WithField("state", j.State).Info("scheduler: reaped job")
	}
	return terminated
}

// applyTimeouts terminates every Running job whose time limit has elapsed.
// The actual Timeout transition happens on the following tick's reap, once
// the terminate is confirmed (spec.md §4.3).
func (s *Scheduler) applyTimeouts(ctx context.Context) []string {
	type candidate struct {
		id   uint64
		name string
	}

	s.mu.Lock()
	now := s.clock.Now()
	var candidates []candidate
	for _, j := range s.state.Jobs {
		if j.State != job.Running || j.TimeLimitSecs == nil || j.StartedAt == nil {
			continue
		}
		if now.Sub(*j.StartedAt).Seconds() >= float64(*j.TimeLimitSecs) {
			candidates = append(candidates, candidate{id: j.ID, name: j.Name})
		}
	}
	for _, c := range candidates {
		s.pendingTerminal[c.id] = job.Timeout
	}
	s.mu.Unlock()

	var names []string
	for _, c := range candidates {
		if err := s.exec.Terminate(ctx, c.name); err != nil {
			logging.Log.WithField("job_id", c.id).WithError(err).Warn("scheduler: terminate on timeout failed, will retry next tick")
			continue
		}
		names = append(names, c.name)
	}
	return names
}

// dispatch builds the ready-set, orders it by priority, and greedily
// reserves GPUs and starts sessions (spec.md §4.3, §4.4, §4.5). It returns
// whether any mutation occurred.
func (s *Scheduler) dispatch(ctx context.Context) (bool, error) {
	s.mu.Lock()

	free := make(map[int]bool, len(s.state.AllowedGPUs))
	for _, id := range s.state.AllowedGPUs {
		free[id] = true
	}
	for busy := range s.assignedGPUsLocked() {
		delete(free, busy)
	}

	groupRunning := make(map[string]int)
	for _, j := range s.state.Jobs {
		if j.State == job.Running && j.GroupID != "" {
			groupRunning[j.GroupID]++
		}
	}

	var ready []*job.Job
	for _, j := range s.state.Jobs {
		if j.State != job.Queued {
			continue
		}
		if j.DependsOn != nil {
			parent, ok := s.state.Jobs[*j.DependsOn]
			if !ok || parent.State != job.Finished {
				continue
			}
		}
		if j.GroupID != "" {
			if limit, ok := s.state.GroupLimits[j.GroupID]; ok && groupRunning[j.GroupID] >= limit {
				continue
			}
		}
		ready = append(ready, j)
	}
	sort.Slice(ready, func(i, k int) bool { return lessReady(ready[i], ready[k]) })

	type plan struct {
		j        *job.Job
		gpus     []int
		name     string
		command  string
		workDir  string
		env      map[string]string
		logPath  string
	}
	var plans []plan
	for _, j := range ready {
		ids := reserveLowest(free, j.GPUsRequested)
		if ids == nil {
			continue // not enough free GPUs right now; leave Queued
		}
		for _, id := range ids {
			delete(free, id)
		}
		if j.GroupID != "" {
			groupRunning[j.GroupID]++
		}
		plans = append(plans, plan{
			j:       j,
			gpus:    ids,
			name:    j.Name,
			command: s.buildCommand(j),
			workDir: j.WorkingDir,
			env:     s.buildEnv(j, ids),
			logPath: s.logPathFor(j.ID),
		})
	}
	s.mu.Unlock()

	if len(plans) == 0 {
		return false, nil
	}

	mutated := false
	for _, p := range plans {
		err := s.exec.Start(ctx, p.name, p.command, p.workDir, p.env, p.logPath)

		s.mu.Lock()
		j, ok := s.state.Jobs[p.j.ID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if j.State != job.Queued {
			// Cancelled or held while its session was starting: that change
			// wins, and a session that did start is stopped again.
			s.mu.Unlock()
			if err == nil {
				if termErr := s.exec.Terminate(ctx, p.name); termErr != nil {
					logging.Log.WithField("job_id", p.j.ID).WithError(termErr).Warn("scheduler: failed to stop session of a job that left the queue during start")
				}
			}
			continue
		}
		if err != nil {
			reason := job.SystemError(fmt.Sprintf("executor start failed: %v", err))
			j.State = job.Failed
			j.Reason = &reason
			now := s.clock.Now()
			j.FinishedAt = &now
			logging.Log.WithField("job_id", j.ID).WithError(err).Error("scheduler: dispatch failed to start session")
			s.cascadeFromLocked([]uint64{j.ID})
		} else {
			now := s.clock.Now()
			j.State = job.Running
			j.StartedAt = &now
			j.GPUsAssigned = p.gpus
			j.Reason = nil
			metrics.JobsDispatched.Inc()
			logging.Log.WithField("job_id", j.ID).WithField("gpus", p.gpus).Info("scheduler: dispatched job")
		}
		mutated = true
		s.mu.Unlock()
	}
	return mutated, nil
}

// reserveLowest returns the k lowest-indexed free ids, or nil if fewer than
// k are available. k == 0 always succeeds with an empty (non-nil) slice.
func reserveLowest(free map[int]bool, k int) []int {
	if k == 0 {
		return []int{}
	}
	if len(free) < k {
		return nil
	}
	ids := make([]int, 0, len(free))
	for id := range free {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids[:k]
}

func (s *Scheduler) buildCommand(j *job.Job) string {
	if j.CondaEnv == "" {
		return j.Command
	}
	return fmt.Sprintf("conda run --no-capture-output -n %s %s", j.CondaEnv, j.Command)
}

func (s *Scheduler) buildEnv(j *job.Job, gpus []int) map[string]string {
	env := map[string]string{
		"GFLOW_JOB_ID":         strconv.FormatUint(j.ID, 10),
		"GFLOW_ARRAY_TASK_ID":  strconv.Itoa(j.ArrayTaskID),
	}
	if len(gpus) > 0 {
		parts := make([]string, len(gpus))
		for i, id := range gpus {
			parts[i] = strconv.Itoa(id)
		}
		env["CUDA_VISIBLE_DEVICES"] = strings.Join(parts, ",")
	}
	return env
}

func (s *Scheduler) logPathFor(id uint64) string {
	return fmt.Sprintf("%s/%d.log", s.logDir, id)
}
