// Package job defines the Job entity and its state machine (spec.md §3,
// §4.1). Jobs are mutated only by the scheduler's single serialisation
// point; this package holds no locks of its own.
package job

import "time"

// State is one of the job lifecycle states from spec.md §3.
type State string

const (
	Queued    State = "queued"
	Held      State = "held"
	Running   State = "running"
	Finished  State = "finished"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	Timeout   State = "timeout"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case Finished, Failed, Cancelled, Timeout:
		return true
	default:
		return false
	}
}

// ReasonKind tags the structured reason attached to a job (spec.md §7).
type ReasonKind string

const (
	ReasonJobHeldUser           ReasonKind = "job_held_user"
	ReasonWaitingForDependency  ReasonKind = "waiting_for_dependency"
	ReasonWaitingForResources   ReasonKind = "waiting_for_resources"
	ReasonCancelledByUser       ReasonKind = "cancelled_by_user"
	ReasonDependencyFailed      ReasonKind = "dependency_failed"
	ReasonSystemError           ReasonKind = "system_error"
)

// Reason is the structured explanation attached to a job's current state.
// ParentID is only meaningful for ReasonDependencyFailed; Message only for
// ReasonSystemError.
type Reason struct {
	Kind     ReasonKind `msgpack:"kind" json:"kind"`
	ParentID uint64     `msgpack:"parent_id,omitempty" json:"parent_id,omitempty"`
	Message  string     `msgpack:"message,omitempty" json:"message,omitempty"`
}

// DependencyFailed builds a ReasonDependencyFailed reason.
func DependencyFailed(parentID uint64) Reason {
	return Reason{Kind: ReasonDependencyFailed, ParentID: parentID}
}

// SystemError builds a ReasonSystemError reason.
func SystemError(message string) Reason {
	return Reason{Kind: ReasonSystemError, Message: message}
}

// Job is the central scheduler entity (spec.md §3).
type Job struct {
	ID      uint64 `msgpack:"id" json:"id"`
	GroupID string `msgpack:"group_id,omitempty" json:"group_id,omitempty"`
	Name    string `msgpack:"name" json:"name"`

	Command    string `msgpack:"command" json:"command"`
	WorkingDir string `msgpack:"working_dir" json:"working_dir"`
	CondaEnv   string `msgpack:"conda_env,omitempty" json:"conda_env,omitempty"`

	GPUsRequested int   `msgpack:"gpus_requested" json:"gpus_requested"`
	GPUsAssigned  []int `msgpack:"gpus_assigned,omitempty" json:"gpus_assigned,omitempty"`

	MemoryMB int `msgpack:"memory_mb,omitempty" json:"memory_mb,omitempty"`
	Priority uint8 `msgpack:"priority" json:"priority"`

	// TimeLimitSecs is nil when the job has no time limit.
	TimeLimitSecs *int64 `msgpack:"time_limit_secs,omitempty" json:"time_limit_secs,omitempty"`

	// DependsOn is nil when the job has no dependency.
	DependsOn                *uint64 `msgpack:"depends_on,omitempty" json:"depends_on,omitempty"`
	AutoCancelOnDepFailure    bool    `msgpack:"auto_cancel_on_dep_failure" json:"auto_cancel_on_dep_failure"`

	ArrayTaskID int `msgpack:"array_task_id" json:"array_task_id"`

	State  State   `msgpack:"state" json:"state"`
	Reason *Reason `msgpack:"reason,omitempty" json:"reason,omitempty"`

	SubmittedAt time.Time  `msgpack:"submitted_at" json:"submitted_at"`
	StartedAt   *time.Time `msgpack:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt  *time.Time `msgpack:"finished_at,omitempty" json:"finished_at,omitempty"`

	ExitCode *int `msgpack:"exit_code,omitempty" json:"exit_code,omitempty"`
}

// HasFiniteTimeLimit reports whether the job has a time limit set.
func (j *Job) HasFiniteTimeLimit() bool {
	return j.TimeLimitSecs != nil
}

// DefaultPriority is the default job priority when none is supplied
// (spec.md §3).
const DefaultPriority uint8 = 10

// CanTransition reports whether the (from, to) pair is a legal state
// transition per spec.md §4.1's table. It's deliberately permissive about
// *how* a transition happens (explicit vs. cascade vs. reap) - that
// distinction lives in the scheduler, which is the only caller that knows
// which trigger fired.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	switch from {
	case Queued:
		switch to {
		case Running, Held, Cancelled:
			return true
		}
	case Held:
		switch to {
		case Queued, Cancelled:
			return true
		}
	case Running:
		switch to {
		case Finished, Failed, Timeout, Cancelled:
			return true
		}
	}
	return false
}
