package api

import (
	"fmt"

	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
)

// SubmissionRequest is the JSON body of POST /jobs and of one element of
// POST /jobs/batch (spec.md §4.8). Field names mirror the Submission
// fields from spec.md §3; TimeLimit is the raw grammar string from §6 so
// the wire format never has to agree with us on units.
type SubmissionRequest struct {
	Name       string `json:"name,omitempty"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	CondaEnv   string `json:"conda_env,omitempty"`

	GPUsRequested int `json:"gpus_requested"`
	MemoryMB      int `json:"memory_mb,omitempty"`
	Priority      *uint8 `json:"priority,omitempty"`

	// TimeLimit is the raw HH:MM:SS / MM:SS / bare-minutes token.
	TimeLimit string `json:"time_limit,omitempty"`

	// DependsOn is the raw dependency token: a literal id, "@", or "@~N".
	DependsOn string `json:"depends_on,omitempty"`

	// AutoCancelOnDepFailure defaults to true when nil (spec.md §3 / §9
	// Open Question: "auto-cancel defaults to true and is opt-out per job").
	AutoCancelOnDepFailure *bool `json:"auto_cancel_on_dep_failure,omitempty"`

	ArrayTaskID int    `json:"array_task_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

// toSubmission validates the wire-level fields this layer owns (time-limit
// grammar parsing) and converts to the scheduler's internal Submission.
// Everything else (gpu-count bounds, dependency resolution, zero-limit
// rejection) is re-validated by Scheduler.Submit itself.
func (r SubmissionRequest) toSubmission() (scheduler.Submission, error) {
	sub := scheduler.Submission{
		GroupID:                r.GroupID,
		Name:                   r.Name,
		Command:                r.Command,
		WorkingDir:             r.WorkingDir,
		CondaEnv:               r.CondaEnv,
		GPUsRequested:          r.GPUsRequested,
		MemoryMB:               r.MemoryMB,
		Priority:               job.DefaultPriority,
		DependsOn:              r.DependsOn,
		AutoCancelOnDepFailure: true,
		ArrayTaskID:            r.ArrayTaskID,
	}
	if r.Priority != nil {
		sub.Priority = *r.Priority
	}
	if r.AutoCancelOnDepFailure != nil {
		sub.AutoCancelOnDepFailure = *r.AutoCancelOnDepFailure
	}
	if r.Command == "" {
		return sub, fmt.Errorf("%w: command is required", scheduler.ErrValidation)
	}
	if r.WorkingDir == "" {
		return sub, fmt.Errorf("%w: working_dir is required", scheduler.ErrValidation)
	}
	if r.TimeLimit != "" {
		secs, err := ParseTimeLimit(r.TimeLimit)
		if err != nil {
			return sub, fmt.Errorf("%w: %v", scheduler.ErrValidation, err)
		}
		sub.TimeLimitSecs = &secs
	}
	return sub, nil
}

// SubmitResponse is the body of a successful POST /jobs (spec.md §4.8:
// "returns {id, name}").
type SubmitResponse struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// BatchRequest is the body of POST /jobs/batch. The common case is an
// explicit list of already-derived submissions sharing a group id; Params
// and CSVRows additionally support the parameter-sweep Cartesian-product
// expansion described in spec.md §4.2 ("the API layer performs the
// Cartesian product of param lists and the CSV rows ... and calls submit
// once per derived job, tagging them with a common group_id").
type BatchRequest struct {
	GroupID string              `json:"group_id,omitempty"`
	Jobs    []SubmissionRequest `json:"jobs,omitempty"`

	// Base is the template submission the sweep expands from.
	Base SubmissionRequest `json:"base"`
	// Params is a set of named value lists; the Cartesian product of all
	// of them is combined with CSVRows to produce one derived job per
	// combination.
	Params map[string][]string `json:"params,omitempty"`
	// CSVRows is a set of pre-parsed CSV rows (column name -> value),
	// each combined with every Params combination.
	CSVRows []map[string]string `json:"csv_rows,omitempty"`
	// NameTemplate, if set, is rendered per derived job by replacing
	// "{key}" with that job's resolved value for each param/column name.
	NameTemplate string `json:"name_template,omitempty"`
}

// BatchResponse is the body of a successful POST /jobs/batch.
type BatchResponse struct {
	GroupID string           `json:"group_id"`
	Jobs    []SubmitResponse `json:"jobs"`
}
