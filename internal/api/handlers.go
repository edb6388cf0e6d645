package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/catalystcommunity/gflowd/internal/gpu"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/metrics"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
	"github.com/google/uuid"
)

// decodeJSON reads and decodes the request body, rejecting unknown fields
// so typos in a submission surface as a 400 rather than being silently
// dropped.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", scheduler.ErrValidation, err)
	}
	return nil
}

// handleSubmit implements POST /jobs (spec.md §4.8).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	sub, err := req.toSubmission()
	if err != nil {
		respondError(w, err)
		return
	}
	gpu.CheckMemoryHint(sub.MemoryMB)

	id, name, err := s.sched.Submit(sub)
	if err != nil {
		respondError(w, err)
		return
	}
	metrics.JobsSubmitted.Inc()
	respondJSON(w, http.StatusOK, SubmitResponse{ID: id, Name: name})
}

// handleSubmitBatch implements POST /jobs/batch (spec.md §4.8, §4.2's
// parameter-sweep expansion).
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	derived := req.Jobs
	groupID := req.GroupID
	if len(derived) == 0 {
		derived, groupID = expandSweep(req)
	} else if groupID == "" {
		groupID = uuid.NewString()
	}

	resp := BatchResponse{GroupID: groupID, Jobs: make([]SubmitResponse, 0, len(derived))}
	for i := range derived {
		if derived[i].GroupID == "" {
			derived[i].GroupID = groupID
		}
		sub, err := derived[i].toSubmission()
		if err != nil {
			respondError(w, fmt.Errorf("batch item %d: %w", i, err))
			return
		}
		gpu.CheckMemoryHint(sub.MemoryMB)
		id, name, err := s.sched.Submit(sub)
		if err != nil {
			respondError(w, fmt.Errorf("batch item %d: %w", i, err))
			return
		}
		metrics.JobsSubmitted.Inc()
		resp.Jobs = append(resp.Jobs, SubmitResponse{ID: id, Name: name})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListJobs implements GET /jobs with the query params from
// spec.md §4.8: states, ids, names, since, limit.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduler.JobFilter{}

	if raw := q.Get("states"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.States = append(filter.States, job.State(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("ids"); raw != "" {
		for _, idStr := range strings.Split(raw, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
			if err != nil {
				respondError(w, fmt.Errorf("%w: bad id %q in ids filter", scheduler.ErrValidation, idStr))
				return
			}
			filter.IDs = append(filter.IDs, id)
		}
	}
	if raw := q.Get("names"); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			filter.Names = append(filter.Names, strings.TrimSpace(n))
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, fmt.Errorf("%w: since must be RFC3339: %v", scheduler.ErrValidation, err))
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, fmt.Errorf("%w: bad limit %q", scheduler.ErrValidation, raw))
			return
		}
		filter.Limit = limit
	}

	respondJSON(w, http.StatusOK, s.sched.ListJobs(filter))
}

// handleGetJob implements GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	j, err := s.sched.GetJob(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

// cancelRequest is the optional body of POST /jobs/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancel implements POST /jobs/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var body cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, err)
			return
		}
	}

	if err := s.sched.Cancel(r.Context(), id, body.Reason); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleHold implements POST /jobs/{id}/hold.
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.sched.Hold(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleRelease implements POST /jobs/{id}/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.sched.Release(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// gpusResponse is the body of GET /gpus (spec.md §4.8).
type gpusResponse struct {
	Allowed  []int                `json:"allowed"`
	Detected []scheduler.GPUStatus `json:"detected"`
}

// handleGetGPUs implements GET /gpus.
func (s *Server) handleGetGPUs(w http.ResponseWriter, r *http.Request) {
	allowed, detected := s.sched.GPUs()
	if allowed == nil {
		allowed = []int{}
	}
	respondJSON(w, http.StatusOK, gpusResponse{Allowed: allowed, Detected: detected})
}

// allowedGPUsRequest is the body of POST /gpus/allowed.
type allowedGPUsRequest struct {
	Spec string `json:"spec"`
}

// handleSetAllowedGPUs implements POST /gpus/allowed.
func (s *Server) handleSetAllowedGPUs(w http.ResponseWriter, r *http.Request) {
	var req allowedGPUsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	_, detected := s.sched.GPUs()
	detectedIDs := make([]int, len(detected))
	for i, d := range detected {
		detectedIDs[i] = d.ID
	}

	ids, err := gpu.ParseSpec(req.Spec, detectedIDs)
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", scheduler.ErrValidation, err))
		return
	}
	if err := s.sched.SetAllowedGPUs(ids); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// groupLimitRequest is the body of POST /groups/{gid}/limit.
type groupLimitRequest struct {
	Limit int `json:"limit"`
}

// handleSetGroupLimit implements POST /groups/{gid}/limit.
func (s *Server) handleSetGroupLimit(w http.ResponseWriter, r *http.Request) {
	gid := r.PathValue("gid")
	if gid == "" {
		respondError(w, fmt.Errorf("%w: missing group id", scheduler.ErrValidation))
		return
	}
	var req groupLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Limit < 0 {
		respondError(w, fmt.Errorf("%w: limit must be >= 0", scheduler.ErrValidation))
		return
	}
	if err := s.sched.SetGroupLimit(gid, req.Limit); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// healthResponse is the body of GET /health (spec.md §4.8).
type healthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{Status: s.sched.Mode().String()})
}

// handleShutdown implements POST /shutdown (spec.md §4.8, §5: "stop
// accepting new work, save state once more, then return").
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nil)
	if s.RequestShutdown != nil {
		go s.RequestShutdown(context.Background())
	}
}

func parseJobID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: job id must be an unsigned integer, got %q", scheduler.ErrValidation, raw)
	}
	return id, nil
}
