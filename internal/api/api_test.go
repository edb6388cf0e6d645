package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/catalystcommunity/gflowd/internal/clock"
	"github.com/catalystcommunity/gflowd/internal/executor"
	"github.com/catalystcommunity/gflowd/internal/namegen"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
	"github.com/catalystcommunity/gflowd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, gpus []int) (*Server, *clock.Mock, *executor.Fake) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.New(dir, clk)
	exec := executor.NewFake()

	sched, err := scheduler.New(scheduler.Config{
		Store:        st,
		Clock:        clk,
		Executor:     exec,
		Names:        &namegen.Fake{Prefix: "job"},
		DetectedGPUs: gpus,
		LogDir:       dir,
	})
	require.NoError(t, err)
	require.NoError(t, sched.SetAllowedGPUs(gpus))

	return NewServer(sched), clk, exec
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandleSubmitAndGet(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1, 2, 3})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{
		Command:       "echo hi",
		WorkingDir:    "/tmp",
		GPUsRequested: 2,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	assert.NotZero(t, submitted.ID)
	assert.NotEmpty(t, submitted.Name)

	w = doJSON(t, h, http.MethodGet, "/jobs/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSubmitRejectsMissingCommand(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{WorkingDir: "/tmp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitRejectsExcessiveGPUs(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{
		Command:       "echo hi",
		WorkingDir:    "/tmp",
		GPUsRequested: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetJobNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0})
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListJobsFiltersByState(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1})
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{Command: "a", WorkingDir: "/tmp"})
	doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{Command: "b", WorkingDir: "/tmp"})

	w := doJSON(t, h, http.MethodGet, "/jobs?states=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)
}

func TestHandleCancelHoldRelease(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs", SubmissionRequest{Command: "a", WorkingDir: "/tmp"})
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	w = doJSON(t, h, http.MethodPost, "/jobs/1/hold", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/jobs/1/release", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/jobs/1/cancel", cancelRequest{Reason: "no longer needed"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/jobs/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleGPUsRoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1, 2, 3})
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/gpus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp gpusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, resp.Allowed)

	w = doJSON(t, h, http.MethodPost, "/gpus/allowed", allowedGPUsRequest{Spec: "0-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/gpus", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []int{0, 1}, resp.Allowed)
}

func TestHandleSetGroupLimit(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/groups/sweep-1/limit", groupLimitRequest{Limit: 2})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/groups/sweep-1/limit", groupLimitRequest{Limit: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0})
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleShutdownInvokesCallback(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0})
	h := s.Handler()

	called := make(chan struct{}, 1)
	s.RequestShutdown = func(ctx context.Context) { called <- struct{}{} }

	w := doJSON(t, h, http.MethodPost, "/shutdown", nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected RequestShutdown to be invoked")
	}
}

func TestHandleSubmitBatchExplicitJobsShareGroup(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1, 2, 3})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs/batch", BatchRequest{
		GroupID: "g1",
		Jobs: []SubmissionRequest{
			{Command: "a", WorkingDir: "/tmp"},
			{Command: "b", WorkingDir: "/tmp"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "g1", resp.GroupID)
	assert.Len(t, resp.Jobs, 2)
}

func TestHandleSubmitBatchParamSweepExpandsCartesianProduct(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0, 1, 2, 3})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/jobs/batch", BatchRequest{
		Base:         SubmissionRequest{Command: "train --lr={lr} --bs={bs}", WorkingDir: "/tmp"},
		Params:       map[string][]string{"lr": {"0.1", "0.01"}, "bs": {"32", "64"}},
		NameTemplate: "run-lr{lr}-bs{bs}",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 4)
	assert.NotEqual(t, resp.GroupID, "")
}

func TestParseJobIDRejectsNonNumeric(t *testing.T) {
	s, _, _ := newTestServer(t, []int{0})
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/jobs/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
