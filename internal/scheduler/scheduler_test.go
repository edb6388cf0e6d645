package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/catalystcommunity/gflowd/internal/clock"
	"github.com/catalystcommunity/gflowd/internal/executor"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/namegen"
	"github.com/catalystcommunity/gflowd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness bundles a Scheduler with its fakes for test convenience.
type harness struct {
	sched *Scheduler
	clk   *clock.Mock
	exec  *executor.Fake
}

func newHarness(t *testing.T, gpus []int) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.New(dir, clk)
	exec := executor.NewFake()

	sched, err := New(Config{
		Store:        st,
		Clock:        clk,
		Executor:     exec,
		Names:        &namegen.Fake{Prefix: "job"},
		DetectedGPUs: gpus,
		LogDir:       dir,
	})
	require.NoError(t, err)
	require.NoError(t, sched.SetAllowedGPUs(gpus))

	return &harness{sched: sched, clk: clk, exec: exec}
}

func basicSubmission(command string, gpus int) Submission {
	return Submission{
		Command:                command,
		WorkingDir:             "/tmp",
		GPUsRequested:          gpus,
		Priority:               job.DefaultPriority,
		AutoCancelOnDepFailure: true,
	}
}

// Scenario 1 (spec.md §8): single job, two GPUs.
func TestScenarioSingleJobTwoGPUs(t *testing.T) {
	h := newHarness(t, []int{0, 1, 2, 3})
	ctx := context.Background()

	id, name, err := h.sched.Submit(basicSubmission("echo hi", 2))
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))
	j, err := h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Running, j.State)
	assert.Equal(t, []int{0, 1}, j.GPUsAssigned)

	h.clk.Advance(7 * time.Second)
	h.exec.Exit(name, 0)

	h.clk.Advance(3 * time.Second)
	require.NoError(t, h.sched.Tick(ctx))
	j, err = h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Finished, j.State)
	require.NotNil(t, j.ExitCode)
	assert.Equal(t, 0, *j.ExitCode)
	assert.Empty(t, j.GPUsAssigned)
}

// Scenario 2 (spec.md §8): priority beats FIFO.
func TestScenarioPriorityBeatsFIFO(t *testing.T) {
	h := newHarness(t, []int{0})
	ctx := context.Background()

	subA := basicSubmission("a", 1)
	subA.Priority = 10
	idA, _, err := h.sched.Submit(subA)
	require.NoError(t, err)

	subB := basicSubmission("b", 1)
	subB.Priority = 50
	idB, _, err := h.sched.Submit(subB)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	jA, err := h.sched.GetJob(idA)
	require.NoError(t, err)
	jB, err := h.sched.GetJob(idB)
	require.NoError(t, err)

	assert.Equal(t, job.Queued, jA.State)
	assert.Equal(t, job.Running, jB.State)
}

// Scenario 3 (spec.md §8): a finite time limit beats no limit at equal priority.
func TestScenarioTimeLimitBonus(t *testing.T) {
	h := newHarness(t, []int{0})
	ctx := context.Background()

	subA := basicSubmission("a", 1)
	limit := int64(600)
	subA.TimeLimitSecs = &limit
	idA, _, err := h.sched.Submit(subA)
	require.NoError(t, err)

	idB, _, err := h.sched.Submit(basicSubmission("b", 1))
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	jA, err := h.sched.GetJob(idA)
	require.NoError(t, err)
	jB, err := h.sched.GetJob(idB)
	require.NoError(t, err)

	assert.Equal(t, job.Running, jA.State)
	assert.Equal(t, job.Queued, jB.State)
}

// Scenario 4 (spec.md §8): dependency cascade.
func TestScenarioDependencyCascade(t *testing.T) {
	h := newHarness(t, []int{0, 1, 2})
	ctx := context.Background()

	idA, nameA, err := h.sched.Submit(basicSubmission("false", 0))
	require.NoError(t, err)

	subB := basicSubmission("b", 0)
	subB.DependsOn = "@"
	idB, _, err := h.sched.Submit(subB)
	require.NoError(t, err)

	subC := basicSubmission("c", 0)
	subC.DependsOn = "@~1"
	idC, _, err := h.sched.Submit(subC)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))
	h.exec.Exit(nameA, 1)
	require.NoError(t, h.sched.Tick(ctx))

	jA, err := h.sched.GetJob(idA)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, jA.State)

	jB, err := h.sched.GetJob(idB)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, jB.State)
	require.NotNil(t, jB.Reason)
	assert.Equal(t, job.ReasonDependencyFailed, jB.Reason.Kind)
	assert.Equal(t, idA, jB.Reason.ParentID)

	jC, err := h.sched.GetJob(idC)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, jC.State)
	require.NotNil(t, jC.Reason)
	assert.Equal(t, idA, jC.Reason.ParentID)
}

// A dependent job whose parent finishes successfully must become
// dispatchable, not get swept up as a cascade-cancellation (only a
// non-Finished terminal parent should cascade).
func TestDependentDispatchesAfterParentSucceeds(t *testing.T) {
	h := newHarness(t, []int{0})
	ctx := context.Background()

	idA, nameA, err := h.sched.Submit(basicSubmission("true", 1))
	require.NoError(t, err)

	subB := basicSubmission("b", 1)
	subB.DependsOn = "@"
	idB, _, err := h.sched.Submit(subB)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx)) // dispatches A only (B waits on A)
	h.exec.Exit(nameA, 0)
	require.NoError(t, h.sched.Tick(ctx)) // reaps A as Finished, dispatches B

	jA, err := h.sched.GetJob(idA)
	require.NoError(t, err)
	assert.Equal(t, job.Finished, jA.State)

	jB, err := h.sched.GetJob(idB)
	require.NoError(t, err)
	assert.Equal(t, job.Running, jB.State, "B must dispatch once its dependency finishes, not be cascade-cancelled")
}

// Scenario 6 (spec.md §8): timeout.
func TestScenarioTimeout(t *testing.T) {
	h := newHarness(t, []int{0})
	ctx := context.Background()

	sub := basicSubmission("sleep 1000", 1)
	limit := int64(5)
	sub.TimeLimitSecs = &limit
	id, name, err := h.sched.Submit(sub)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx)) // dispatch
	h.clk.Advance(6 * time.Second)
	require.NoError(t, h.sched.Tick(ctx)) // timeout pass calls terminate

	j, err := h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Running, j.State, "still running until the reap observes the terminate")

	h.exec.Exit(name, 137) // simulate the terminate's signal effect landing
	h.clk.Advance(5 * time.Second)
	require.NoError(t, h.sched.Tick(ctx)) // reap lands Timeout, not Failed

	j, err = h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Timeout, j.State)
}

func TestSubmitRejectsExcessiveGPUs(t *testing.T) {
	h := newHarness(t, []int{0, 1})
	_, _, err := h.sched.Submit(basicSubmission("x", 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitRejectsZeroTimeLimit(t *testing.T) {
	h := newHarness(t, []int{0})
	sub := basicSubmission("x", 0)
	zero := int64(0)
	sub.TimeLimitSecs = &zero
	_, _, err := h.sched.Submit(sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitRejectsUnknownDependsOn(t *testing.T) {
	h := newHarness(t, []int{0})
	sub := basicSubmission("x", 0)
	sub.DependsOn = "999"
	_, _, err := h.sched.Submit(sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGPUsZeroRequestNeverReservesAndNoCudaEnv(t *testing.T) {
	h := newHarness(t, []int{0, 1})
	ctx := context.Background()

	id, name, err := h.sched.Submit(basicSubmission("echo cpu", 0))
	require.NoError(t, err)
	require.NoError(t, h.sched.Tick(ctx))

	j, err := h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Running, j.State)
	assert.Empty(t, j.GPUsAssigned)
	assert.NotContains(t, h.exec.Env(name), "CUDA_VISIBLE_DEVICES")
}

func TestCancellingTerminalJobIsNoOp(t *testing.T) {
	h := newHarness(t, []int{0})
	ctx := context.Background()

	id, name, err := h.sched.Submit(basicSubmission("echo hi", 0))
	require.NoError(t, err)
	require.NoError(t, h.sched.Tick(ctx))
	h.exec.Exit(name, 0)
	require.NoError(t, h.sched.Tick(ctx))

	before, err := h.sched.GetJob(id)
	require.NoError(t, err)
	require.True(t, before.State.Terminal())

	require.NoError(t, h.sched.Cancel(ctx, id, "ignored"))

	after, err := h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.FinishedAt, after.FinishedAt)
}

func TestSetAllowedGPUsExcludingRunningJobDoesNotReclaim(t *testing.T) {
	h := newHarness(t, []int{0, 1})
	ctx := context.Background()

	id, _, err := h.sched.Submit(basicSubmission("x", 1))
	require.NoError(t, err)
	require.NoError(t, h.sched.Tick(ctx))

	j, err := h.sched.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Running, j.State)
	assignedGPU := j.GPUsAssigned[0]

	require.NoError(t, h.sched.SetAllowedGPUs([]int{1 - assignedGPU})) // exclude the running job's gpu

	j, err = h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Running, j.State, "running job keeps its GPU even once excluded")
	assert.Equal(t, []int{assignedGPU}, j.GPUsAssigned)
}

func TestIDsAreStrictlyMonotonic(t *testing.T) {
	h := newHarness(t, []int{0})
	var ids []uint64
	for i := 0; i < 5; i++ {
		id, _, err := h.sched.Submit(basicSubmission("x", 0))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestHoldAndRelease(t *testing.T) {
	h := newHarness(t, []int{0})
	id, _, err := h.sched.Submit(basicSubmission("x", 0))
	require.NoError(t, err)

	require.NoError(t, h.sched.Hold(id))
	j, err := h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Held, j.State)

	require.NoError(t, h.sched.Release(id))
	j, err = h.sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Queued, j.State)
}

func TestReconcileOnStartupFailsVanishedRunningJob(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock(time.Now())

	st1 := store.New(dir, clk)
	exec1 := executor.NewFake()
	sched1, err := New(Config{Store: st1, Clock: clk, Executor: exec1, Names: &namegen.Fake{Prefix: "job"}, DetectedGPUs: []int{0}, LogDir: dir})
	require.NoError(t, err)
	require.NoError(t, sched1.SetAllowedGPUs([]int{0}))

	id, _, err := sched1.Submit(basicSubmission("x", 1))
	require.NoError(t, err)
	require.NoError(t, sched1.Tick(context.Background()))

	j, err := sched1.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Running, j.State)

	// Simulate a daemon restart against the same data dir with a fresh
	// Executor that has no memory of the old session (spec.md §9).
	st2 := store.New(dir, clk)
	exec2 := executor.NewFake()
	sched2, err := New(Config{Store: st2, Clock: clk, Executor: exec2, Names: &namegen.Fake{Prefix: "job"}, DetectedGPUs: []int{0}, LogDir: dir})
	require.NoError(t, err)

	require.NoError(t, sched2.ReconcileOnStartup(context.Background()))

	j, err = sched2.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, j.State)
	require.NotNil(t, j.Reason)
	assert.Equal(t, job.ReasonSystemError, j.Reason.Kind)
}
