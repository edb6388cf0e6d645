// Package executor defines the contract between the scheduler and the
// terminal-multiplexer sessions jobs run in (spec.md §4.6). The scheduler
// never touches processes directly; it only ever talks to an Executor.
package executor

import "context"

// LivenessState is the result of asking the Executor whether a named
// session is still around.
type LivenessState int

const (
	// Running means the session exists and its command has not exited.
	Running LivenessState = iota
	// Exited means the session's command has finished; ExitCode is valid.
	Exited
	// Missing means no session by that name exists at all.
	Missing
)

func (s LivenessState) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Liveness is the result of Executor.IsAlive.
type Liveness struct {
	State    LivenessState
	ExitCode int // valid only when State == Exited
}

// ErrAlreadyExists is returned by Start when a session with that name is
// already live. The scheduler treats this as a fatal SystemError for the
// dispatch attempt (spec.md §4.6).
type ErrAlreadyExists struct {
	Name string
}

func (e *ErrAlreadyExists) Error() string {
	return "executor: session already exists: " + e.Name
}

// ErrMissing is returned by Terminate when no session by that name exists.
type ErrMissing struct {
	Name string
}

func (e *ErrMissing) Error() string {
	return "executor: session missing: " + e.Name
}

// Executor is the scheduler's view of the terminal-multiplexer backend.
// Implementations must make is_alive reflect a prior terminate() within one
// tick's worth of delay (spec.md §4.6 contract).
type Executor interface {
	// Start launches command in working dir, inside a new named session,
	// with env applied on top of the current environment, redirecting the
	// session's stdout+stderr to log_path as it runs.
	Start(ctx context.Context, name, command, workingDir string, env map[string]string, logPath string) error

	// IsAlive reports whether the named session is still running, has
	// exited (with its code), or is gone entirely.
	IsAlive(ctx context.Context, name string) (Liveness, error)

	// Terminate asks the named session to stop. Acknowledged, not
	// necessarily immediate - IsAlive may lag by one tick.
	Terminate(ctx context.Context, name string) error

	// CaptureLog is a no-op for executors that already stream into logPath
	// continuously (e.g. tmux pipe-pane); it exists for executors that only
	// capture on demand.
	CaptureLog(ctx context.Context, name, logPath string) error
}
