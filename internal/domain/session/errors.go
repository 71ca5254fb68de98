package session

import (
	"errors"
	"fmt"

	"github.com/Kurogoma4D/claude-code-server/internal/shared/paths"
)

var (
	// ErrNoActiveSession is returned when a connection has no running session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInputClosed is returned when writing to a session without stdin.
	ErrInputClosed = errors.New("session input is closed")
	// ErrShuttingDown is returned by Start once KillAll has begun.
	ErrShuttingDown = errors.New("session manager is shutting down")
	// ErrSpawnFailure is matched by every *SpawnError.
	ErrSpawnFailure = errors.New("failed to start process")
	// ErrProcessRuntime marks an I/O failure on a running process. The
	// session is terminated and an error event has already been emitted.
	ErrProcessRuntime = errors.New("process error")
	// ErrSandboxViolation is returned when the requested directory escapes
	// the base directory.
	ErrSandboxViolation = paths.ErrSandboxViolation
)

// SpawnError reports a failed process start.
type SpawnError struct {
	Dir string
	Err error
}

func (e *SpawnError) Error() string {
	if e.Dir == "" {
		return fmt.Sprintf("%s: %v", ErrSpawnFailure, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", ErrSpawnFailure, e.Dir, e.Err)
}

// Unwrap exposes both ErrSpawnFailure and the underlying cause.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailure, e.Err}
}
