package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Kind selects the process backend of a session.
type Kind string

const (
	// KindInteractive runs the program on a pseudo-terminal.
	KindInteractive Kind = "interactive"
	// KindCommand runs the program once with a prompt, stdin closed.
	KindCommand Kind = "command"
)

// Size is a terminal size in character cells.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// StartOptions describes a session start request.
type StartOptions struct {
	Kind         Kind
	RelativePath string
	Cols         int
	Rows         int
	// Prompt is passed to command sessions.
	Prompt string
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ConnectionID     string    `json:"connectionId"`
	SessionID        string    `json:"sessionId"`
	Kind             Kind      `json:"kind"`
	State            string    `json:"state"`
	WorkingDirectory string    `json:"workingDirectory"`
	Cols             int       `json:"cols"`
	Rows             int       `json:"rows"`
	PID              int       `json:"pid"`
	StartedAt        time.Time `json:"startedAt"`
}

// EventType discriminates session events.
type EventType string

const (
	EventData   EventType = "data"
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventSystem EventType = "system"
	EventError  EventType = "error"
	EventExit   EventType = "exit"
)

// ExitStatus describes how a process ended. Signal is zero unless the
// process was terminated by a signal.
type ExitStatus struct {
	Code   int `json:"exitCode"`
	Signal int `json:"signal"`
}

// Event is a single output, status or exit notification of a session.
type Event struct {
	ConnectionID string
	SessionID    string
	Type         EventType
	// Data is set for data, stdout and stderr events.
	Data []byte
	// Message is set for system and error events.
	Message string
	// Exit is set for exit events.
	Exit      *ExitStatus
	Timestamp time.Time
	Seq       uint64
}

// Sink receives the events of a session. Emit is called from session
// goroutines, one event at a time, in Seq order.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }
