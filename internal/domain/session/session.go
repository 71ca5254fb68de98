package session

import (
	"errors"
	"os"
	"sync"
	"time"
)

var errProcessReaped = errors.New("process already reaped")

// Session is one process owned by one connection.
type Session struct {
	id        string
	connID    string
	kind      Kind
	dir       string
	startedAt time.Time
	proc      Process
	sink      Sink

	mu       sync.Mutex
	state    State
	size     Size
	reason   string
	exit     *ExitStatus
	reaped   bool // pid released by Wait, never signal it again
	released bool // process handles closed

	writeMu sync.Mutex

	emitMu  sync.Mutex
	seq     uint64
	lastTS  time.Time
	emitted bool // exit event delivered

	done chan struct{}
}

func newSession(id, connID string, kind Kind, dir string, size Size, proc Process, sink Sink) *Session {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Session{
		id:        id,
		connID:    connID,
		kind:      kind,
		dir:       dir,
		startedAt: time.Now(),
		proc:      proc,
		sink:      sink,
		state:     StateStarting,
		size:      size,
		done:      make(chan struct{}),
	}
}

// ID returns the session instance id.
func (s *Session) ID() string { return s.id }

// ConnectionID returns the owning connection id.
func (s *Session) ConnectionID() string { return s.connID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is terminated and its exit event has
// been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitStatus returns the exit status once the session is terminated.
func (s *Session) ExitStatus() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return ExitStatus{}, false
	}
	return *s.exit, true
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ConnectionID:     s.connID,
		SessionID:        s.id,
		Kind:             s.kind,
		State:            s.state.String(),
		WorkingDirectory: s.dir,
		Cols:             s.size.Cols,
		Rows:             s.size.Rows,
		PID:              s.proc.PID(),
		StartedAt:        s.startedAt,
	}
}

func (s *Session) setRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
}

// beginExit moves a live session to Exiting. Only the first caller wins.
func (s *Session) beginExit(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateRunning:
		s.state = StateExiting
		s.reason = reason
		return true
	default:
		return false
	}
}

// finish records the exit and returns why the session ended.
func (s *Session) finish(status ExitStatus) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateTerminated
	s.exit = &status
	if s.reason == "" {
		s.reason = reasonExited
	}
	return s.reason
}

// markReaped records that the process has been waited for.
func (s *Session) markReaped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reaped = true
}

// signal delivers sig unless the process has already been reaped.
func (s *Session) signal(sig os.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reaped || s.released {
		return errProcessReaped
	}
	return s.proc.Signal(sig)
}

// release moves the session to Terminated and closes the process handles.
// Resize holds s.mu, so it never runs against a closed handle.
func (s *Session) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateTerminated
	if s.released {
		return nil
	}
	s.released = true
	return s.proc.Close()
}

// resize applies size to a running session.
func (s *Session) resize(size Size) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return false, nil
	}
	s.size = size
	return true, s.proc.Resize(size)
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// write is not serialized with release: a write blocked on a full terminal
// must not hold up Close. A write that loses the race gets os.ErrClosed.
func (s *Session) write(data []byte) (int, error) {
	if !s.running() {
		return 0, ErrNoActiveSession
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.proc.Write(data)
}

// emit stamps e and hands it to the sink. Nothing is delivered after the
// exit event.
func (s *Session) emit(e Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.emitted {
		return false
	}

	now := time.Now()
	if now.Before(s.lastTS) {
		now = s.lastTS
	}
	s.lastTS = now
	s.seq++

	e.ConnectionID = s.connID
	e.SessionID = s.id
	e.Timestamp = now
	e.Seq = s.seq
	if e.Type == EventExit {
		s.emitted = true
	}

	s.sink.Emit(e)
	return true
}
