package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Stream is one output channel of a process.
type Stream struct {
	Type   EventType
	Reader io.Reader
}

// Process is a running child owned by exactly one session.
type Process interface {
	// PID returns the operating system process id.
	PID() int
	// Streams returns the output streams to pump.
	Streams() []Stream
	// Write sends input to the process.
	Write(p []byte) (int, error)
	// Resize changes the terminal size. Processes without a terminal
	// ignore it.
	Resize(size Size) error
	// Signal delivers sig to the process and its group.
	Signal(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() (ExitStatus, error)
	// Close releases the process handles and unblocks stream readers.
	Close() error
}

// SpawnSpec describes a process to start.
type SpawnSpec struct {
	Kind   Kind
	Dir    string
	Size   Size
	Prompt string
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts the configured program directly, without a shell.
type ExecSpawner struct {
	Program  string
	Args     []string
	TermName string
	// Env is the base environment. Nil means the server's environment.
	Env []string
}

// NewExecSpawner creates a spawner for program.
func NewExecSpawner(program string, args []string, termName string) *ExecSpawner {
	return &ExecSpawner{Program: program, Args: args, TermName: termName}
}

// Spawn starts an interactive pty process or a piped command process.
func (e *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch spec.Kind {
	case KindCommand:
		return e.spawnCommand(spec)
	case KindInteractive, "":
		return e.spawnPTY(spec)
	default:
		return nil, fmt.Errorf("unknown session kind %q", spec.Kind)
	}
}

func (e *ExecSpawner) env() []string {
	base := e.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+1)
	env = append(env, base...)
	if e.TermName != "" {
		env = append(env, "TERM="+e.TermName)
	}
	return env
}

func (e *ExecSpawner) spawnPTY(spec SpawnSpec) (Process, error) {
	cmd := exec.Command(e.Program, e.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = e.env()

	// StartWithSize puts the child in a new session, so its pid is also
	// its process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(spec.Size.Rows),
		Cols: uint16(spec.Size.Cols),
	})
	if err != nil {
		return nil, err
	}

	pollable, err := nonblocking(ptmx)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	return &ptyProcess{cmd: cmd, ptmx: pollable}, nil
}

func (e *ExecSpawner) spawnCommand(spec SpawnSpec) (Process, error) {
	args := make([]string, 0, len(e.Args)+2)
	args = append(args, e.Args...)
	args = append(args, "-p", spec.Prompt)

	cmd := exec.Command(e.Program, args...)
	cmd.Dir = spec.Dir
	cmd.Env = e.env()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Own the read ends so Wait never closes them before output is drained.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, startErr
	}

	return &pipeProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR}, nil
}

// ptyProcess is a child attached to a pseudo-terminal.
type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
	closeErr  error
}

func (p *ptyProcess) PID() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Streams() []Stream {
	return []Stream{{Type: EventData, Reader: p.ptmx}}
}

func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// Resize sets the window size through the file's poller reference, so it
// fails cleanly once the terminal is closed.
func (p *ptyProcess) Resize(size Size) error {
	rc, err := p.ptmx.SyscallConn()
	if err != nil {
		return err
	}

	ws := &unix.Winsize{Row: uint16(size.Rows), Col: uint16(size.Cols)}
	var ioctlErr error
	if err := rc.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, ws)
	}); err != nil {
		return err
	}
	return ioctlErr
}

func (p *ptyProcess) Signal(sig os.Signal) error { return signalGroup(p.cmd.Process, sig) }

func (p *ptyProcess) Wait() (ExitStatus, error) { return wait(p.cmd) }

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.ptmx.Close() })
	return p.closeErr
}

// nonblocking replaces f with a non-blocking duplicate registered with the
// runtime poller. pty switches the master to blocking mode, and a blocking
// read is not interrupted by Close.
func nonblocking(f *os.File) (*os.File, error) {
	defer f.Close()

	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}

	dup := -1
	var dupErr error
	if err := rc.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup pty: %w", dupErr)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return nil, fmt.Errorf("set pty non-blocking: %w", err)
	}
	return os.NewFile(uintptr(dup), f.Name()), nil
}

// pipeProcess is a one-shot child with piped output and no stdin.
type pipeProcess struct {
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *os.File
	closeOnce sync.Once
	closeErr  error
}

func (p *pipeProcess) PID() int { return p.cmd.Process.Pid }

func (p *pipeProcess) Streams() []Stream {
	return []Stream{
		{Type: EventStdout, Reader: p.stdout},
		{Type: EventStderr, Reader: p.stderr},
	}
}

func (p *pipeProcess) Write([]byte) (int, error) { return 0, ErrInputClosed }

func (p *pipeProcess) Resize(Size) error { return nil }

func (p *pipeProcess) Signal(sig os.Signal) error { return signalGroup(p.cmd.Process, sig) }

func (p *pipeProcess) Wait() (ExitStatus, error) { return wait(p.cmd) }

func (p *pipeProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.stdout.Close(), p.stderr.Close())
	})
	return p.closeErr
}

// signalGroup signals the process group led by proc, falling back to the
// process itself.
func signalGroup(proc *os.Process, sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-proc.Pid, s); err == nil {
			return nil
		}
	}
	return proc.Signal(sig)
}

func wait(cmd *exec.Cmd) (ExitStatus, error) {
	err := cmd.Wait()
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1}, err
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return exitStatus(cmd.ProcessState), err
	}
	return exitStatus(cmd.ProcessState), nil
}

func exitStatus(state *os.ProcessState) ExitStatus {
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = int(ws.Signal())
	}
	return status
}

// isClosedRead reports whether a stream read error is the normal end of a
// process's output.
func isClosedRead(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO)
}
