package session

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"
)

// fakeProcess is an in-memory Process. It exits on SIGKILL, and on SIGTERM
// unless ignoreTERM is set.
type fakeProcess struct {
	pid        int
	spec       SpawnSpec
	ignoreTERM bool
	writeErr   error
	// holdOutput keeps the output stream open after exit, like a
	// background child still holding the terminal.
	holdOutput bool
	// stuck adds a stream whose reads never return, not even on Close.
	stuck chan struct{}

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	signals []os.Signal
	input   []byte
	sizes   []Size
	closes  int
	waited  bool
	onClose func()
	// late counts resizes made after Close and signals sent after Wait.
	late int

	exitOnce sync.Once
	exitCh   chan ExitStatus
	exited   chan struct{}
}

func newFakeProcess(pid int, spec SpawnSpec) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		pid:    pid,
		spec:   spec,
		outR:   r,
		outW:   w,
		exitCh: make(chan ExitStatus, 1),
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Streams() []Stream {
	streams := []Stream{{Type: EventData, Reader: p.outR}}
	if p.stuck != nil {
		streams = append(streams, Stream{Type: EventStderr, Reader: stuckReader(p.stuck)})
	}
	return streams
}

// stuckReader blocks until its channel is closed.
type stuckReader chan struct{}

func (r stuckReader) Read([]byte) (int, error) {
	<-r
	return 0, io.EOF
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return 0, os.ErrClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.input = append(p.input, b...)
	return len(b), nil
}

func (p *fakeProcess) Resize(size Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		p.late++
		return os.ErrClosed
	}
	p.sizes = append(p.sizes, size)
	return nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	if p.waited {
		p.late++
	}
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTERM && sig == syscall.SIGTERM
	p.mu.Unlock()

	if !ignore {
		p.exit(ExitStatus{Code: -1, Signal: int(sig.(syscall.Signal))})
	}
	return nil
}

func (p *fakeProcess) Wait() (ExitStatus, error) {
	status := <-p.exitCh
	p.mu.Lock()
	p.waited = true
	p.mu.Unlock()
	return status, nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closes++
	hook := p.onClose
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p.outR.Close()
}

// output writes to the process's output stream.
func (p *fakeProcess) output(s string) {
	_, _ = p.outW.Write([]byte(s))
}

// exit ends the process once.
func (p *fakeProcess) exit(status ExitStatus) {
	p.exitOnce.Do(func() {
		if !p.holdOutput {
			p.outW.Close()
		}
		p.exitCh <- status
		close(p.exited)
	})
}

// fail breaks the output stream with err.
func (p *fakeProcess) fail(err error) {
	p.outW.CloseWithError(err)
}

func (p *fakeProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) signalCount(sig os.Signal) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.signals {
		if s == sig {
			n++
		}
	}
	return n
}

func (p *fakeProcess) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakeProcess) setOnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *fakeProcess) lateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.late
}

func (p *fakeProcess) resizes() []Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Size(nil), p.sizes...)
}

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

type fakeSpawner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	calls      int
	err        error
	ignoreTERM bool
	writeErr   error
	holdOutput bool
	stuck      chan struct{}
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess(1000+len(f.procs), spec)
	p.ignoreTERM = f.ignoreTERM
	p.writeErr = f.writeErr
	p.holdOutput = f.holdOutput
	p.stuck = f.stuck
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) process(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeSpawner) all() []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProcess(nil), f.procs...)
}

func (f *fakeSpawner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) has(t EventType) bool {
	return len(r.ofType(t)) > 0
}

func (r *recorder) data() string {
	var b []byte
	for _, e := range r.Events() {
		b = append(b, e.Data...)
	}
	return string(b)
}
