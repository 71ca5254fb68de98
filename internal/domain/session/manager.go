package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/logging"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/monitoring"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/resilience"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/tracing"
	"github.com/Kurogoma4D/claude-code-server/internal/shared/paths"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultKillTimeout is how long a signalled process may take to exit
	// before it is sent SIGKILL.
	DefaultKillTimeout = 5 * time.Second
	// DefaultCols and DefaultRows size a terminal when the client sends none.
	DefaultCols = 80
	DefaultRows = 30

	drainTimeout = 2 * time.Second
	readSize     = 4096
)

const (
	reasonExited       = "exited"
	reasonKilled       = "killed"
	reasonSuperseded   = "superseded"
	reasonDisconnected = "disconnected"
	reasonShutdown     = "shutdown"
	reasonError        = "error"
)

// Config configures a Manager.
type Config struct {
	BaseDir     string
	DenyPaths   []string
	DefaultSize Size
	KillTimeout time.Duration
}

// Manager runs the session lifecycle for every connection.
type Manager struct {
	cfg      Config
	sandbox  *paths.Sandbox
	spawner  Spawner
	registry *Registry
	locks    *keyedMutex

	// lifecycle is read-held by Start and write-held by KillAll.
	lifecycle sync.RWMutex
	closed    bool

	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	breaker *resilience.Breaker
}

// NewManager creates a session manager rooted at cfg.BaseDir.
func NewManager(cfg Config, spawner Spawner) (*Manager, error) {
	if spawner == nil {
		return nil, errors.New("session: nil spawner")
	}

	sandbox, err := paths.NewSandbox(cfg.BaseDir, cfg.DenyPaths)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.DefaultSize.Cols <= 0 {
		cfg.DefaultSize.Cols = DefaultCols
	}
	if cfg.DefaultSize.Rows <= 0 {
		cfg.DefaultSize.Rows = DefaultRows
	}

	return &Manager{
		cfg:      cfg,
		sandbox:  sandbox,
		spawner:  spawner,
		registry: NewRegistry(),
		locks:    newKeyedMutex(),
		logger:   logging.NewNop(),
	}, nil
}

// WithLogger sets the logger
func (m *Manager) WithLogger(logger *logging.Logger) *Manager {
	m.logger = logger.Named("session")
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithTracer records spans for lifecycle operations
func (m *Manager) WithTracer(tracer *tracing.Tracer) *Manager {
	m.tracer = tracer
	return m
}

// WithBreaker guards process spawning with a circuit breaker
func (m *Manager) WithBreaker(breaker *resilience.Breaker) *Manager {
	m.breaker = breaker
	return m
}

// Sandbox returns the directory sandbox sessions are confined to.
func (m *Manager) Sandbox() *paths.Sandbox {
	return m.sandbox
}

// Start starts a session for connID, terminating any session the connection
// already owns. On error nothing is registered.
func (m *Manager) Start(ctx context.Context, connID string, opts StartOptions, sink Sink) (info Info, err error) {
	span, ctx := m.startSpan(ctx, "session.start", connID)
	defer func() { m.finishSpan(span, err) }()

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.closed {
		return Info{}, ErrShuttingDown
	}

	unlock := m.locks.Lock(connID)
	defer unlock()

	log := m.logger.With(logging.ConnectionID(connID))

	dir, err := m.sandbox.Resolve(opts.RelativePath)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordSandboxViolation()
		}
		log.Warn("Rejected working directory",
			zap.String("relative_path", opts.RelativePath),
			zap.Error(err),
		)
		return Info{}, err
	}

	if old, ok := m.registry.Get(connID); ok {
		log.Info("Superseding session", logging.SessionID(old.id))
		m.stop(old, reasonSuperseded)
	}

	kind := opts.Kind
	if kind == "" {
		kind = KindInteractive
	}
	size := m.size(opts.Cols, opts.Rows)

	began := time.Now()
	proc, err := m.spawn(ctx, SpawnSpec{Kind: kind, Dir: dir, Size: size, Prompt: opts.Prompt})
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordSpawnFailure()
		}
		log.Error("Failed to start process", zap.String("dir", dir), zap.Error(err))
		return Info{}, &SpawnError{Dir: dir, Err: err}
	}

	s := newSession(uuid.NewString(), connID, kind, dir, size, proc, sink)
	m.registry.Put(connID, s)
	s.setRunning()

	if m.metrics != nil {
		m.metrics.RecordSessionStart(string(kind), time.Since(began))
		m.metrics.SetSessionsActive(m.registry.Len())
	}
	if span != nil {
		span.SetTag("session_id", s.id)
		span.SetTag("kind", string(kind))
	}
	log.Info("Session started",
		logging.SessionID(s.id),
		zap.String("kind", string(kind)),
		zap.String("dir", dir),
		zap.Int("pid", proc.PID()),
	)

	if kind == KindCommand {
		s.emit(Event{Type: EventSystem, Message: fmt.Sprintf("Process started with PID: %d", proc.PID())})
	} else {
		s.emit(Event{Type: EventSystem, Message: fmt.Sprintf("Claude interactive session started in %s", dir)})
	}

	m.run(s)
	return s.Info(), nil
}

// Write sends data to the connection's running session.
func (m *Manager) Write(connID string, data []byte) error {
	s, ok := m.registry.Get(connID)
	if !ok {
		return ErrNoActiveSession
	}

	n, err := s.write(data)
	switch {
	case err == nil:
		if m.metrics != nil {
			m.metrics.RecordInput(n)
		}
		return nil
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrInputClosed):
		return err
	case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EIO):
		// The process is gone; its exit event is on the way.
		return ErrNoActiveSession
	default:
		m.fail(s, fmt.Errorf("write: %w", err))
		return fmt.Errorf("%w: %v", ErrProcessRuntime, err)
	}
}

// Resize changes the terminal size of the connection's running session.
// Invalid sizes and processes without a terminal are ignored.
func (m *Manager) Resize(connID string, cols, rows int) error {
	s, ok := m.registry.Get(connID)
	if !ok {
		return ErrNoActiveSession
	}

	if cols <= 0 || rows <= 0 || cols > maxDimension || rows > maxDimension {
		if !s.running() {
			return ErrNoActiveSession
		}
		return nil
	}

	applied, err := s.resize(Size{Cols: cols, Rows: rows})
	if !applied {
		return ErrNoActiveSession
	}
	if err != nil {
		m.logger.Debug("Resize failed",
			logging.ConnectionID(connID),
			logging.SessionID(s.id),
			zap.Error(err),
		)
	}
	return nil
}

// Kill terminates the connection's session. SIGTERM is sent once and
// escalated to SIGKILL after the kill timeout.
func (m *Manager) Kill(connID string) (err error) {
	span, _ := m.startSpan(context.Background(), "session.kill", connID)
	defer func() { m.finishSpan(span, err) }()

	unlock := m.locks.Lock(connID)
	defer unlock()

	s, ok := m.registry.Get(connID)
	if !ok || !s.beginExit(reasonKilled) {
		return ErrNoActiveSession
	}

	m.logger.Info("Killing session",
		logging.ConnectionID(connID),
		logging.SessionID(s.id),
	)
	s.emit(Event{Type: EventSystem, Message: "Session terminated"})
	m.signal(s)
	return nil
}

// Disconnect terminates the connection's session without notifying it.
func (m *Manager) Disconnect(connID string) {
	unlock := m.locks.Lock(connID)
	defer unlock()

	if s, ok := m.registry.Get(connID); ok && s.beginExit(reasonDisconnected) {
		m.logger.Info("Releasing session of closed connection",
			logging.ConnectionID(connID),
			logging.SessionID(s.id),
		)
		m.signal(s)
	}
}

// KillAll stops accepting new sessions, signals every live session and
// waits for all of them to exit. When ctx ends first, the remaining
// processes are killed and released, and ctx's error is returned.
func (m *Manager) KillAll(ctx context.Context) error {
	m.lifecycle.Lock()
	m.closed = true
	m.lifecycle.Unlock()

	sessions := m.registry.Snapshot()
	m.logger.Info("Terminating all sessions", zap.Int("count", len(sessions)))

	for _, s := range sessions {
		if s.beginExit(reasonShutdown) {
			m.signal(s)
		}
	}

	for i, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			for _, rest := range sessions[i:] {
				m.abandon(rest)
			}
			return ctx.Err()
		}
	}
	return nil
}

// Get returns a snapshot of the connection's session.
func (m *Manager) Get(connID string) (Info, bool) {
	s, ok := m.registry.Get(connID)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Has reports whether the connection has a registered session.
func (m *Manager) Has(connID string) bool {
	return m.registry.Contains(connID)
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Info {
	sessions := m.registry.Snapshot()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

const maxDimension = 1<<16 - 1

func (m *Manager) size(cols, rows int) Size {
	size := m.cfg.DefaultSize
	if cols > 0 && cols <= maxDimension {
		size.Cols = cols
	}
	if rows > 0 && rows <= maxDimension {
		size.Rows = rows
	}
	return size
}

func (m *Manager) spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if m.breaker == nil {
		return m.spawner.Spawn(ctx, spec)
	}
	return resilience.Do(m.breaker, func() (Process, error) {
		return m.spawner.Spawn(ctx, spec)
	})
}

// run starts the output pumps and the exit watcher.
func (m *Manager) run(s *Session) {
	streams := s.proc.Streams()

	var readers sync.WaitGroup
	readers.Add(len(streams))
	for _, stream := range streams {
		go func() {
			defer readers.Done()
			m.pump(s, stream)
		}()
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	go m.watch(s, drained)
}

func (m *Manager) pump(s *Session, stream Stream) {
	buf := make([]byte, readSize)
	for {
		n, err := stream.Reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if m.metrics != nil {
				m.metrics.RecordOutput(string(stream.Type), n)
			}
			s.emit(Event{Type: stream.Type, Data: chunk})
		}
		if err != nil {
			if !isClosedRead(err) {
				m.fail(s, fmt.Errorf("read %s: %w", stream.Type, err))
			}
			return
		}
	}
}

// watch waits for the process to exit, drains its output, releases its
// handles and deregisters the session. The exit event is the last event
// the session emits.
func (m *Manager) watch(s *Session, drained <-chan struct{}) {
	status, err := s.proc.Wait()
	s.markReaped()
	if err != nil {
		s.emit(Event{Type: EventError, Message: fmt.Sprintf("Process error: %v", err)})
	}

	// A child that inherited the terminal can keep it open after the
	// process exits, so neither wait is unbounded.
	waitDrained(drained, drainTimeout)
	reason := s.finish(status)
	if err := s.release(); err != nil {
		m.logger.Debug("Closing process handles", logging.SessionID(s.id), zap.Error(err))
	}
	if !waitDrained(drained, drainTimeout) {
		m.logger.Warn("Output still open after exit, detaching",
			logging.ConnectionID(s.connID),
			logging.SessionID(s.id),
		)
	}

	m.registry.CompareAndDelete(s.connID, s)

	if m.metrics != nil {
		m.metrics.RecordSessionExit(reason)
		m.metrics.SetSessionsActive(m.registry.Len())
	}
	m.logger.Info("Session exited",
		logging.ConnectionID(s.connID),
		logging.SessionID(s.id),
		zap.String("reason", reason),
		zap.Int("exit_code", status.Code),
		zap.Int("signal", status.Signal),
	)

	s.emit(Event{Type: EventExit, Exit: &status})
	close(s.done)
}

func waitDrained(drained <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// fail reports a process I/O failure and terminates the session.
func (m *Manager) fail(s *Session, err error) {
	m.logger.Warn("Process error",
		logging.ConnectionID(s.connID),
		logging.SessionID(s.id),
		zap.Error(err),
	)
	s.emit(Event{Type: EventError, Message: fmt.Sprintf("Process error: %v", err)})
	if s.beginExit(reasonError) {
		m.signal(s)
	}
}

// signal sends SIGTERM and arms the SIGKILL watchdog.
func (m *Manager) signal(s *Session) {
	if err := s.signal(syscall.SIGTERM); err != nil {
		m.logger.Debug("SIGTERM failed", logging.SessionID(s.id), zap.Error(err))
	}
	go m.escalate(s)
}

func (m *Manager) escalate(s *Session) {
	timer := time.NewTimer(m.cfg.KillTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	err := s.signal(syscall.SIGKILL)
	if errors.Is(err, errProcessReaped) {
		return
	}
	m.logger.Warn("Process ignored SIGTERM, sent SIGKILL",
		logging.ConnectionID(s.connID),
		logging.SessionID(s.id),
	)
	if err != nil {
		m.logger.Debug("SIGKILL failed", logging.SessionID(s.id), zap.Error(err))
	}
}

// stop terminates s and waits for it to exit. A process that survives
// SIGKILL is abandoned so the caller can proceed.
func (m *Manager) stop(s *Session, reason string) {
	if s.beginExit(reason) {
		m.signal(s)
	}

	timer := time.NewTimer(2*m.cfg.KillTimeout + 2*drainTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		m.abandon(s)
	}
}

// abandon releases a session whose process could not be reaped in time.
func (m *Manager) abandon(s *Session) {
	select {
	case <-s.done:
		return
	default:
	}

	m.logger.Error("Abandoning unresponsive process",
		logging.ConnectionID(s.connID),
		logging.SessionID(s.id),
		zap.Int("pid", s.proc.PID()),
	)
	_ = s.signal(syscall.SIGKILL)
	_ = s.release()
	if m.registry.CompareAndDelete(s.connID, s) && m.metrics != nil {
		m.metrics.SetSessionsActive(m.registry.Len())
	}
}

func (m *Manager) startSpan(ctx context.Context, name, connID string) (*tracing.Span, context.Context) {
	if m.tracer == nil {
		return nil, ctx
	}
	span, ctx := m.tracer.StartSpan(ctx, name)
	span.SetTag("connection_id", connID)
	return span, ctx
}

func (m *Manager) finishSpan(span *tracing.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetError(err)
	}
	m.tracer.Finish(span)
}
