package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/monitoring"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/resilience"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/tracing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(t *testing.T, spawner Spawner, mutate ...func(*Config)) (*Manager, string) {
	t.Helper()

	base := t.TempDir()
	cfg := Config{BaseDir: base, KillTimeout: time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}

	m, err := NewManager(cfg, spawner)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.KillAll(ctx)
	})
	return m, base
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{BaseDir: "/tmp"}, nil)
	assert.Error(t, err)

	_, err = NewManager(Config{BaseDir: "relative"}, &fakeSpawner{})
	assert.Error(t, err)

	_, err = NewManager(Config{BaseDir: "/tmp", DenyPaths: []string{"[bad"}}, &fakeSpawner{})
	assert.Error(t, err)
}

func TestStartRegistersSession(t *testing.T) {
	spawner := &fakeSpawner{}
	m, base := newTestManager(t, spawner)
	sink := &recorder{}

	info, err := m.Start(context.Background(), "conn-1", StartOptions{}, sink)
	require.NoError(t, err)

	assert.Equal(t, "conn-1", info.ConnectionID)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, KindInteractive, info.Kind)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, base, info.WorkingDirectory)
	assert.Equal(t, DefaultCols, info.Cols)
	assert.Equal(t, DefaultRows, info.Rows)
	assert.Equal(t, 1000, info.PID)

	assert.True(t, m.Has("conn-1"))
	assert.Equal(t, 1, m.Count())

	spec := spawner.process(0).spec
	assert.Equal(t, base, spec.Dir)
	assert.Equal(t, Size{Cols: 80, Rows: 30}, spec.Size)

	system := sink.ofType(EventSystem)
	require.Len(t, system, 1)
	assert.Equal(t, "Claude interactive session started in "+base, system[0].Message)
	assert.Equal(t, uint64(1), system[0].Seq)
	assert.Equal(t, "conn-1", system[0].ConnectionID)
}

func TestStartResolvesRelativePath(t *testing.T) {
	spawner := &fakeSpawner{}
	m, base := newTestManager(t, spawner)

	info, err := m.Start(context.Background(), "c", StartOptions{RelativePath: "proj/a", Cols: 120, Rows: 40}, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "proj", "a"), info.WorkingDirectory)
	assert.Equal(t, Size{Cols: 120, Rows: 40}, spawner.process(0).spec.Size)
}

func TestStartRejectsEscape(t *testing.T) {
	spawner := &fakeSpawner{}
	metrics := monitoring.NewMetrics()
	m, base := newTestManager(t, spawner)
	m.WithMetrics(metrics)

	tests := []string{
		"..",
		"../other",
		"../" + filepath.Base(base) + "-evil",
		"/etc",
	}

	for _, rel := range tests {
		t.Run(rel, func(t *testing.T) {
			_, err := m.Start(context.Background(), "c", StartOptions{RelativePath: rel}, nil)
			assert.ErrorIs(t, err, ErrSandboxViolation)
			assert.False(t, m.Has("c"))
		})
	}

	assert.Equal(t, 0, spawner.callCount())
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(metrics.SandboxViolations))
}

func TestStartRejectsDeniedPath(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner, func(c *Config) {
		c.DenyPaths = []string{"**/.git"}
	})

	_, err := m.Start(context.Background(), "c", StartOptions{RelativePath: "repo/.git/hooks"}, nil)
	assert.ErrorIs(t, err, ErrSandboxViolation)
	assert.Equal(t, 0, spawner.callCount())
}

func TestStartSupersedesExistingSession(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	first, second := &recorder{}, &recorder{}

	a, err := m.Start(context.Background(), "c", StartOptions{}, first)
	require.NoError(t, err)
	b, err := m.Start(context.Background(), "c", StartOptions{}, second)
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, 1, m.Count())

	old := spawner.process(0)
	assert.True(t, old.hasExited(), "old process must be gone before the new one is registered")
	assert.Equal(t, 1, old.signalCount(syscall.SIGTERM))
	assert.Equal(t, 0, old.signalCount(syscall.SIGKILL))

	// The old session's exit must not deregister its replacement.
	info, ok := m.Get("c")
	require.True(t, ok)
	assert.Equal(t, b.SessionID, info.SessionID)

	require.True(t, first.has(EventExit))
	assert.False(t, second.has(EventExit))
}

func TestWriteAndResize(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)

	assert.ErrorIs(t, m.Write("c", []byte("x")), ErrNoActiveSession)
	assert.ErrorIs(t, m.Resize("c", 100, 40), ErrNoActiveSession)

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Write("c", []byte("hello\r")))
	assert.Equal(t, "hello\r", spawner.process(0).written())

	require.NoError(t, m.Resize("c", 100, 40))
	require.NoError(t, m.Resize("c", 0, 40), "invalid sizes are ignored")

	info, _ := m.Get("c")
	assert.Equal(t, 100, info.Cols)
	assert.Equal(t, 40, info.Rows)
	assert.Equal(t, []Size{{Cols: 100, Rows: 40}}, spawner.process(0).resizes())
}

func TestKillSignalsOnce(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	require.NoError(t, m.Kill("c"))
	assert.ErrorIs(t, m.Kill("c"), ErrNoActiveSession)

	proc := spawner.process(0)
	require.Eventually(t, func() bool { return !m.Has("c") }, waitFor, tick)
	assert.Equal(t, 1, proc.signalCount(syscall.SIGTERM))

	assert.ErrorIs(t, m.Write("c", []byte("x")), ErrNoActiveSession)
	assert.ErrorIs(t, m.Kill("c"), ErrNoActiveSession)

	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	system := sink.ofType(EventSystem)
	require.Len(t, system, 2)
	assert.Equal(t, "Session terminated", system[1].Message)

	exit := sink.ofType(EventExit)[0]
	assert.Equal(t, int(syscall.SIGTERM), exit.Exit.Signal)
}

func TestKillWithoutSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})
	assert.ErrorIs(t, m.Kill("missing"), ErrNoActiveSession)
}

func TestKillEscalatesToSIGKILL(t *testing.T) {
	spawner := &fakeSpawner{ignoreTERM: true}
	m, _ := newTestManager(t, spawner, func(c *Config) {
		c.KillTimeout = 20 * time.Millisecond
	})

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Kill("c"))

	proc := spawner.process(0)
	require.Eventually(t, func() bool { return proc.signalCount(syscall.SIGKILL) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !m.Has("c") }, waitFor, tick)
	assert.Equal(t, 1, proc.signalCount(syscall.SIGTERM))
}

func TestNaturalExitDeregisters(t *testing.T) {
	spawner := &fakeSpawner{}
	metrics := monitoring.NewMetrics()
	m, _ := newTestManager(t, spawner)
	m.WithMetrics(metrics)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	proc := spawner.process(0)
	proc.output("hello ")
	proc.output("world")
	proc.exit(ExitStatus{Code: 3})

	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	assert.False(t, m.Has("c"))
	assert.Equal(t, 0, proc.signalCount(syscall.SIGTERM))
	assert.GreaterOrEqual(t, proc.closeCount(), 1)

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, EventExit, last.Type)
	assert.Equal(t, ExitStatus{Code: 3}, *last.Exit)
	assert.Equal(t, "hello world", sink.data())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsExited.WithLabelValues("exited")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SessionsActive))
	assert.ErrorIs(t, m.Kill("c"), ErrNoActiveSession)
}

func TestEventOrdering(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	proc := spawner.process(0)
	for i := 0; i < 50; i++ {
		proc.output(fmt.Sprintf("%d,", i))
	}
	proc.exit(ExitStatus{})
	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)

	var want string
	for i := 0; i < 50; i++ {
		want += fmt.Sprintf("%d,", i)
	}
	assert.Equal(t, want, sink.data())

	events := sink.Events()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
	assert.Equal(t, EventExit, events[len(events)-1].Type)
}

func TestSpawnFailure(t *testing.T) {
	cause := errors.New("exec: not found")
	spawner := &fakeSpawner{err: cause}
	metrics := monitoring.NewMetrics()
	m, base := newTestManager(t, spawner)
	m.WithMetrics(metrics)

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.ErrorIs(t, err, cause)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, base, spawnErr.Dir)

	assert.False(t, m.Has("c"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SpawnFailures))
}

func TestSpawnBreakerOpens(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("boom")}
	m, _ := newTestManager(t, spawner)
	m.WithBreaker(resilience.New("spawn", resilience.Settings{
		ReadyToTrip: resilience.ConsecutiveFailures(2),
		Timeout:     time.Hour,
	}))

	for i := 0; i < 2; i++ {
		_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
		assert.ErrorIs(t, err, ErrSpawnFailure)
	}

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, spawner.callCount())
}

func TestWriteFailureTerminatesSession(t *testing.T) {
	spawner := &fakeSpawner{writeErr: syscall.EPIPE}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	err = m.Write("c", []byte("x"))
	assert.ErrorIs(t, err, ErrProcessRuntime)

	require.Eventually(t, func() bool { return !m.Has("c") }, waitFor, tick)
	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	assert.True(t, sink.has(EventError))
	assert.Equal(t, 1, spawner.process(0).signalCount(syscall.SIGTERM))
}

func TestReadFailureTerminatesSession(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	spawner.process(0).fail(errors.New("device gone"))

	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	errs := sink.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "device gone")
	assert.False(t, m.Has("c"))
}

func TestInputClosedIsReported(t *testing.T) {
	spawner := &fakeSpawner{writeErr: ErrInputClosed}
	m, _ := newTestManager(t, spawner)

	_, err := m.Start(context.Background(), "c", StartOptions{Kind: KindCommand, Prompt: "hi"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Write("c", []byte("x")), ErrInputClosed)
	assert.True(t, m.Has("c"))

	proc := spawner.process(0)
	assert.Equal(t, KindCommand, proc.spec.Kind)
	assert.Equal(t, "hi", proc.spec.Prompt)
}

func TestDisconnectReleasesSession(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	m.Disconnect("c")
	m.Disconnect("c")

	require.Eventually(t, func() bool { return !m.Has("c") }, waitFor, tick)
	assert.Equal(t, 1, spawner.process(0).signalCount(syscall.SIGTERM))
	assert.Len(t, sink.ofType(EventSystem), 1, "no kill notice is sent to a closed connection")
}

func TestKillAll(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)

	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background(), fmt.Sprintf("c%d", i), StartOptions{}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Kill("c0"))

	require.NoError(t, m.KillAll(context.Background()))
	assert.Equal(t, 0, m.Count())

	for _, p := range spawner.all() {
		assert.True(t, p.hasExited())
		assert.Equal(t, 1, p.signalCount(syscall.SIGTERM))
	}

	_, err := m.Start(context.Background(), "late", StartOptions{}, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, m.Write("c1", []byte("x")), ErrNoActiveSession)
	assert.Equal(t, 3, spawner.callCount())
}

func TestKillAllHonorsContext(t *testing.T) {
	spawner := &fakeSpawner{ignoreTERM: true}
	m, _ := newTestManager(t, spawner, func(c *Config) {
		c.KillTimeout = time.Hour
	})

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, m.KillAll(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, spawner.process(0).signalCount(syscall.SIGKILL))
}

func TestConcurrentStartKill(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 25; j++ {
				switch rng.Intn(4) {
				case 0, 1:
					_, _ = m.Start(context.Background(), "shared", StartOptions{}, nil)
				case 2:
					_ = m.Kill("shared")
				default:
					_ = m.Write("shared", []byte("x"))
				}
			}
		}(int64(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Count(), 1)

	// Every process but the registered one has been reaped.
	live := 0
	for _, p := range spawner.all() {
		if !p.hasExited() {
			live++
		}
	}
	assert.LessOrEqual(t, live, 1)

	require.NoError(t, m.KillAll(context.Background()))
	for _, p := range spawner.all() {
		assert.True(t, p.hasExited())
		assert.LessOrEqual(t, p.signalCount(syscall.SIGTERM), 1)
	}
	assert.Equal(t, 0, m.Count())
}

func TestConcurrentConnections(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Start(context.Background(), fmt.Sprintf("c%d", i), StartOptions{}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, m.Count())
	assert.Len(t, m.List(), 20)
}

func TestStartRecordsSpan(t *testing.T) {
	tracer := tracing.New("test", nil)
	defer tracer.Close()

	m, _ := newTestManager(t, &fakeSpawner{})
	m.WithTracer(tracer)

	_, err := m.Start(context.Background(), "c", StartOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Kill("c"))
}

func TestHandleReleasedOnlyWhenTerminated(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	s, ok := m.registry.Get("c")
	require.True(t, ok)
	proc := spawner.process(0)

	// Close runs with s.mu held by release.
	closedIn := make(chan State, 1)
	proc.setOnClose(func() { closedIn <- s.state })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = m.Resize("c", 80+i%20, 24)
			_ = m.Write("c", []byte("x"))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	proc.exit(ExitStatus{})
	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	close(stop)
	wg.Wait()

	assert.Equal(t, StateTerminated, <-closedIn)
	assert.Equal(t, 0, proc.lateCalls(), "no resize may reach a closed handle")
	assert.Equal(t, 1, proc.closeCount())
	assert.ErrorIs(t, m.Resize("c", 100, 40), ErrNoActiveSession)
}

func TestKillAfterReapDoesNotSignal(t *testing.T) {
	spawner := &fakeSpawner{holdOutput: true}
	m, _ := newTestManager(t, spawner, func(c *Config) {
		c.KillTimeout = 20 * time.Millisecond
	})
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)
	s, ok := m.registry.Get("c")
	require.True(t, ok)

	proc := spawner.process(0)
	proc.exit(ExitStatus{Code: 0})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reaped
	}, waitFor, tick)

	// Output is still draining, so the session is registered.
	require.NoError(t, m.Kill("c"))
	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)

	assert.Equal(t, 0, proc.signalCount(syscall.SIGTERM))
	assert.Equal(t, 0, proc.signalCount(syscall.SIGKILL))
	assert.Equal(t, 0, proc.lateCalls())
	assert.False(t, m.Has("c"))
}

func TestExitDetachesFromStuckOutput(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	spawner := &fakeSpawner{stuck: stuck}
	m, _ := newTestManager(t, spawner)
	sink := &recorder{}

	_, err := m.Start(context.Background(), "c", StartOptions{}, sink)
	require.NoError(t, err)

	proc := spawner.process(0)
	proc.output("last words")
	proc.exit(ExitStatus{Code: 1})

	require.Eventually(t, func() bool { return !m.Has("c") }, 2*drainTimeout+waitFor, tick)
	require.Eventually(t, func() bool { return sink.has(EventExit) }, waitFor, tick)
	assert.Equal(t, "last words", sink.data())
	assert.Equal(t, ExitStatus{Code: 1}, *sink.ofType(EventExit)[0].Exit)
	assert.ErrorIs(t, m.Write("c", []byte("x")), ErrNoActiveSession)
}
