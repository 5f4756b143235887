package supervisor

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidekeeper/internal/port"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/process/processtest"
	"github.com/loykin/sidekeeper/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	processtest.RunIfRequested()
	os.Exit(m.Run())
}

type recorder struct {
	mu  sync.Mutex
	got []status.Status
}

func (r *recorder) Publish(s status.Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) all() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status(nil), r.got...)
}

func (r *recorder) kinds() []status.Kind {
	var out []status.Kind
	for _, s := range r.all() {
		out = append(out, s.Kind)
	}
	return out
}

func (r *recorder) count(k status.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return p
}

func testOptions(t *testing.T, mode string) Options {
	return Options{
		Spec: processtest.Spec("api", mode),
		Port: port.Allocator{Host: "127.0.0.1", DefaultPort: freePort(t)},
		Health: HealthOptions{
			Host:             "127.0.0.1",
			InitialDelay:     50 * time.Millisecond,
			Interval:         50 * time.Millisecond,
			Timeout:          500 * time.Millisecond,
			FailureThreshold: 20,
		},
		CrashDelay:       100 * time.Millisecond,
		PortReleaseDelay: 50 * time.Millisecond,
		KillTimeout:      2 * time.Second,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func start(t *testing.T, opts Options) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(opts, rec)
	t.Cleanup(s.Shutdown)
	return s, rec
}

func TestStartReportsStartingThenHealthy(t *testing.T) {
	opts := testOptions(t, processtest.ModeServe)
	s, rec := start(t, opts)
	require.NoError(t, s.Start())

	assert.Equal(t, opts.Port.DefaultPort, s.APIPort())
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []status.Kind{status.Starting, status.Healthy}, rec.kinds())
	assert.Equal(t, status.NewHealthy(), s.Status())
	assert.NotNil(t, s.State().Handle(), "a healthy backend always has a live handle")

	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestCrashIsReportedAndRestarted(t *testing.T) {
	s, rec := start(t, testOptions(t, processtest.ModeCrashAfter))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return rec.count(status.Starting) >= 2 }, 10*time.Second, 10*time.Millisecond)
	got := rec.all()
	var crashed status.Status
	idx := -1
	for i, st := range got {
		if st.Kind == status.Crashed {
			crashed, idx = st, i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0, "crash must be published: %v", got)
	assert.Equal(t, "process exited with status 4", crashed.Error)
	require.Greater(t, len(got), idx+2)
	assert.Equal(t, status.Restarting, got[idx+1].Kind)
	assert.Equal(t, status.Starting, got[idx+2].Kind)
}

func TestRestartWhileHealthy(t *testing.T) {
	s, rec := start(t, testOptions(t, processtest.ModeServe))
	require.NoError(t, s.Start())
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)
	first := s.State().Handle()
	require.NotNil(t, first)

	require.True(t, s.RestartBackend())
	require.Eventually(t, func() bool { return rec.count(status.Healthy) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []status.Kind{
		status.Starting, status.Healthy,
		status.Restarting, status.Starting, status.Healthy,
	}, rec.kinds())
	assert.True(t, first.Exited(), "old generation must be gone")
	assert.True(t, first.Killed())
	second := s.State().Handle()
	require.NotNil(t, second)
	assert.NotEqual(t, first.PID(), second.PID())
	assert.Zero(t, rec.count(status.Crashed), "an intentional kill is not a crash")
}

func TestRapidRestartRequestsAreSerialized(t *testing.T) {
	s, rec := start(t, testOptions(t, processtest.ModeServe))
	require.NoError(t, s.Start())
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)

	accepted := 0
	for i := 0; i < 10; i++ {
		if s.RestartBackend() {
			accepted++
		}
		assert.LessOrEqual(t, s.coord.InFlight(), 1)
	}
	assert.GreaterOrEqual(t, accepted, 1)
	assert.LessOrEqual(t, accepted, 2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, s.coord.InFlight(), 1)
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, accepted, rec.count(status.Restarting))
	assert.EqualValues(t, accepted, s.coord.Executed())
}

func TestUnhealthyBackendIsNotRestarted(t *testing.T) {
	opts := testOptions(t, processtest.ModeUnhealthy)
	opts.Health.FailureThreshold = 3
	s, rec := start(t, opts)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return rec.count(status.Unhealthy) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []status.Kind{status.Starting, status.Unhealthy}, rec.kinds())
	assert.False(t, s.Healthy())
	assert.NotNil(t, s.State().Handle())
}

func TestStartFailurePublishesCrashed(t *testing.T) {
	opts := testOptions(t, processtest.ModeServe)
	opts.Spec.Binary = "/nonexistent/sidekeeper-backend"
	s, rec := start(t, opts)

	err := s.Start()
	require.ErrorIs(t, err, process.ErrSpawn)
	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, status.Starting, got[0].Kind)
	assert.Equal(t, status.Crashed, got[1].Kind)
	assert.Contains(t, got[1].Error, "failed to spawn backend")
	assert.Nil(t, s.State().Handle())
}

func TestRestartAfterFailedStartRecovers(t *testing.T) {
	opts := testOptions(t, processtest.ModeServe)
	opts.Spec.Binary = "/nonexistent/sidekeeper-backend"
	s, rec := start(t, opts)
	require.Error(t, s.Start())

	s.launcher.Spec.Binary = os.Args[0]
	require.True(t, s.RestartBackend())
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []status.Kind{
		status.Starting, status.Crashed,
		status.Restarting, status.Starting, status.Healthy,
	}, rec.kinds())
}

func TestShutdownStopsEverything(t *testing.T) {
	s, rec := start(t, testOptions(t, processtest.ModeServe))
	require.NoError(t, s.Start())
	require.Eventually(t, s.Healthy, 5*time.Second, 10*time.Millisecond)
	h := s.State().Handle()
	require.NotNil(t, h)

	s.Shutdown()
	assert.True(t, h.Exited())
	assert.Nil(t, s.State().Handle())
	assert.False(t, s.Healthy())
	assert.False(t, s.RestartBackend())

	n := len(rec.all())
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, rec.all(), n, "nothing is published after shutdown")
	assert.Nil(t, s.State().Handle(), "nothing is spawned after shutdown")
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	s.Shutdown()
}

func TestShutdownDuringCrashDelay(t *testing.T) {
	opts := testOptions(t, processtest.ModeCrash)
	opts.CrashDelay = time.Second
	s, rec := start(t, opts)
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return rec.count(status.Crashed) == 1 }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited for the crash delay")
	}
	assert.Zero(t, rec.count(status.Restarting))
	assert.EqualValues(t, 0, s.coord.Executed())
}

func TestShutdownBeforeStart(t *testing.T) {
	s, rec := start(t, testOptions(t, processtest.ModeServe))
	s.Shutdown()
	assert.ErrorIs(t, s.Start(), ErrShuttingDown)
	assert.Empty(t, rec.all())
}
