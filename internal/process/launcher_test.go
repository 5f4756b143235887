package process_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/sidekeeper/internal/logger"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	processtest.RunIfRequested()
	os.Exit(m.Run())
}

func collect(t *testing.T, events <-chan process.Event, timeout time.Duration) []process.Event {
	t.Helper()
	var out []process.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream not closed within %s (got %d events)", timeout, len(out))
		}
	}
}

func TestCommandArgs(t *testing.T) {
	spec := process.Spec{Binary: "bb-stream", Args: []string{"--verbose"}}
	assert.Equal(t, []string{"--verbose", "serve", "--port", "8765"}, spec.CommandArgs(8765))

	cmd := spec.BuildCommand(1234)
	assert.Equal(t, []string{"bb-stream", "--verbose", "serve", "--port", "1234"}, cmd.Args)
}

func TestLaunchCrashStreamsOutputThenTerminates(t *testing.T) {
	l := process.NewLauncher(processtest.Spec("crash", processtest.ModeCrash))
	h, events, err := l.Launch(40001)
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	got := collect(t, events, 10*time.Second)
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	require.Equal(t, process.EventTerminated, last.Type)
	assert.Equal(t, 3, last.Exit.Code)
	assert.False(t, last.Exit.Success())
	assert.Equal(t, "process exited with status 3", last.Exit.String())

	var sawStdout, sawStderr bool
	for _, ev := range got[:len(got)-1] {
		require.NotEqual(t, process.EventTerminated, ev.Type, "terminated must be the last event")
		if ev.Type != process.EventOutput {
			continue
		}
		switch ev.Stream {
		case process.Stdout:
			sawStdout = sawStdout || string(ev.Data) == "fake backend crash listening on 40001"
		case process.Stderr:
			sawStderr = sawStderr || string(ev.Data) == "fake backend stderr line"
		}
	}
	assert.True(t, sawStdout, "stdout line missing")
	assert.True(t, sawStderr, "stderr line missing")

	select {
	case <-h.Done():
	default:
		t.Fatal("handle not done after terminated event")
	}
	info, ok := h.Exit()
	require.True(t, ok)
	assert.Equal(t, 3, info.Code)
	assert.False(t, h.Killed())
}

func TestKillIsIdempotent(t *testing.T) {
	l := process.NewLauncher(processtest.Spec("silent", processtest.ModeSilent))
	h, events, err := l.Launch(40002)
	require.NoError(t, err)

	require.NoError(t, h.Kill())
	assert.True(t, h.Killed())
	assert.True(t, h.Exited())
	require.NoError(t, h.Kill(), "second kill must be a no-op")

	got := collect(t, events, 5*time.Second)
	last := got[len(got)-1]
	require.Equal(t, process.EventTerminated, last.Type)
	assert.NotEmpty(t, last.Exit.Signal)
	assert.Contains(t, last.Exit.String(), "signal")
}

func TestLaunchSpawnFailure(t *testing.T) {
	l := process.NewLauncher(process.Spec{Name: "missing", Binary: filepath.Join(t.TempDir(), "does-not-exist")})
	h, events, err := l.Launch(40003)
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.Nil(t, h)
	assert.Nil(t, events)
}

func TestLaunchTeesOutputToLogFiles(t *testing.T) {
	dir := t.TempDir()
	spec := processtest.Spec("teed", processtest.ModeCrash)
	spec.Log = logger.FileConfig{Dir: dir}
	h, events, err := process.NewLauncher(spec).Launch(40004)
	require.NoError(t, err)
	collect(t, events, 10*time.Second)
	<-h.Done()

	out, err := os.ReadFile(filepath.Join(dir, "teed.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "fake backend crash listening on 40004")
	errOut, err := os.ReadFile(filepath.Join(dir, "teed.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errOut), "fake backend stderr line")
}

func TestLaunchSplitsOverlongLineAndKeepsReading(t *testing.T) {
	dir := t.TempDir()
	spec := processtest.Spec("long", processtest.ModeLongLine)
	spec.Log = logger.FileConfig{Dir: dir}
	h, events, err := process.NewLauncher(spec).Launch(40005)
	require.NoError(t, err)
	got := collect(t, events, 20*time.Second)
	<-h.Done()

	var stdout []string
	for _, ev := range got {
		require.NotEqual(t, process.EventError, ev.Type, "unexpected error event: %s", ev.Message)
		if ev.Type == process.EventOutput && ev.Stream == process.Stdout {
			assert.LessOrEqual(t, len(ev.Data), process.MaxLineBytes)
			stdout = append(stdout, string(ev.Data))
		}
	}
	require.GreaterOrEqual(t, len(stdout), 4, "banner, chunked long line and trailing line expected")
	assert.Equal(t, processtest.LineAfterLong, stdout[len(stdout)-1])

	long := strings.Join(stdout[1:len(stdout)-1], "")
	assert.Len(t, long, processtest.LongLineBytes)
	assert.Equal(t, strings.Repeat("x", processtest.LongLineBytes), long)
	assert.Equal(t, 0, got[len(got)-1].Exit.Code)

	teed, err := os.ReadFile(filepath.Join(dir, "long.stdout.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(teed), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Len(t, lines[1], processtest.LongLineBytes, "the log file keeps the line whole")
	assert.Equal(t, processtest.LineAfterLong, lines[2])
}

func TestExitInfoString(t *testing.T) {
	assert.Equal(t, "process terminated by signal: killed", process.ExitInfo{Code: -1, Signal: "killed"}.String())
	assert.Equal(t, "process exited with status 0", process.ExitInfo{}.String())
	assert.True(t, process.ExitInfo{}.Success())
	assert.Equal(t, "process exited", process.ExitInfo{Code: -1}.String())
}
