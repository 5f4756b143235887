package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/sidekeeper/internal/env"
)

// ErrSpawn is returned when the OS could not start the backend.
var ErrSpawn = errors.New("failed to spawn backend")

const defaultEventBuffer = 256

// MaxLineBytes caps one output event. Longer lines arrive as consecutive
// chunks of at most this size.
const MaxLineBytes = 1 << 20

// Launcher starts backend processes from a Spec. Each Launch creates exactly one
// OS process; the caller owns its lifetime through the returned Handle.
type Launcher struct {
	Spec        Spec
	Env         *env.Env      // nil inherits the OS environment
	KillTimeout time.Duration // 0 uses DefaultKillTimeout
	EventBuffer int           // 0 uses a default buffer size
}

func NewLauncher(spec Spec) *Launcher { return &Launcher{Spec: spec} }

// Launch spawns "<binary> [args...] serve --port <port>" and returns its handle and
// event stream.
func (l *Launcher) Launch(port uint16) (*Handle, <-chan Event, error) {
	spec := l.Spec
	cmd := spec.BuildCommand(port)
	e := l.Env
	if e == nil {
		e = env.New()
	}
	cmd.Env = e.Merge(spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	outW, errW, logErr := spec.Log.Writers(spec.Name)
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Binary, err)
	}

	h := newHandle(spec.Name, cmd, l.KillTimeout)
	buf := l.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}
	events := make(chan Event, buf)
	if logErr != nil {
		events <- Event{Type: EventError, Message: "output log files unavailable: " + logErr.Error()}
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdout, Stdout, outW, events)
	go pump(&pumps, stderr, Stderr, errW, events)
	go func() {
		// Wait must not run before both pipes are drained.
		pumps.Wait()
		waitErr := cmd.Wait()
		closeAll(outW, errW)
		info := exitInfo(cmd, waitErr)
		h.markExited(info)
		events <- Event{Type: EventTerminated, Exit: info}
		close(events)
	}()
	return h, events, nil
}

func pump(wg *sync.WaitGroup, r io.Reader, stream Stream, tee io.Writer, events chan<- Event) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, MaxLineBytes)
	teeFailed := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				events <- Event{Type: EventError, Message: fmt.Sprintf("%s read: %v", stream, err)}
				// keep the pipe drained so the backend never blocks on a full pipe
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		line := append([]byte(nil), chunk...)
		if tee != nil && !teeFailed {
			out := line
			if !more {
				out = append(out[:len(out):len(out)], '\n')
			}
			if _, err := tee.Write(out); err != nil {
				teeFailed = true
				events <- Event{Type: EventError, Message: fmt.Sprintf("%s log write: %v", stream, err)}
			}
		}
		events <- Event{Type: EventOutput, Stream: stream, Data: line}
	}
}

func exitInfo(cmd *exec.Cmd, waitErr error) ExitInfo {
	info := ExitInfo{Code: -1, Err: waitErr}
	if st := cmd.ProcessState; st != nil {
		info.Code = st.ExitCode()
		info.Signal = signalName(st)
	}
	return info
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
