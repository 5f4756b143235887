package process

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// DefaultKillTimeout bounds how long Kill waits for the process to be reaped.
const DefaultKillTimeout = 3 * time.Second

// Handle owns one launched backend process.
type Handle struct {
	name        string
	cmd         *exec.Cmd
	pid         int
	startedAt   time.Time
	killTimeout time.Duration
	done        chan struct{} // closed once the process has been reaped

	mu     sync.Mutex
	killed bool
	exit   ExitInfo
}

func newHandle(name string, cmd *exec.Cmd, killTimeout time.Duration) *Handle {
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Handle{
		name:        name,
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		startedAt:   time.Now(),
		killTimeout: killTimeout,
		done:        make(chan struct{}),
	}
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after the process exits and its output has been drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Killed reports whether Kill was called; exits after a kill are intentional.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Exit returns the exit description once the process has been reaped.
func (h *Handle) Exit() (ExitInfo, bool) {
	if !h.Exited() {
		return ExitInfo{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, true
}

func (h *Handle) markExited(info ExitInfo) {
	h.mu.Lock()
	h.exit = info
	h.mu.Unlock()
	close(h.done)
}

// Kill sends SIGKILL to the process group and waits for the process to be reaped.
// It is idempotent and returns nil for an already exited process.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	if h.Exited() {
		return nil
	}
	err := killGroup(h.cmd.Process)
	t := time.NewTimer(h.killTimeout)
	defer t.Stop()
	select {
	case <-h.done:
		return nil
	case <-t.C:
		if err != nil {
			return fmt.Errorf("kill backend %s (pid %d): %w", h.name, h.pid, err)
		}
		return fmt.Errorf("backend %s (pid %d) not reaped within %s", h.name, h.pid, h.killTimeout)
	}
}
