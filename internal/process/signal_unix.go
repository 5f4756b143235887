//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// killGroup sends SIGKILL to the backend's process group, falling back to the
// single process when the group is already gone.
func killGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return p.Kill()
	}
	return nil
}

// signalName describes how a process was terminated, or "" if it exited normally.
func signalName(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
