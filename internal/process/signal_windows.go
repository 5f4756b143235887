//go:build windows

package process

import "os"

// killGroup terminates the backend; Windows has no process group signal.
func killGroup(p *os.Process) error {
	return p.Kill()
}

func signalName(*os.ProcessState) string { return "" }
