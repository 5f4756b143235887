//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the backend in its own process group so a kill
// reaches any children it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
