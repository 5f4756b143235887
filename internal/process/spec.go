package process

import (
	"os/exec"
	"strconv"

	"github.com/loykin/sidekeeper/internal/logger"
)

// ServeCommand is the subcommand the backend binary is started with.
const ServeCommand = "serve"

// Spec describes the backend binary to supervise.
type Spec struct {
	Name    string            `json:"name" mapstructure:"name"`
	Binary  string            `json:"binary" mapstructure:"binary"`     // executable path or name resolved via PATH
	Args    []string          `json:"args" mapstructure:"args"`         // inserted before "serve"
	WorkDir string            `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env     []string          `json:"env" mapstructure:"env"`           // extra KEY=VALUE entries
	Log     logger.FileConfig `json:"log" mapstructure:"log"`           // optional raw output files
}

// CommandArgs returns the argument vector after the binary:
// [args...] serve --port <port>.
func (s Spec) CommandArgs(port uint16) []string {
	out := make([]string, 0, len(s.Args)+3)
	out = append(out, s.Args...)
	return append(out, ServeCommand, "--port", strconv.Itoa(int(port)))
}

// BuildCommand constructs the *exec.Cmd for one launch on port.
func (s Spec) BuildCommand(port uint16) *exec.Cmd {
	// #nosec G204 -- binary and args come from operator configuration
	cmd := exec.Command(s.Binary, s.CommandArgs(port)...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	configureSysProcAttr(cmd)
	return cmd
}
