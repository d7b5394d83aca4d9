package function

import (
	"errors"
	"os"
	"os/exec"
)

// ShellRunner executes commands on the host, streaming output to the
// CLI's stderr so compiler diagnostics stay visible.
type ShellRunner struct{}

func (ShellRunner) Run(dir string, cmd []string) error {
	if len(cmd) == 0 {
		return errors.New("command is empty")
	}
	command := exec.Command(cmd[0], cmd[1:]...)
	command.Dir = dir
	command.Stdout = os.Stderr
	command.Stderr = os.Stderr
	return command.Run()
}
