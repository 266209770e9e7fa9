//go:build windows

package shell

import "os/exec"

func setupProcessGroup(_ *exec.Cmd) {}

// Windows has no graceful group signal; both steps kill the process.
func terminateProcessGroup(cmd *exec.Cmd) {
	killProcessGroup(cmd)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
