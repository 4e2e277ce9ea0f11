//go:build !windows

package executor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcessGroup makes the child lead its own process group so a timeout can kill
// every descendant. pty.Start puts terminal children in a new session, which has the
// same effect.
func configureProcessGroup(execCommand *exec.Cmd, terminal bool) {
	if !terminal {
		execCommand.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	execCommand.Cancel = func() error {
		if execCommand.Process == nil {
			return nil
		}
		return unix.Kill(-execCommand.Process.Pid, unix.SIGKILL)
	}
}
