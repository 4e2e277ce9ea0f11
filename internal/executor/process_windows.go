//go:build windows

package executor

import "os/exec"

func configureProcessGroup(execCommand *exec.Cmd, terminal bool) {
	execCommand.Cancel = func() error {
		if execCommand.Process == nil {
			return nil
		}
		return execCommand.Process.Kill()
	}
}
