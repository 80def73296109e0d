//go:build unix

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// killProcessGroup starts cmd in its own process group and makes context
// cancellation kill the whole group, so playbook children do not outlive it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}
