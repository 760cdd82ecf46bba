//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// startGroup puts the child in its own process group so a timeout can kill
// everything it spawned, not only the shell.
func startGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL); err != nil {
			return c.Process.Kill()
		}
		return nil
	}
}
