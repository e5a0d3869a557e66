//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup starts the child in a new process group. Pdeathsig makes the
// kernel send SIGTERM to the child if the studio dies without cleaning up.
func setProcGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGTERM
}
