//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup starts the child in a new process group. There is no
// Pdeathsig outside Linux, so orphans rely on explicit shutdown.
func setProcGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
