//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

type unixController struct {
	getpgid func(pid int) (int, error)
	kill    func(pid int, sig unix.Signal) error
}

func newPlatformController() Controller {
	return &unixController{getpgid: unix.Getpgid, kill: unix.Kill}
}

func (c *unixController) Prepare(cmd *exec.Cmd) { setProcGroup(cmd) }

func (c *unixController) Interrupt(p *os.Process) error { return c.signalGroup(p, unix.SIGINT) }
func (c *unixController) Terminate(p *os.Process) error { return c.signalGroup(p, unix.SIGTERM) }
func (c *unixController) Kill(p *os.Process) error      { return c.signalGroup(p, unix.SIGKILL) }

// signalGroup signals the child's process group. A vanished child is not an
// error; a group we may not signal degrades to signaling the child.
func (c *unixController) signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	pgid, err := c.getpgid(p.Pid)
	if err == nil {
		err = c.kill(-pgid, sig)
	}
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if errors.Is(err, unix.EPERM) {
		if err := c.kill(p.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
		return nil
	}
	return err
}
