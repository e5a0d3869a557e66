//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/windows"
)

type windowsController struct{}

func newPlatformController() Controller { return windowsController{} }

func (windowsController) Prepare(cmd *exec.Cmd) { setProcGroup(cmd) }

// Interrupt sends CTRL_BREAK to the child's process group.
func (windowsController) Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	return ctrlBreakErr(p.Pid, windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid)))
}

// ctrlBreakErr drops the errors a group that has already exited produces.
func ctrlBreakErr(pid int, err error) error {
	if err == nil || errors.Is(err, windows.ERROR_INVALID_PARAMETER) || errors.Is(err, windows.ERROR_INVALID_HANDLE) {
		return nil
	}
	return fmt.Errorf("ctrl-break %d: %w", pid, err)
}

// Terminate asks the process tree to close; taskkill without /F posts
// WM_CLOSE, the closest thing to SIGTERM.
func (windowsController) Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	_ = exec.Command("taskkill", "/T", "/PID", strconv.Itoa(p.Pid)).Run()
	return nil
}

// Kill force-kills the process tree, then the child handle itself.
func (windowsController) Kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(p.Pid)).Run(); err != nil {
		_ = p.Kill()
	}
	return nil
}
