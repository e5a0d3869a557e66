//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSignalGroupSwallowsMissingProcess(t *testing.T) {
	var killed bool
	c := &unixController{
		getpgid: func(int) (int, error) { return 0, unix.ESRCH },
		kill: func(int, unix.Signal) error {
			killed = true
			return nil
		},
	}
	if err := c.Interrupt(&os.Process{Pid: 4242}); err != nil {
		t.Fatalf("Interrupt returned %v, want nil", err)
	}
	if killed {
		t.Fatalf("kill should not be attempted when the group lookup fails with ESRCH")
	}
}

func TestSignalGroupFallsBackToChildOnEPERM(t *testing.T) {
	var targets []int
	c := &unixController{
		getpgid: func(pid int) (int, error) { return pid, nil },
		kill: func(pid int, _ unix.Signal) error {
			targets = append(targets, pid)
			if pid < 0 {
				return unix.EPERM
			}
			return nil
		},
	}
	if err := c.Terminate(&os.Process{Pid: 77}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(targets) != 2 || targets[0] != -77 || targets[1] != 77 {
		t.Fatalf("unexpected kill targets %v", targets)
	}
}

func TestSignalGroupReportsOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	c := &unixController{
		getpgid: func(pid int) (int, error) { return pid, nil },
		kill:    func(int, unix.Signal) error { return boom },
	}
	if err := c.Kill(&os.Process{Pid: 5}); !errors.Is(err, boom) {
		t.Fatalf("Kill error = %v, want boom", err)
	}
	if err := c.Kill(nil); err != nil {
		t.Fatalf("Kill(nil) = %v, want nil", err)
	}
}

func TestInterruptRealProcessGroup(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	ctl := NewController()
	cmd := exec.Command(sleep, "30")
	ctl.Prepare(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := ctl.Interrupt(cmd.Process); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = ctl.Kill(cmd.Process)
		t.Fatalf("process did not exit after SIGINT")
	}
	if code := ExitCode(cmd.ProcessState); code != 128+int(unix.SIGINT) {
		t.Fatalf("exit code = %d, want %d", code, 128+int(unix.SIGINT))
	}

	// Signaling a reaped child is still fine.
	if err := ctl.Terminate(cmd.Process); err != nil {
		t.Fatalf("Terminate after exit: %v", err)
	}
}
