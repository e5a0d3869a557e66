//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/waldiez/studio/internal/process"
)

// allowedShells are the login shells a session may start; anything else in
// $SHELL falls back to bash.
var allowedShells = map[string]bool{
	"/bin/bash":     true,
	"/bin/zsh":      true,
	"/bin/sh":       true,
	"/usr/bin/fish": true,
}

const fallbackShell = "/bin/bash"

func resolveShell(preferred string) string {
	shell := preferred
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if !allowedShells[shell] {
		shell = fallbackShell
	}
	if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
	}
	return shell
}

type unixBackend struct {
	f   *os.File
	cmd *exec.Cmd
	ctl process.Controller
}

func startBackend(opts Options) (backend, error) {
	shell := resolveShell(opts.Shell)
	cmd := exec.Command(shell, "-l")
	cmd.Dir = opts.Dir
	cmd.Env = process.Environ(opts.Env)

	// pty.Start makes the shell a session leader, so it leads its own group.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(opts.Rows), Cols: uint16(opts.Cols)})
	if err != nil {
		return nil, err
	}
	return &unixBackend{f: f, cmd: cmd, ctl: process.NewController()}, nil
}

func (b *unixBackend) Read(p []byte) (int, error)  { return b.f.Read(p) }
func (b *unixBackend) Write(p []byte) (int, error) { return b.f.Write(p) }
func (b *unixBackend) Close() error                { return b.f.Close() }
func (b *unixBackend) pid() int                    { return b.cmd.Process.Pid }

func (b *unixBackend) resize(rows, cols int) error {
	if err := pty.Setsize(b.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return err
	}
	return ignorable(unix.Kill(b.pid(), unix.SIGWINCH))
}

func (b *unixBackend) interrupt() error { return b.ctl.Interrupt(b.cmd.Process) }
func (b *unixBackend) terminate() error { return b.ctl.Terminate(b.cmd.Process) }

func (b *unixBackend) hangup() error {
	return unix.Kill(b.pid(), unix.SIGHUP)
}

func (b *unixBackend) wait() error { return b.cmd.Wait() }

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
