//go:build windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/UserExistsError/conpty"

	"github.com/waldiez/studio/internal/process"
)

// shellCandidates are tried in order; the first found on PATH wins.
var shellCandidates = []struct {
	name string
	args []string
}{
	{"pwsh.exe", []string{"-NoLogo", "-NoProfile"}},
	{"powershell.exe", []string{"-NoLogo", "-NoProfile"}},
	{"cmd.exe", nil},
}

func resolveShell(preferred string) []string {
	if preferred != "" {
		return []string{preferred}
	}
	for _, c := range shellCandidates {
		if exe, err := exec.LookPath(c.name); err == nil {
			return append([]string{exe}, c.args...)
		}
	}
	// Let CreateProcess resolve it.
	return []string{"powershell.exe", "-NoLogo", "-NoProfile"}
}

type windowsBackend struct {
	cpty *conpty.ConPty
	proc *os.Process
}

func startBackend(opts Options) (backend, error) {
	if !conpty.IsConPtyAvailable() {
		return nil, errors.New("pseudo console is not available on this system")
	}
	argv := resolveShell(opts.Shell)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = syscall.EscapeArg(a)
	}

	copts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(opts.Cols, opts.Rows),
		conpty.ConPtyEnv(process.Environ(opts.Env)),
	}
	if opts.Dir != "" {
		copts = append(copts, conpty.ConPtyWorkDir(opts.Dir))
	}
	cpty, err := conpty.Start(strings.Join(quoted, " "), copts...)
	if err != nil {
		return nil, err
	}
	pid := int(cpty.Pid())
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find shell process %d: %w", pid, err)
	}
	return &windowsBackend{cpty: cpty, proc: proc}, nil
}

func (b *windowsBackend) Read(p []byte) (int, error)  { return b.cpty.Read(p) }
func (b *windowsBackend) Write(p []byte) (int, error) { return b.cpty.Write(p) }
func (b *windowsBackend) Close() error                { return b.cpty.Close() }
func (b *windowsBackend) pid() int                    { return b.proc.Pid }

func (b *windowsBackend) resize(rows, cols int) error { return b.cpty.Resize(cols, rows) }

// interrupt types Ctrl-C; console control events do not reach a pseudo
// console's children.
func (b *windowsBackend) interrupt() error {
	_, err := b.cpty.Write([]byte{0x03})
	return err
}

func (b *windowsBackend) terminate() error { return b.proc.Kill() }

// hangup is implied by closing the pseudo console.
func (b *windowsBackend) hangup() error { return nil }

func (b *windowsBackend) wait() error {
	_, err := b.proc.Wait()
	return err
}

func isNoSuchProcess(error) bool { return false }
