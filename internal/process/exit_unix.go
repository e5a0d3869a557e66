//go:build unix

package process

import (
	"os"
	"syscall"
)

// ExitCode decodes a finished process state. A child killed by a signal
// reports 128+signal, the shell convention.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
