//go:build windows

package process

import "os"

// ExitCode decodes a finished process state.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
