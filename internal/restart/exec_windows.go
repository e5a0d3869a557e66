//go:build windows

package restart

import (
	"os"
	"os/exec"
)

// Windows has no exec(2); start the replacement and exit once it runs.
func execve(exe string, argv, env []string) error {
	cmd := exec.Command(exe, argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
