//go:build !windows

package restart

import "golang.org/x/sys/unix"

func execve(exe string, argv, env []string) error {
	return unix.Exec(exe, argv, env)
}
