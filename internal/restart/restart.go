// Package restart replaces the running studio process with a fresh copy of
// itself, keeping the command-line flags.
package restart

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// SkipPositionalPrefix drops every leading argument up to the first flag.
func SkipPositionalPrefix(args []string) []string {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return args[i:]
		}
	}
	return []string{}
}

// Command returns the executable and argv a restart would use.
func Command() (string, []string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("resolve executable: %w", err)
	}
	argv := append([]string{exe}, SkipPositionalPrefix(os.Args[1:])...)
	return exe, argv, nil
}

// Process re-executes the binary. It returns only when the restart could not
// be performed.
func Process(log *logger.Logger) error {
	exe, argv, err := Command()
	if err != nil {
		return err
	}
	log.Info("restarting process", zap.Strings("argv", argv))
	_ = log.Sync()
	if err := execve(exe, argv, os.Environ()); err != nil {
		return fmt.Errorf("restart %s: %w", exe, err)
	}
	return nil
}
