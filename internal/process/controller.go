// Package process holds the platform-specific pieces of child process
// control: process-group setup, signal delivery and exit status decoding.
//
// A Controller is chosen once per platform at construction time. Engines
// and terminal sessions never branch on the operating system themselves.
package process

import (
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Controller delivers control signals to a child and the process group it
// leads. All methods treat an already-exited child as success.
type Controller interface {
	// Prepare configures cmd to start in its own process group.
	Prepare(cmd *exec.Cmd)
	// Interrupt sends the platform interrupt (SIGINT, CTRL_BREAK) to the group,
	// falling back to the child alone when the group cannot be signaled.
	Interrupt(p *os.Process) error
	// Terminate asks the group to exit gracefully.
	Terminate(p *os.Process) error
	// Kill forcefully stops the group.
	Kill(p *os.Process) error
}

// NewController returns the Controller for the running platform.
func NewController() Controller {
	return newPlatformController()
}

// MergeEnv overlays extra on top of base (KEY=VALUE entries). Keys from
// extra win; the result is sorted by key for stable child environments.
func MergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Environ is MergeEnv over the current process environment.
func Environ(extra map[string]string) []string {
	return MergeEnv(os.Environ(), extra)
}
