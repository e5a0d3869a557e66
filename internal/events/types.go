// Package events defines the studio's lifecycle events, the bus provider
// and the registry of active runs built from them.
package events

import "strings"

// Run lifecycle events.
const (
	RunStarted = "run.started"
	RunEnded   = "run.ended"
)

// Kernel lifecycle events.
const (
	KernelStarted = "kernel.started"
	KernelStopped = "kernel.stopped"
)

// Subject roots.
const (
	SubjectRuns   = "studio.runs"
	SubjectKernel = "studio.kernel"
)

// Subject maps an event type onto its bus subject: run.* events live under
// studio.runs, everything else under studio.<family>.
func Subject(eventType string) string {
	family, action, ok := strings.Cut(eventType, ".")
	if !ok {
		return "studio." + eventType
	}
	if family == "run" {
		return SubjectRuns + "." + action
	}
	return "studio." + family + "." + action
}
