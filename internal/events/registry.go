package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/waldiez/studio/internal/events/bus"
)

// RunInfo describes one active run.
type RunInfo struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
}

// KernelInfo is the last observed kernel state.
type KernelInfo struct {
	Running bool       `json:"running"`
	Since   *time.Time `json:"since,omitempty"`
}

// RunRegistry follows run and kernel events and keeps the set of active
// runs. Ended runs that arrive before their start (possible across
// processes) are remembered so the late start is ignored.
type RunRegistry struct {
	mu     sync.RWMutex
	runs   map[string]RunInfo
	ended  map[string]struct{}
	kernel KernelInfo
	subs   []bus.Subscription
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		runs:  make(map[string]RunInfo),
		ended: make(map[string]struct{}),
	}
}

// Attach subscribes the registry to run and kernel subjects on b.
func (r *RunRegistry) Attach(b bus.EventBus) error {
	for _, subject := range []string{SubjectRuns + ".>", SubjectKernel + ".>"} {
		sub, err := b.Subscribe(subject, r.Handle)
		if err != nil {
			r.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	return nil
}

// Close unsubscribes the registry.
func (r *RunRegistry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Handle applies one event. Unknown types are ignored.
func (r *RunRegistry) Handle(_ context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case RunStarted:
		id := stringField(e.Data, "run_id")
		if id == "" {
			return fmt.Errorf("run.started without run_id")
		}
		if _, done := r.ended[id]; done {
			delete(r.ended, id)
			return nil
		}
		r.runs[id] = RunInfo{
			ID:        id,
			TaskID:    stringField(e.Data, "task_id"),
			Path:      stringField(e.Data, "path"),
			Kind:      stringField(e.Data, "kind"),
			Source:    e.Source,
			StartedAt: e.Timestamp,
		}
	case RunEnded:
		id := stringField(e.Data, "run_id")
		if _, ok := r.runs[id]; ok {
			delete(r.runs, id)
		} else if id != "" {
			r.ended[id] = struct{}{}
		}
	case KernelStarted:
		at := e.Timestamp
		r.kernel = KernelInfo{Running: true, Since: &at}
	case KernelStopped:
		r.kernel = KernelInfo{}
	}
	return nil
}

// Runs returns the active runs, oldest first.
func (r *RunRegistry) Runs() []RunInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunInfo, 0, len(r.runs))
	for _, info := range r.runs {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Kernel returns the last observed kernel state.
func (r *RunRegistry) Kernel() KernelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kernel
}

func stringField(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
