package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/waldiez/studio/internal/common/logger"
)

// recorder is a Sink that keeps every message.
type recorder struct {
	mu     sync.Mutex
	msgs   []Message
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) types() []string {
	var out []string
	for _, m := range r.all() {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, m := range r.all() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) ofType(typ string) []Message {
	var out []Message
	for _, m := range r.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitFor blocks until match accepts a recorded message.
func (r *recorder) waitFor(t *testing.T, timeout time.Duration, match func(Message) bool) Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, m := range r.all() {
			if match(m) {
				return m
			}
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for message; got %v", r.types())
		}
	}
}

func (r *recorder) waitType(t *testing.T, typ string) Message {
	t.Helper()
	return r.waitFor(t, 10*time.Second, func(m Message) bool { return m.Type == typ })
}

func data(m Message) map[string]any {
	d, _ := m.Data.(map[string]any)
	return d
}

func lookPython(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("python interpreter not available")
	return ""
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testOptions(python string) Options {
	return Options{Python: python, Logger: logger.Nop()}
}
