package runner

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waldiez/studio/internal/engine"
)

// fakeConn is a client connection driven by the test.
type fakeConn struct {
	in     chan []byte
	closed sync.Once

	mu  sync.Mutex
	out []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	raw, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		raw = string(b)
	}
	c.in <- []byte(raw)
}

func (c *fakeConn) disconnect() {
	c.closed.Do(func() { close(c.in) })
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.out...)
}

func (c *fakeConn) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) waitType(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(typ)) >= n },
		3*time.Second, 5*time.Millisecond, "waiting for %d %q messages", n, typ)
	return c.ofType(typ)
}

// fakeEngine records the calls a runner makes.
type fakeEngine struct {
	mu        sync.Mutex
	starts    []engine.Command
	commands  []engine.Command
	shutdowns int
	startErr  error
	panicOn   bool
}

func (e *fakeEngine) Start(_ context.Context, start engine.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, start)
	return e.startErr
}

func (e *fakeEngine) HandleClient(_ context.Context, cmd engine.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	return nil
}

func (e *fakeEngine) Shutdown(context.Context) {
	e.mu.Lock()
	e.shutdowns++
	e.mu.Unlock()
	if e.panicOn {
		panic("shutdown exploded")
	}
}

func (e *fakeEngine) snapshot() (starts, commands []engine.Command, shutdowns int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Command(nil), e.starts...), append([]engine.Command(nil), e.commands...), e.shutdowns
}

func factoryFor(eng *fakeEngine, calls *int) EngineFactory {
	return func(string, string, engine.Sink, engine.Options) (engine.Engine, error) {
		*calls++
		return eng, nil
	}
}

func runAsync(run func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- run() }()
	return ch
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return")
		return nil
	}
}

func lookPython(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("python not available")
	return ""
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}
