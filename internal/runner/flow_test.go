package runner

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/engine"
)

type execFunc func(ctx context.Context, path string, stream IOStream) ([]json.RawMessage, error)

func (f execFunc) Run(ctx context.Context, path string, stream IOStream) ([]json.RawMessage, error) {
	return f(ctx, path, stream)
}

func newFlowRunner(t *testing.T, conn Conn, exec FlowExecutor, mutate ...func(*FlowOptions)) *FlowRunner {
	t.Helper()
	root := t.TempDir()
	o := FlowOptions{
		Root:         root,
		Executor:     exec,
		InputTimeout: 2 * time.Second,
		StopTimeout:  time.Second,
		Logger:       logger.Nop(),
	}
	for _, m := range mutate {
		m(&o)
	}
	return NewFlowRunner(filepath.Join(root, "flows", "demo.waldiez"), conn, o)
}

func listen(r *FlowRunner) <-chan error {
	return runAsync(func() error { return r.Listen(context.Background()) })
}

func dataString(m map[string]any) string {
	s, _ := m["data"].(string)
	return s
}

func TestFlowRunner_RunSendsPrintsThenResults(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, execFunc(func(_ context.Context, _ string, s IOStream) ([]json.RawMessage, error) {
		s.Print("hello\n")
		s.Print("world\n")
		return []json.RawMessage{json.RawMessage(`{"summary":"done"}`)}, nil
	}))
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	results := conn.waitType(t, engine.TypeResults, 1)

	prints := conn.ofType(TypePrint)
	require.Len(t, prints, 2)
	assert.Equal(t, "hello\n", dataString(prints[0]))
	assert.Equal(t, "world\n", dataString(prints[1]))
	assert.Equal(t, []any{map[string]any{"summary": "done"}}, results[0]["data"])

	require.Eventually(t, func() bool { return r.State() == TaskCompleted }, time.Second, 5*time.Millisecond)
	conn.send(t, map[string]string{"action": "status"})
	statuses := conn.waitType(t, TypeStatus, 1)
	assert.Equal(t, "COMPLETED", dataString(statuses[0]))

	conn.disconnect()
	require.NoError(t, waitErr(t, done))

	var order []string
	for _, m := range conn.messages() {
		order = append(order, m["type"].(string))
	}
	assert.Equal(t, []string{TypePrint, TypePrint, engine.TypeResults, TypeStatus}, order)
}

func TestFlowRunner_StatusBeforeStart(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, nil)
	done := listen(r)

	conn.send(t, map[string]string{"action": "status"})
	statuses := conn.waitType(t, TypeStatus, 1)
	assert.Equal(t, "NOT_STARTED", dataString(statuses[0]))

	conn.send(t, map[string]string{"action": "stop"})
	infos := conn.waitType(t, TypeInfo, 1)
	assert.Equal(t, "No running task to stop.", dataString(infos[0]))

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_RejectsConcurrentStart(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	var runs atomic.Int32
	r := newFlowRunner(t, conn, execFunc(func(ctx context.Context, _ string, _ IOStream) ([]json.RawMessage, error) {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	conn.send(t, map[string]string{"action": "start"})
	infos := conn.waitType(t, TypeInfo, 1)
	assert.Equal(t, "Task is already running.", dataString(infos[0]))
	assert.Equal(t, TaskRunning, r.State())

	close(release)
	conn.waitType(t, engine.TypeResults, 1)
	require.Eventually(t, func() bool { return r.State() == TaskCompleted }, time.Second, 5*time.Millisecond)

	// A completed task may be started again.
	conn.send(t, map[string]string{"action": "start"})
	conn.waitType(t, engine.TypeResults, 2)
	assert.EqualValues(t, 2, runs.Load())

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_StartGuards(t *testing.T) {
	conn := newFakeConn()
	block := make(chan struct{})
	r := newFlowRunner(t, conn, execFunc(func(ctx context.Context, _ string, _ IOStream) ([]json.RawMessage, error) {
		<-block
		return nil, nil
	}))
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyRunning)
	close(block)
	require.Eventually(t, func() bool { return r.State() == TaskCompleted }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyCompleted)
	assert.ErrorIs(t, r.Stop(), ErrNotRunning)
}

func TestFlowRunner_InputRoundTrip(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, execFunc(func(_ context.Context, _ string, s IOStream) ([]json.RawMessage, error) {
		reply := s.Input(">", false)
		raw, _ := json.Marshal(map[string]string{"reply": reply})
		return []json.RawMessage{raw}, nil
	}))
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	reqs := conn.waitType(t, engine.TypeInputRequest, 1)
	req := reqs[0]["data"].(map[string]any)
	assert.Equal(t, StartPrompt, req["prompt"])
	assert.Equal(t, false, req["password"])
	id := req["request_id"].(string)
	require.NotEmpty(t, id)

	// Invalid and unknown responses are dropped without resolving the request.
	conn.send(t, map[string]any{"type": "input_response", "data": "no id"})
	conn.send(t, map[string]any{"type": "input_response", "request_id": "unknown", "data": "wrong"})
	conn.send(t, map[string]any{"type": "input_response", "request_id": id, "data": "hi there"})

	results := conn.waitType(t, engine.TypeResults, 1)
	assert.Equal(t, []any{map[string]any{"reply": "hi there"}}, results[0]["data"])
	assert.Empty(t, conn.ofType(engine.TypeError))

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_InputTimeoutReturnsEmpty(t *testing.T) {
	conn := newFakeConn()
	got := make(chan string, 1)
	r := newFlowRunner(t, conn, execFunc(func(_ context.Context, _ string, s IOStream) ([]json.RawMessage, error) {
		got <- s.Input("Your name? ", false)
		return nil, nil
	}), func(o *FlowOptions) { o.InputTimeout = 50 * time.Millisecond })
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	select {
	case v := <-got:
		assert.Equal(t, "", v)
	case <-time.After(2 * time.Second):
		t.Fatal("input did not time out")
	}
	reqs := conn.waitType(t, engine.TypeInputRequest, 1)
	assert.Equal(t, "Your name? ", reqs[0]["data"].(map[string]any)["prompt"])
	conn.waitType(t, engine.TypeResults, 1)

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_ImagePlaceholderBecomesLink(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, execFunc(func(_ context.Context, _ string, s IOStream) ([]json.RawMessage, error) {
		s.Input("upload", false)
		s.Print("look: <image>\n")
		return nil, nil
	}), func(o *FlowOptions) { o.InputTimeout = 20 * time.Millisecond })
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	conn.waitType(t, engine.TypeResults, 1)

	id := conn.ofType(engine.TypeInputRequest)[0]["data"].(map[string]any)["request_id"].(string)
	prints := conn.ofType(TypePrint)
	require.Len(t, prints, 1)
	assert.Equal(t, "look: /api/workspace/download?path=flows%2F"+id+".png\n", dataString(prints[0]))

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_StopCancelsAndRestarts(t *testing.T) {
	conn := newFakeConn()
	var restarts atomic.Int32
	cancelled := make(chan struct{})
	r := newFlowRunner(t, conn, execFunc(func(ctx context.Context, _ string, _ IOStream) ([]json.RawMessage, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}), func(o *FlowOptions) { o.Restart = func() { restarts.Add(1) } })
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	require.Eventually(t, func() bool { return r.State() == TaskRunning }, time.Second, 5*time.Millisecond)
	conn.send(t, map[string]string{"action": "stop"})

	infos := conn.waitType(t, TypeInfo, 1)
	assert.Equal(t, "Task stopped.", dataString(infos[0]))
	<-cancelled
	assert.Equal(t, TaskCompleted, r.State())
	require.Eventually(t, func() bool { return restarts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, conn.ofType(engine.TypeResults))
	assert.Empty(t, conn.ofType(engine.TypeError))

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_DisconnectCancelsRun(t *testing.T) {
	conn := newFakeConn()
	cancelled := make(chan struct{})
	var restarts atomic.Int32
	r := newFlowRunner(t, conn, execFunc(func(ctx context.Context, _ string, _ IOStream) ([]json.RawMessage, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, nil
	}), func(o *FlowOptions) { o.Restart = func() { restarts.Add(1) } })
	done := listen(r)

	conn.send(t, map[string]string{"action": "start"})
	require.Eventually(t, func() bool { return r.State() == TaskRunning }, time.Second, 5*time.Millisecond)
	conn.disconnect()
	require.NoError(t, waitErr(t, done))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled")
	}
	assert.Zero(t, restarts.Load(), "only an explicit stop restarts")
}

func TestFlowRunner_ErrorEvents(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"load", &LoadError{Err: errors.New("bad json")}, "Error loading task"},
		{"run", errors.New("exit code 1: boom"), "Error running task"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			r := newFlowRunner(t, conn, execFunc(func(context.Context, string, IOStream) ([]json.RawMessage, error) {
				return nil, tt.err
			}))
			done := listen(r)
			conn.send(t, map[string]string{"action": "start"})

			errs := conn.waitType(t, engine.TypeError, 1)
			data := errs[0]["data"].(map[string]any)
			assert.Equal(t, tt.message, data["message"])
			assert.Equal(t, tt.err.Error(), data["details"])
			assert.Empty(t, conn.ofType(engine.TypeResults))

			conn.disconnect()
			require.NoError(t, waitErr(t, done))
		})
	}
}

func TestFlowRunner_ExecutorPanicBecomesError(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, execFunc(func(context.Context, string, IOStream) ([]json.RawMessage, error) {
		panic("kaboom")
	}))
	done := listen(r)
	conn.send(t, map[string]string{"action": "start"})

	errs := conn.waitType(t, engine.TypeError, 1)
	assert.True(t, strings.Contains(errs[0]["data"].(map[string]any)["details"].(string), "kaboom"))
	require.Eventually(t, func() bool { return r.State() == TaskCompleted }, time.Second, 5*time.Millisecond)

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestFlowRunner_InvalidMessage(t *testing.T) {
	conn := newFakeConn()
	r := newFlowRunner(t, conn, nil)
	done := listen(r)

	conn.send(t, "not json")
	conn.send(t, map[string]string{"type": "something"})
	conn.send(t, map[string]string{"action": "status"})
	conn.waitType(t, TypeStatus, 1)
	assert.Len(t, conn.ofType(engine.TypeError), 1)

	conn.disconnect()
	require.NoError(t, waitErr(t, done))
}

func TestInputPrompt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{">", StartPrompt},
		{" >> ", StartPrompt},
		{"Reply: " + InputIndicator + "  ", "Reply: " + InputIndicator},
		{"Your name? ", "Your name? "},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inputPrompt(tt.in), tt.in)
	}
}

func TestTaskStateString(t *testing.T) {
	assert.Equal(t, "NOT_STARTED", TaskNotStarted.String())
	assert.Equal(t, "RUNNING", TaskRunning.String())
	assert.Equal(t, "COMPLETED", TaskCompleted.String())
}
