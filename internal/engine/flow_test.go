package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGatherer struct{ calls atomic.Int32 }

func (g *countingGatherer) Gather(context.Context, string) { g.calls.Add(1) }

func TestFlowCompileErrorEndsRun(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "broken.waldiez", "{}")
	opts := testOptions("python3")
	opts.Compiler = CompilerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("invalid flow: no agents")
	})
	rec := newRecorder()
	f := NewFlow(path, root, rec, opts)

	require.Error(t, f.Start(context.Background(), Command{"op": OpStart}))
	f.Shutdown(context.Background())
	require.NoError(t, f.HandleClient(context.Background(), Command{"op": OpStdin, "text": "x"}))

	assert.Equal(t, []string{TypeCompileStart, TypeCompileError, TypeRunEnd}, rec.types())
	assert.Equal(t, "broken.waldiez", data(rec.all()[0])["source"])
	assert.Equal(t, "invalid flow: no agents", data(rec.all()[1])["message"])
	end := data(rec.all()[2])
	assert.Equal(t, StatusError, end["status"])
	assert.Equal(t, -1, end["returnCode"])
	assert.Nil(t, f.delegate, "no delegate after a failed compile")
}

func TestFlowShutdownBeforeStart(t *testing.T) {
	rec := newRecorder()
	f := NewFlow("/w/a.waldiez", "/w", rec, testOptions("python3"))
	f.Shutdown(context.Background())
	f.Shutdown(context.Background())

	require.Equal(t, []string{TypeRunEnd}, rec.types())
	assert.Equal(t, StatusOK, data(rec.all()[0])["status"])
}

// fakeFlowModule stands in for the flow tooling: it reports its arguments
// and echoes stdin lines until it sees a "done" payload.
const fakeFlowModule = `import sys
print("args:" + " ".join(sys.argv[1:]), flush=True)
for line in sys.stdin:
    print("got:" + line.strip(), flush=True)
    if '"done"' in line:
        break
`

func TestFlowDelegatesAndForwardsPayloads(t *testing.T) {
	python := lookPython(t)
	root := t.TempDir()
	writeFile(t, root, "fakeflow.py", fakeFlowModule)
	path := writeFile(t, root, "demo.waldiez", "{}")

	var compiled atomic.Int32
	gatherer := &countingGatherer{}
	opts := testOptions(python)
	opts.FlowModule = "fakeflow"
	opts.Gatherer = gatherer
	opts.Compiler = CompilerFunc(func(_ context.Context, src string) (string, error) {
		compiled.Add(1)
		return ScriptPath(src), nil
	})
	rec := newRecorder()
	f := NewFlow(path, root, rec, opts)
	ctx := context.Background()

	require.NoError(t, f.Start(ctx, Command{"op": OpStart, "args": []any{"--verbose"}}))
	args := rec.waitFor(t, 10*time.Second, func(m Message) bool {
		return m.Type == TypeRunStdout && strings.HasPrefix(data(m)["text"].(string), "args:")
	})
	want := "args:run --file " + path + " --output " + filepath.Join(root, "demo.py") + " --force --structured --verbose\n"
	assert.Equal(t, want, data(args)["text"])

	types := rec.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, []string{TypeCompileStart, TypeCompileEnd, TypeRunStatus}, types[:3])
	assert.Equal(t, "demo.py", data(rec.ofType(TypeCompileEnd)[0])["py"])

	// Empty payloads are passed through untouched, so nothing reaches stdin.
	require.NoError(t, f.HandleClient(ctx, Command{"op": OpWaldiezRespond, "payload": map[string]any{}}))
	require.NoError(t, f.HandleClient(ctx, Command{"op": OpWaldiezRespond, "payload": map[string]any{"type": "input_response", "data": "hi"}}))
	rec.waitFor(t, 10*time.Second, func(m Message) bool {
		return m.Type == TypeRunStdout && data(m)["text"] == `got:{"data":"hi","type":"input_response"}`+"\n"
	})

	require.NoError(t, f.HandleClient(ctx, Command{"op": OpWaldiezControl, "payload": map[string]any{"type": "done"}}))
	end := rec.waitType(t, TypeRunEnd)
	assert.Equal(t, StatusOK, data(end)["status"])

	f.Shutdown(ctx)
	assert.Equal(t, 1, rec.count(TypeRunEnd))
	assert.Equal(t, int32(1), compiled.Load())
	assert.Zero(t, gatherer.calls.Load())
	assert.Len(t, rec.ofType(TypeRunStdinAck), 2)
}

func TestFlowInterruptRunsGatherer(t *testing.T) {
	python := lookPython(t)
	root := t.TempDir()
	writeFile(t, root, "fakeflow.py", fakeFlowModule)
	path := writeFile(t, root, "demo.waldiez", "{}")

	gatherer := &countingGatherer{}
	opts := testOptions(python)
	opts.FlowModule = "fakeflow"
	opts.Gatherer = gatherer
	opts.Compiler = CompilerFunc(func(_ context.Context, src string) (string, error) { return ScriptPath(src), nil })
	rec := newRecorder()
	f := NewFlow(path, root, rec, opts)
	ctx := context.Background()

	require.NoError(t, f.Start(ctx, Command{"op": OpStart}))
	rec.waitFor(t, 10*time.Second, func(m Message) bool { return m.Type == TypeRunStdout })

	require.NoError(t, f.HandleClient(ctx, Command{"op": OpTerminate}))
	assert.Equal(t, int32(1), gatherer.calls.Load())
	rec.waitType(t, TypeRunEnd)
	f.Shutdown(ctx)
	assert.Equal(t, 1, rec.count(TypeRunEnd))
}

func TestHasPayload(t *testing.T) {
	assert.False(t, hasPayload(nil))
	assert.False(t, hasPayload(map[string]any{}))
	assert.False(t, hasPayload(""))
	assert.False(t, hasPayload([]any{}))
	assert.True(t, hasPayload(map[string]any{"a": 1}))
	assert.True(t, hasPayload("x"))
}
