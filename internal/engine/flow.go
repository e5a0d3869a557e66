package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
)

// Flow compiles a .waldiez flow to a script and delegates the run to a
// Subprocess running the flow tooling in structured mode. Structured replies
// from the client ride over the delegate's stdin as JSON lines.
type Flow struct {
	path string
	root string
	sink Sink
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	state    state
	delegate *Subprocess
	cancel   context.CancelFunc
	endOnce  sync.Once
}

// NewFlow binds a flow engine to path inside root.
func NewFlow(path, root string, sink Sink, opts Options) *Flow {
	opts = opts.withDefaults()
	return &Flow{
		path: path,
		root: root,
		sink: sink,
		opts: opts,
		log:  opts.Logger.WithComponent("flow-engine").WithFields(zap.String("file", path)),
	}
}

func (f *Flow) relative(p string) string {
	if rel, err := filepath.Rel(f.root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

func (f *Flow) Start(ctx context.Context, start Command) error {
	f.mu.Lock()
	if f.state != stateIdle {
		f.mu.Unlock()
		return nil
	}
	f.state = stateStarting
	compileCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	sendDirect(f.sink, f.log, NewMessage(TypeCompileStart, map[string]any{"source": f.relative(f.path)}))

	spanCtx, span := tracing.Start(compileCtx, "engine", "flow.compile", attribute.String("file", f.path))
	script, err := f.opts.Compiler.Compile(spanCtx, f.path)
	tracing.End(span, err)
	if err != nil {
		f.log.Warn("flow compilation failed", zap.Error(err))
		sendDirect(f.sink, f.log, NewMessage(TypeCompileError, map[string]any{"message": err.Error()}))
		f.endOnce.Do(func() {
			f.mu.Lock()
			f.state = stateEnded
			f.mu.Unlock()
			sendDirect(f.sink, f.log, NewMessage(TypeRunEnd, map[string]any{
				"status":     StatusError,
				"returnCode": -1,
				"elapsedMs":  0,
			}))
		})
		return err
	}
	sendDirect(f.sink, f.log, NewMessage(TypeCompileEnd, map[string]any{"py": f.relative(script)}))

	args := []any{"run", "--file", f.path, "--output", script, "--force", "--structured"}
	for _, a := range start.Strings("args") {
		args = append(args, a)
	}
	delegateStart := Command{"module": f.opts.FlowModule, "args": args}
	if venv := start.String("venv"); venv != "" {
		delegateStart["venv"] = venv
	}
	if env, ok := start["env"]; ok {
		delegateStart["env"] = env
	}

	delegate := NewSubprocess(script, f.root, f.sink, f.opts)
	f.mu.Lock()
	f.delegate = delegate
	f.state = stateRunning
	f.mu.Unlock()
	return delegate.Start(ctx, delegateStart)
}

func (f *Flow) HandleClient(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	delegate := f.delegate
	f.mu.Unlock()
	if delegate == nil {
		f.log.Debug("no delegate for client message", zap.String("op", cmd.Op()))
		return nil
	}
	op := cmd.Op()
	if op == "" {
		return nil
	}

	var err error
	if (op == OpWaldiezRespond || op == OpWaldiezControl) && hasPayload(cmd["payload"]) {
		line, merr := json.Marshal(cmd["payload"])
		if merr != nil {
			return merr
		}
		err = delegate.HandleClient(ctx, Command{"op": OpStdin, "text": string(line)})
	} else {
		err = delegate.HandleClient(ctx, cmd)
	}

	switch op {
	case OpTerminate, OpShutdown, OpInterrupt:
		if f.opts.Gatherer != nil {
			f.opts.Gatherer.Gather(ctx, f.path)
		}
	}
	return err
}

// hasPayload reports whether a structured payload carries anything.
func hasPayload(v any) bool {
	switch p := v.(type) {
	case nil:
		return false
	case map[string]any:
		return len(p) > 0
	case []any:
		return len(p) > 0
	case string:
		return p != ""
	case bool:
		return p
	case float64:
		return p != 0
	}
	return true
}

func (f *Flow) Shutdown(ctx context.Context) {
	f.mu.Lock()
	cancel, delegate, st := f.cancel, f.delegate, f.state
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if delegate != nil {
		delegate.Shutdown(ctx)
		return
	}
	if st == stateIdle {
		// Never started: still close the run for the client.
		f.endOnce.Do(func() {
			f.mu.Lock()
			f.state = stateEnded
			f.mu.Unlock()
			sendDirect(f.sink, f.log, NewMessage(TypeRunEnd, map[string]any{
				"status":     StatusOK,
				"returnCode": 0,
				"elapsedMs":  0,
			}))
		})
	}
}
