// Package runner owns the lifecycle of one client connection: the protocol
// gate in front of an engine, and the thread-bridged runner for blocking
// flow executions.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/events"
	"github.com/waldiez/studio/internal/workspace"
)

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = errors.New("task is already running")

const shutdownTimeout = 30 * time.Second

// EngineFactory builds the engine for one file.
type EngineFactory func(path, root string, sink engine.Sink, opts engine.Options) (engine.Engine, error)

// TaskOptions configures a TaskRunner.
type TaskOptions struct {
	Root      string
	Engine    engine.Options
	Factory   EngineFactory
	Limiter   *Limiter
	Publisher *events.Publisher
	Logger    *logger.Logger
}

// TaskRunner serves one run connection. The first message must be a start
// command; every later message goes to the engine it started.
type TaskRunner struct {
	path    string
	taskID  string
	runID   string
	root    string
	raw     Conn
	conn    *writer
	opts    engine.Options
	factory EngineFactory
	limiter *Limiter
	pub     *events.Publisher
	log     *logger.Logger
}

// NewTaskRunner creates a runner for path over conn.
func NewTaskRunner(path string, conn Conn, o TaskOptions) *TaskRunner {
	if o.Factory == nil {
		o.Factory = engine.New
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	runID := uuid.NewString()
	log := o.Logger.WithComponent("task-runner").WithRunID(runID)
	if o.Engine.Logger == nil {
		o.Engine.Logger = log
	}
	return &TaskRunner{
		path:    path,
		taskID:  workspace.PathToID(path),
		runID:   runID,
		root:    o.Root,
		raw:     conn,
		conn:    &writer{conn: conn},
		opts:    o.Engine,
		factory: o.Factory,
		limiter: o.Limiter,
		pub:     o.Publisher,
		log:     log,
	}
}

// TaskID returns the opaque id of the file being run.
func (r *TaskRunner) TaskID() string { return r.taskID }

// Run serves the connection until the client goes away or ctx is done.
// A disconnect is a clean exit; cancellation is returned after the engine
// has been shut down.
func (r *TaskRunner) Run(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "runner", "run.session",
		attribute.String("task_id", r.taskID),
		attribute.String("file", r.path))
	defer func() { tracing.End(span, err) }()

	readCtx, stopReading := context.WithCancel(context.Background())
	defer stopReading()
	msgs := readLoop(readCtx, r.raw)

	start, err := r.awaitStart(ctx, msgs)
	if err != nil || start == nil {
		return err
	}

	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx); err != nil {
			return err
		}
		defer r.limiter.Release()
	}

	eng, err := r.factory(r.path, r.root, r.conn, r.opts)
	if err != nil {
		r.log.Warn("cannot run file", zap.String("path", r.path), zap.Error(err))
		_ = r.conn.send(engine.TypeError, errorData(err.Error()))
		return nil
	}

	r.pub.Publish(ctx, events.RunStarted, r.eventData(nil))
	reason := "disconnected"
	defer func() {
		r.shutdown(ctx, eng)
		r.pub.Publish(context.WithoutCancel(ctx), events.RunEnded, r.eventData(map[string]any{"reason": reason}))
	}()

	if err := eng.Start(ctx, start); err != nil {
		reason = "start_failed"
		r.log.Warn("engine start failed", zap.Error(err))
		return nil
	}
	if err = r.listen(ctx, eng, msgs); err != nil {
		reason = "cancelled"
	}
	return err
}

// awaitStart reads the first message. A nil command with a nil error means
// the session is over: the client left or sent something other than start.
func (r *TaskRunner) awaitStart(ctx context.Context, msgs <-chan inbound) (engine.Command, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case in, ok := <-msgs:
		if !ok || in.err != nil {
			r.log.Debug("client left before start")
			return nil, nil
		}
		cmd, err := engine.DecodeCommand(in.data)
		if err != nil {
			_ = r.conn.send(engine.TypeError, errorData(err.Error()))
			return nil, nil
		}
		if cmd.Op() != engine.OpStart {
			_ = r.conn.send(engine.TypeError, errorData(`Expected {"op": "start"} as the first message`))
			return nil, nil
		}
		return cmd, nil
	}
}

func (r *TaskRunner) listen(ctx context.Context, eng engine.Engine, msgs <-chan inbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-msgs:
			if !ok || in.err != nil {
				r.log.Debug("client disconnected")
				return nil
			}
			cmd, err := engine.DecodeCommand(in.data)
			if err != nil {
				_ = r.conn.send(engine.TypeError, errorData(err.Error()))
				continue
			}
			if err := eng.HandleClient(ctx, cmd); err != nil {
				r.log.Debug("client message failed", zap.String("op", cmd.Op()), zap.Error(err))
			}
		}
	}
}

func (r *TaskRunner) shutdown(ctx context.Context, eng engine.Engine) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine shutdown panicked", zap.Any("panic", p))
		}
	}()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	eng.Shutdown(sctx)
}

func (r *TaskRunner) eventData(extra map[string]any) map[string]any {
	data := map[string]any{
		"run_id":  r.runID,
		"task_id": r.taskID,
		"path":    r.path,
		"kind":    "run",
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
